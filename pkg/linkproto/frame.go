// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import "fmt"

// Kind identifies which wire format a frame was decoded as.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindControl
	KindOtaControl
	KindOtaBulk
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "CONTROL"
	case KindOtaControl:
		return "OTA_CONTROL"
	case KindOtaBulk:
		return "OTA_BULK"
	default:
		return "UNKNOWN"
	}
}

// Frame is a decoded frame of any format. Only the field matching Kind is set.
type Frame struct {
	Kind       Kind
	Control    ControlPacket
	OtaControl OtaControl
	Bulk       OtaBulk
}

// Peek returns the format a buffer claims by its first byte, given the bulk flag.
func Peek(buf []byte, bulk bool) Kind {
	if len(buf) == 0 {
		return KindUnknown
	}
	switch buf[0] {
	case ControlHeader:
		return KindControl
	case OtaHeader:
		if bulk {
			return KindOtaBulk
		}
		return KindOtaControl
	default:
		return KindUnknown
	}
}

// DecodeFrame demultiplexes buf by header and decodes it. A control packet is
// accepted from the first ControlPacketSize bytes in either mode, which lets a peer
// that already left bulk mode be recognized from a bulk-sized exchange.
func DecodeFrame(buf []byte, bulk bool) (Frame, error) {
	switch kind := Peek(buf, bulk); kind {
	case KindControl:
		p, err := DecodeControl(buf)
		return Frame{Kind: kind, Control: p}, err
	case KindOtaControl:
		p, err := DecodeOtaControl(buf)
		return Frame{Kind: kind, OtaControl: p}, err
	case KindOtaBulk:
		p, err := DecodeOtaBulk(buf)
		return Frame{Kind: kind, Bulk: p}, err
	default:
		if len(buf) == 0 {
			return Frame{}, fmt.Errorf("frame: %w (0 bytes)", ErrShortFrame)
		}
		return Frame{}, fmt.Errorf("frame: %w (0x%02X)", ErrWrongHeader, buf[0])
	}
}
