// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"encoding/binary"
	"fmt"
)

// ControlPacket is the fixed 8-byte record exchanged every control cycle.
//
// Master → slave: Value=display RPM, Mode=authoritative mode,
// Secondary=water temperature in tenths of a degree, SecondaryStatus=sensor status.
// Slave → master: Value=requested RPM, Mode=requested mode, Secondary and
// SecondaryStatus zero.
type ControlPacket struct {
	Value           uint16
	Mode            Mode
	Secondary       int16
	SecondaryStatus uint8
}

// EncodeControl returns the wire encoding of p.
func EncodeControl(p ControlPacket) []byte {
	buf := make([]byte, ControlPacketSize)
	PutControl(buf, p)
	return buf
}

// PutControl writes p into the first ControlPacketSize bytes of buf.
// Bytes past the packet are zeroed so a larger buffer never carries stale data.
func PutControl(buf []byte, p ControlPacket) {
	_ = buf[ControlPacketSize-1]
	buf[0] = ControlHeader
	binary.LittleEndian.PutUint16(buf[1:3], p.Value)
	buf[3] = uint8(p.Mode)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(p.Secondary))
	buf[6] = p.SecondaryStatus
	buf[7] = XORChecksum(buf[:7])
	clear(buf[ControlPacketSize:])
}

// DecodeControl parses a control packet from the start of buf.
func DecodeControl(buf []byte) (ControlPacket, error) {
	if len(buf) < ControlPacketSize {
		return ControlPacket{}, fmt.Errorf("control packet: %w (%d bytes)", ErrShortFrame, len(buf))
	}
	if buf[0] != ControlHeader {
		return ControlPacket{}, fmt.Errorf("control packet: %w (0x%02X)", ErrWrongHeader, buf[0])
	}
	if sum := XORChecksum(buf[:7]); sum != buf[7] {
		return ControlPacket{}, fmt.Errorf("control packet: %w (expected 0x%02X, got 0x%02X)", ErrBadChecksum, sum, buf[7])
	}
	mode := Mode(buf[3])
	if !mode.Valid() {
		return ControlPacket{}, fmt.Errorf("control packet: %w (%d)", ErrInvalidMode, buf[3])
	}
	return ControlPacket{
		Value:           binary.LittleEndian.Uint16(buf[1:3]),
		Mode:            mode,
		Secondary:       int16(binary.LittleEndian.Uint16(buf[4:6])),
		SecondaryStatus: buf[6],
	}, nil
}

// ControlFrame returns p encoded into a FrameSize exchange buffer.
func ControlFrame(p ControlPacket) []byte {
	buf := make([]byte, FrameSize)
	PutControl(buf, p)
	return buf
}
