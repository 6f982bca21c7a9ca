// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"fmt"
	"time"
)

// Scanner recovers frames from a tapped byte stream, one byte at a time. It
// resynchronizes on header bytes and treats zero bytes between frames as an
// idle line.
//
// An 0xBB frame is first tried as an OTA control packet at 16 bytes and, if
// that fails its checksum, as a bulk packet at 266 bytes.
type Scanner struct {
	buffer  []byte
	skipped int
	last    time.Time
}

// NewScanner creates a Scanner.
func NewScanner() *Scanner {
	return &Scanner{buffer: make([]byte, 0, OtaBulkSize)}
}

// Reset drops any partial frame.
func (s *Scanner) Reset() {
	s.buffer = s.buffer[:0]
}

// Skipped returns the number of non-idle bytes discarded while hunting for a
// header, and clears the count.
func (s *Scanner) Skipped() int {
	n := s.skipped
	s.skipped = 0
	return n
}

// Timestamp returns when the first byte of the last returned frame arrived.
func (s *Scanner) Timestamp() time.Time {
	return s.last
}

// ScanByte feeds one byte. It returns a frame once one is complete, or an error
// when a frame of the claimed size failed to decode.
func (s *Scanner) ScanByte(b byte) (*Frame, error) {
	if len(s.buffer) == 0 {
		switch b {
		case ControlHeader, OtaHeader:
			s.last = time.Now()
		case 0x00:
			return nil, nil
		default:
			s.skipped++
			return nil, nil
		}
	}
	s.buffer = append(s.buffer, b)

	switch s.buffer[0] {
	case ControlHeader:
		if len(s.buffer) < ControlPacketSize {
			return nil, nil
		}
		p, err := DecodeControl(s.buffer)
		s.Reset()
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: KindControl, Control: p}, nil

	default:
		switch len(s.buffer) {
		case OtaControlSize:
			if p, err := DecodeOtaControl(s.buffer); err == nil {
				s.Reset()
				return &Frame{Kind: KindOtaControl, OtaControl: p}, nil
			}
		case OtaBulkSize:
			p, err := DecodeOtaBulk(s.buffer)
			s.Reset()
			if err != nil {
				return nil, fmt.Errorf("ota frame: %w", err)
			}
			// Data aliases the scan buffer.
			p.Data = append([]byte(nil), p.Data...)
			return &Frame{Kind: KindOtaBulk, Bulk: p}, nil
		}
		return nil, nil
	}
}
