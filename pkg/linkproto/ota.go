// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"encoding/binary"
	"fmt"
)

// OtaControl is the 16-byte OTA command/status packet used outside bulk mode.
//
// Param is the chunk count for CmdStartBulk and a status-specific value otherwise.
// Size and Digest describe the firmware image (byte count and CRC32-IEEE).
type OtaControl struct {
	Code   uint8
	Param  uint16
	Size   uint32
	Digest uint32
}

// EncodeOtaControl returns the wire encoding of p.
func EncodeOtaControl(p OtaControl) []byte {
	buf := make([]byte, OtaControlSize)
	PutOtaControl(buf, p)
	return buf
}

// PutOtaControl writes p into the first OtaControlSize bytes of buf and zeroes the rest.
func PutOtaControl(buf []byte, p OtaControl) {
	_ = buf[OtaControlSize-1]
	buf[0] = OtaHeader
	buf[1] = p.Code
	binary.LittleEndian.PutUint16(buf[2:4], p.Param)
	binary.LittleEndian.PutUint32(buf[4:8], p.Size)
	binary.LittleEndian.PutUint32(buf[8:12], p.Digest)
	buf[12], buf[13], buf[14] = 0, 0, 0
	buf[15] = XORChecksum(buf[:15])
	clear(buf[OtaControlSize:])
}

// DecodeOtaControl parses an OTA control packet from the start of buf.
func DecodeOtaControl(buf []byte) (OtaControl, error) {
	if len(buf) < OtaControlSize {
		return OtaControl{}, fmt.Errorf("ota control: %w (%d bytes)", ErrShortFrame, len(buf))
	}
	if buf[0] != OtaHeader {
		return OtaControl{}, fmt.Errorf("ota control: %w (0x%02X)", ErrWrongHeader, buf[0])
	}
	if sum := XORChecksum(buf[:15]); sum != buf[15] {
		return OtaControl{}, fmt.Errorf("ota control: %w (expected 0x%02X, got 0x%02X)", ErrBadChecksum, sum, buf[15])
	}
	return OtaControl{
		Code:   buf[1],
		Param:  binary.LittleEndian.Uint16(buf[2:4]),
		Size:   binary.LittleEndian.Uint32(buf[4:8]),
		Digest: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// OtaBulk is the 266-byte packet used while bulk mode is active.
//
// Master → slave it carries one firmware chunk (CmdChunk) or a bulk-mode command with
// no data. Slave → master Seq carries the next sequence number the slave expects.
type OtaBulk struct {
	Code uint8
	Seq  uint16
	Data []byte
}

// EncodeOtaBulk returns the wire encoding of p.
func EncodeOtaBulk(p OtaBulk) ([]byte, error) {
	buf := make([]byte, OtaBulkSize)
	if err := PutOtaBulk(buf, p); err != nil {
		return nil, err
	}
	return buf, nil
}

// PutOtaBulk writes p into buf, which must hold at least OtaBulkSize bytes.
func PutOtaBulk(buf []byte, p OtaBulk) error {
	if len(p.Data) > ChunkSize {
		return fmt.Errorf("ota bulk: %w (%d bytes)", ErrOversizeChunk, len(p.Data))
	}
	if len(buf) < OtaBulkSize {
		return fmt.Errorf("ota bulk: %w (buffer %d bytes)", ErrShortFrame, len(buf))
	}
	buf[0] = OtaHeader
	buf[1] = p.Code
	binary.LittleEndian.PutUint16(buf[2:4], p.Seq)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(p.Data)))
	n := copy(buf[bulkDataOffset:bulkCRCOffset], p.Data)
	clear(buf[bulkDataOffset+n : bulkCRCOffset])
	binary.LittleEndian.PutUint32(buf[bulkCRCOffset:OtaBulkSize], CRC32(buf[:bulkCRCOffset]))
	clear(buf[OtaBulkSize:])
	return nil
}

// DecodeOtaBulk parses an OTA bulk packet. The returned Data aliases buf.
func DecodeOtaBulk(buf []byte) (OtaBulk, error) {
	if len(buf) < OtaBulkSize {
		return OtaBulk{}, fmt.Errorf("ota bulk: %w (%d bytes)", ErrShortFrame, len(buf))
	}
	if buf[0] != OtaHeader {
		return OtaBulk{}, fmt.Errorf("ota bulk: %w (0x%02X)", ErrWrongHeader, buf[0])
	}
	want := binary.LittleEndian.Uint32(buf[bulkCRCOffset:OtaBulkSize])
	if got := CRC32(buf[:bulkCRCOffset]); got != want {
		return OtaBulk{}, fmt.Errorf("ota bulk: %w (expected 0x%08X, got 0x%08X)", ErrBadChecksum, want, got)
	}
	n := int(binary.LittleEndian.Uint16(buf[4:6]))
	if n > ChunkSize {
		return OtaBulk{}, fmt.Errorf("ota bulk: %w (%d bytes)", ErrOversizeChunk, n)
	}
	return OtaBulk{
		Code: buf[1],
		Seq:  binary.LittleEndian.Uint16(buf[2:4]),
		Data: buf[bulkDataOffset : bulkDataOffset+n],
	}, nil
}
