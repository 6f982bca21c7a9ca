// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package linkproto implements the wire formats of the tachlink duplex link.
//
// The link carries fixed-size frames between a master (sensor/control) node and a
// slave (display) node. Every exchange moves one frame in each direction at the same
// time. Three formats share the medium and are told apart by their first byte and by
// the session-wide bulk flag:
//
//   - control packet (8 bytes, header 0xAA, XOR checksum)
//   - OTA control packet (16 bytes, header 0xBB, XOR checksum)
//   - OTA bulk packet (266 bytes, header 0xBB, CRC32-IEEE)
//
// All functions in this package are pure. Decoding never panics; malformed input is
// reported through the sentinel errors declared in errors.go.
package linkproto

// Frame headers
const (
	ControlHeader = 0xAA
	OtaHeader     = 0xBB
)

// Frame sizes
const (
	ControlPacketSize = 8
	OtaControlSize    = 16
	OtaBulkSize       = 266
	ChunkSize         = 256 // data bytes carried by one bulk frame

	// FrameSize is the exchange buffer outside bulk mode. A control packet
	// occupies its first ControlPacketSize bytes and the rest is zero.
	FrameSize = OtaControlSize

	bulkDataOffset = 6
	bulkCRCOffset  = bulkDataOffset + ChunkSize // 262
)

// Mode is the operating mode shared between the two nodes.
type Mode uint8

// Operating modes
const (
	ModeAuto   Mode = 0
	ModeManual Mode = 1
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeAuto || m == ModeManual
}

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "AUTO"
	case ModeManual:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// Water sensor status carried in the secondary status byte
const (
	SensorOK           = 0x00
	SensorDisconnected = 0x01
	SensorShorted      = 0x02
	SensorInvalid      = 0xFF
)

// OTA command codes (master → slave)
const (
	CmdStatus    = 0x01
	CmdGetInfo   = 0x02
	CmdStartBulk = 0x03
	CmdDone      = 0x04
	CmdAbort     = 0x05
	CmdChunk     = 0x10
)

// OTA status codes (slave → master)
const (
	StatusIdle            = 0x00
	StatusFwReady         = 0x01
	StatusBusy            = 0x02
	StatusVerifyRequested = 0x11
	StatusVerified        = 0x12
	StatusVerifyFailed    = 0x13
	StatusBulkReady       = 0x14
	StatusChunkAck        = 0x15
	StatusDone            = 0x16
	StatusAborted         = 0x17
	StatusError           = 0xFF
)
