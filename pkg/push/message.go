// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package push delivers firmware images from a host to a device's staging
// area over a WebSocket control channel.
//
// Every WebSocket binary message is a CBOR array [msg_type, payload_map] with
// integer map keys. The host offers an image, waits for the device to accept
// it, streams chunks paced by READY acknowledgements and commits. The device
// writes the image's manifest only after the committed image verifies, so an
// interrupted push never leaves an installable partial image.
package push

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Message types
const (
	MsgOffer    uint8 = 0x01 // host: image size, digest and version
	MsgVerified uint8 = 0x02 // device: offer accepted, staging opened
	MsgChunk    uint8 = 0x03 // host: sequenced image data
	MsgReady    uint8 = 0x04 // device: next sequence expected
	MsgCommit   uint8 = 0x05 // host: all chunks sent
	MsgDone     uint8 = 0x06 // device: image verified and staged
	MsgAborted  uint8 = 0x07 // either side: session ended without an image
)

// Payload keys
const (
	KeySize    = 0
	KeyDigest  = 1
	KeyVersion = 2
	KeyCreated = 3

	KeyChunkSize = 0 // VERIFIED

	KeySeq  = 0 // CHUNK, READY
	KeyData = 1 // CHUNK

	KeyReason = 0 // ABORTED
)

// MaxChunkSize is the largest chunk a device accepts.
const MaxChunkSize = 4096

// Message is a decoded push message.
type Message struct {
	Type    uint8
	Payload map[int]interface{}
}

// EncodeMessage encodes [msgType, payload]. An empty payload is encoded as nil.
func EncodeMessage(msgType uint8, payload map[int]interface{}) ([]byte, error) {
	var msg interface{}
	if len(payload) == 0 {
		msg = []interface{}{uint64(msgType), nil}
	} else {
		msg = []interface{}{uint64(msgType), payload}
	}
	return cbor.Marshal(msg)
}

// ParseMessage decodes a push message.
func ParseMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}

	var msg []interface{}
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode CBOR: %w", err)
	}
	if len(msg) != 2 {
		return Message{}, fmt.Errorf("expected 2-element array, got %d elements", len(msg))
	}

	var m Message
	switch v := msg[0].(type) {
	case uint64:
		if v > 255 {
			return Message{}, fmt.Errorf("message type out of range: %d", v)
		}
		m.Type = uint8(v)
	default:
		return Message{}, fmt.Errorf("expected uint for message type, got %T", msg[0])
	}

	if msg[1] == nil {
		return m, nil
	}
	v, ok := msg[1].(map[interface{}]interface{})
	if !ok {
		return Message{}, fmt.Errorf("expected map or nil for payload, got %T", msg[1])
	}
	m.Payload = make(map[int]interface{}, len(v))
	for key, val := range v {
		switch k := key.(type) {
		case uint64:
			m.Payload[int(k)] = val
		case int64:
			m.Payload[int(k)] = val
		default:
			return Message{}, fmt.Errorf("expected integer map key, got %T", key)
		}
	}
	return m, nil
}

// Uint extracts an unsigned integer.
func (m Message) Uint(key int) (uint64, bool) {
	switch v := m.Payload[key].(type) {
	case uint64:
		return v, true
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

// Int extracts a signed integer.
func (m Message) Int(key int) (int64, bool) {
	switch v := m.Payload[key].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

// Text extracts a text string.
func (m Message) Text(key int) (string, bool) {
	v, ok := m.Payload[key].(string)
	return v, ok
}

// Bytes extracts a byte string.
func (m Message) Bytes(key int) ([]byte, bool) {
	v, ok := m.Payload[key].([]byte)
	return v, ok
}

// TypeName returns the name of a message type.
func TypeName(msgType uint8) string {
	switch msgType {
	case MsgOffer:
		return "OFFER"
	case MsgVerified:
		return "VERIFIED"
	case MsgChunk:
		return "CHUNK"
	case MsgReady:
		return "READY"
	case MsgCommit:
		return "COMMIT"
	case MsgDone:
		return "DONE"
	case MsgAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", msgType)
	}
}
