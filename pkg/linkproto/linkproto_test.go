// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

// ============================================================
// Checksum Tests
// ============================================================

func TestXORChecksum(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint8
	}{
		{"empty", []byte{}, 0x00},
		{"single", []byte{0xAA}, 0xAA},
		{"cancel", []byte{0x5A, 0x5A}, 0x00},
		{"mixed", []byte{0xAA, 0xB8, 0x0B}, 0x19},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := XORChecksum(tt.data); got != tt.expected {
				t.Errorf("XORChecksum() = 0x%02X, want 0x%02X", got, tt.expected)
			}
		})
	}
}

func TestCRC32_KnownValue(t *testing.T) {
	// Standard CRC-32/IEEE check value
	if got := CRC32([]byte("123456789")); got != 0xCBF43926 {
		t.Errorf("CRC32() = 0x%08X, want 0xCBF43926", got)
	}
}

func TestUpdateCRC32_MatchesOneShot(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	running := UpdateCRC32(0, data[:10])
	running = UpdateCRC32(running, data[10:])
	if running != CRC32(data) {
		t.Errorf("incremental CRC 0x%08X != one-shot 0x%08X", running, CRC32(data))
	}
}

// ============================================================
// Control Packet Tests
// ============================================================

func TestEncodeControl_Layout(t *testing.T) {
	buf := EncodeControl(ControlPacket{
		Value:           3000,
		Mode:            ModeManual,
		Secondary:       -125,
		SecondaryStatus: SensorShorted,
	})

	want := []byte{0xAA, 0xB8, 0x0B, 0x01, 0x83, 0xFF, 0x02}
	if !bytes.Equal(buf[:7], want) {
		t.Fatalf("EncodeControl() = % X, want % X", buf[:7], want)
	}
	if buf[7] != XORChecksum(want) {
		t.Errorf("checksum = 0x%02X, want 0x%02X", buf[7], XORChecksum(want))
	}
	if len(buf) != ControlPacketSize {
		t.Errorf("len = %d, want %d", len(buf), ControlPacketSize)
	}
}

func TestControl_RoundTrip(t *testing.T) {
	tests := []ControlPacket{
		{},
		{Value: 3000, Mode: ModeManual},
		{Value: 65535, Mode: ModeAuto, Secondary: 32767, SecondaryStatus: SensorInvalid},
		{Value: 1, Mode: ModeManual, Secondary: -32768, SecondaryStatus: SensorDisconnected},
	}

	for _, p := range tests {
		got, err := DecodeControl(EncodeControl(p))
		if err != nil {
			t.Errorf("DecodeControl(%+v) error: %v", p, err)
			continue
		}
		if got != p {
			t.Errorf("DecodeControl() = %+v, want %+v", got, p)
		}
	}
}

func TestDecodeControl_Errors(t *testing.T) {
	valid := EncodeControl(ControlPacket{Value: 1234, Mode: ModeAuto})

	badHeader := append([]byte(nil), valid...)
	badHeader[0] = 0x55

	badSum := append([]byte(nil), valid...)
	badSum[7] ^= 0x01

	badMode := append([]byte(nil), valid...)
	badMode[3] = 7
	badMode[7] = XORChecksum(badMode[:7])

	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"short", valid[:5], ErrShortFrame},
		{"header", badHeader, ErrWrongHeader},
		{"checksum", badSum, ErrBadChecksum},
		{"mode", badMode, ErrInvalidMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeControl(tt.buf)
			if !errors.Is(err, tt.want) {
				t.Errorf("DecodeControl() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPutControl_ZeroesTail(t *testing.T) {
	buf := bytes.Repeat([]byte{0xEE}, OtaBulkSize)
	PutControl(buf, ControlPacket{Value: 10})
	for i := ControlPacketSize; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d = 0x%02X, want 0", i, buf[i])
		}
	}
}

func TestClassify(t *testing.T) {
	valid := EncodeControl(ControlPacket{Value: 1})
	corrupt := append([]byte(nil), valid...)
	corrupt[2] ^= 0x80

	tests := []struct {
		name string
		buf  []byte
		want Result
	}{
		{"valid", valid, Valid},
		{"wrong header", []byte{0x00, 1, 2, 3, 4, 5, 6, 7}, WrongHeader},
		{"bad checksum", corrupt, BadChecksum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeControl(tt.buf)
			if got := Classify(err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================
// OTA Control Tests
// ============================================================

func TestOtaControl_RoundTrip(t *testing.T) {
	p := OtaControl{Code: StatusVerified, Param: 42, Size: 1 << 20, Digest: 0xDEADBEEF}
	buf := EncodeOtaControl(p)

	if len(buf) != OtaControlSize || buf[0] != OtaHeader {
		t.Fatalf("EncodeOtaControl() = % X", buf)
	}

	got, err := DecodeOtaControl(buf)
	if err != nil {
		t.Fatalf("DecodeOtaControl() error: %v", err)
	}
	if got != p {
		t.Errorf("DecodeOtaControl() = %+v, want %+v", got, p)
	}
}

func TestDecodeOtaControl_RejectsControlHeader(t *testing.T) {
	buf := make([]byte, OtaControlSize)
	copy(buf, EncodeControl(ControlPacket{Value: 5}))
	if _, err := DecodeOtaControl(buf); !errors.Is(err, ErrWrongHeader) {
		t.Errorf("DecodeOtaControl() error = %v, want ErrWrongHeader", err)
	}
}

// ============================================================
// OTA Bulk Tests
// ============================================================

func TestOtaBulk_RoundTrip(t *testing.T) {
	data := make([]byte, ChunkSize)
	for i := range data {
		data[i] = byte(i * 7)
	}

	tests := []OtaBulk{
		{Code: CmdChunk, Seq: 0, Data: data},
		{Code: CmdChunk, Seq: 513, Data: data[:17]},
		{Code: StatusChunkAck, Seq: 9},
	}

	for _, p := range tests {
		buf, err := EncodeOtaBulk(p)
		if err != nil {
			t.Fatalf("EncodeOtaBulk() error: %v", err)
		}
		got, err := DecodeOtaBulk(buf)
		if err != nil {
			t.Fatalf("DecodeOtaBulk() error: %v", err)
		}
		if got.Code != p.Code || got.Seq != p.Seq || !bytes.Equal(got.Data, p.Data) {
			t.Errorf("DecodeOtaBulk() = {%d %d %d bytes}, want {%d %d %d bytes}",
				got.Code, got.Seq, len(got.Data), p.Code, p.Seq, len(p.Data))
		}
	}
}

func TestEncodeOtaBulk_Oversize(t *testing.T) {
	_, err := EncodeOtaBulk(OtaBulk{Code: CmdChunk, Data: make([]byte, ChunkSize+1)})
	if !errors.Is(err, ErrOversizeChunk) {
		t.Errorf("EncodeOtaBulk() error = %v, want ErrOversizeChunk", err)
	}
}

func TestDecodeOtaBulk_LengthFieldOversize(t *testing.T) {
	buf, _ := EncodeOtaBulk(OtaBulk{Code: CmdChunk})
	buf[4], buf[5] = 0x01, 0x02 // 513
	crc := CRC32(buf[:bulkCRCOffset])
	buf[262], buf[263], buf[264], buf[265] = byte(crc), byte(crc>>8), byte(crc>>16), byte(crc>>24)

	if _, err := DecodeOtaBulk(buf); !errors.Is(err, ErrOversizeChunk) {
		t.Errorf("DecodeOtaBulk() error = %v, want ErrOversizeChunk", err)
	}
}

func TestDecodeOtaBulk_CorruptData(t *testing.T) {
	buf, _ := EncodeOtaBulk(OtaBulk{Code: CmdChunk, Seq: 3, Data: []byte{1, 2, 3}})
	buf[100] ^= 0x10
	if _, err := DecodeOtaBulk(buf); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("DecodeOtaBulk() error = %v, want ErrBadChecksum", err)
	}
}

// ============================================================
// Demux Tests
// ============================================================

func TestDecodeFrame_Demux(t *testing.T) {
	control := EncodeControl(ControlPacket{Value: 800, Mode: ModeManual})
	otaCtl := EncodeOtaControl(OtaControl{Code: CmdStatus})
	bulk, _ := EncodeOtaBulk(OtaBulk{Code: CmdChunk, Seq: 1, Data: []byte{9}})

	controlInBulk := make([]byte, OtaBulkSize)
	copy(controlInBulk, control)

	tests := []struct {
		name string
		buf  []byte
		bulk bool
		want Kind
	}{
		{"control", control, false, KindControl},
		{"ota control", otaCtl, false, KindOtaControl},
		{"ota bulk", bulk, true, KindOtaBulk},
		{"control in bulk buffer", controlInBulk, true, KindControl},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame(tt.buf, tt.bulk)
			if err != nil {
				t.Fatalf("DecodeFrame() error: %v", err)
			}
			if f.Kind != tt.want {
				t.Errorf("DecodeFrame() kind = %v, want %v", f.Kind, tt.want)
			}
		})
	}
}

func TestDecodeFrame_UnknownHeader(t *testing.T) {
	f, err := DecodeFrame([]byte{0x00, 0x00, 0x00}, false)
	if !errors.Is(err, ErrWrongHeader) {
		t.Errorf("DecodeFrame() error = %v, want ErrWrongHeader", err)
	}
	if f.Kind != KindUnknown {
		t.Errorf("DecodeFrame() kind = %v, want UNKNOWN", f.Kind)
	}

	if _, err := DecodeFrame(nil, false); !errors.Is(err, ErrShortFrame) {
		t.Errorf("DecodeFrame(nil) error = %v, want ErrShortFrame", err)
	}
}

func TestDecodeFrame_BulkFlagSelectsSize(t *testing.T) {
	// A 16-byte OTA control frame is too short to be a bulk frame.
	otaCtl := EncodeOtaControl(OtaControl{Code: CmdStatus})
	if _, err := DecodeFrame(otaCtl, true); !errors.Is(err, ErrShortFrame) {
		t.Errorf("DecodeFrame(bulk) error = %v, want ErrShortFrame", err)
	}
}

// ============================================================
// Formatter and Statistics Tests
// ============================================================

func TestFormatFrame(t *testing.T) {
	ts := time.Date(2025, 1, 1, 12, 30, 45, 123000000, time.UTC)
	out := FormatFrame(ts, Frame{Kind: KindControl, Control: ControlPacket{
		Value: 3000, Mode: ModeManual, Secondary: -55, SecondaryStatus: SensorOK,
	}})

	for _, want := range []string{"12:30:45.123", "CONTROL", "rpm=3000", "mode=MANUAL", "water=-5.5", "sensor=OK"} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatFrame() = %q, missing %q", out, want)
		}
	}
}

func TestFormatCode(t *testing.T) {
	tests := []struct {
		code uint8
		want string
	}{
		{CmdChunk, "CHUNK"},
		{StatusVerified, "VERIFIED"},
		{CmdStatus, "STATUS|FW_READY"},
		{0x77, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := FormatCode(tt.code); got != tt.want {
			t.Errorf("FormatCode(0x%02X) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()

	s.Update(Frame{Kind: KindControl}, nil)
	s.Update(Frame{Kind: KindOtaControl}, nil)
	_, err := DecodeControl([]byte{0x01, 0, 0, 0, 0, 0, 0, 0})
	s.Update(Frame{}, err)
	_, err = DecodeControl([]byte{0xAA, 1, 0, 0, 0, 0, 0, 0})
	s.Update(Frame{}, err)

	if s.TotalFrames != 4 || s.ValidFrames != 2 {
		t.Errorf("total=%d valid=%d, want 4/2", s.TotalFrames, s.ValidFrames)
	}
	if s.ControlFrames != 1 || s.OtaFrames != 1 {
		t.Errorf("control=%d ota=%d, want 1/1", s.ControlFrames, s.OtaFrames)
	}
	if s.WrongHeaders != 1 || s.ChecksumErrors != 1 {
		t.Errorf("wrongHeaders=%d checksumErrors=%d, want 1/1", s.WrongHeaders, s.ChecksumErrors)
	}
	if !strings.Contains(s.String(), "Checksum Errors") {
		t.Errorf("String() missing checksum line:\n%s", s.String())
	}

	s.Reset()
	if s.TotalFrames != 0 || s.Errors() != 0 {
		t.Errorf("Reset() left counters: total=%d errors=%d", s.TotalFrames, s.Errors())
	}
}

// ============================================================
// Scanner Tests
// ============================================================

func scanAll(s *Scanner, stream []byte) ([]Frame, []error) {
	var frames []Frame
	var errs []error
	for _, b := range stream {
		f, err := s.ScanByte(b)
		if err != nil {
			errs = append(errs, err)
		}
		if f != nil {
			frames = append(frames, *f)
		}
	}
	return frames, errs
}

func TestScanner_MixedStream(t *testing.T) {
	data := bytes.Repeat([]byte{0x5C}, 40)
	bulk, err := EncodeOtaBulk(OtaBulk{Code: CmdChunk, Seq: 3, Data: data})
	if err != nil {
		t.Fatalf("EncodeOtaBulk() error: %v", err)
	}
	// Keep the bulk prefix from passing as an OTA control packet.
	for XORChecksum(bulk[:15]) == bulk[15] {
		data[9]++
		bulk, _ = EncodeOtaBulk(OtaBulk{Code: CmdChunk, Seq: 3, Data: data})
	}

	var stream []byte
	stream = append(stream, 0x11, 0x22)
	stream = append(stream, ControlFrame(ControlPacket{Value: 1712, Mode: ModeManual})...)
	stream = append(stream, EncodeOtaControl(OtaControl{Code: StatusFwReady, Size: 4096, Digest: 0xCAFEBABE})...)
	stream = append(stream, bulk...)

	s := NewScanner()
	frames, errs := scanAll(s, stream)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[0].Kind != KindControl || frames[0].Control.Value != 1712 {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	if frames[1].Kind != KindOtaControl || frames[1].OtaControl.Digest != 0xCAFEBABE {
		t.Errorf("frame 1 = %+v", frames[1])
	}
	if frames[2].Kind != KindOtaBulk || frames[2].Bulk.Seq != 3 || !bytes.Equal(frames[2].Bulk.Data, data) {
		t.Errorf("frame 2 = %s seq=%d len=%d", frames[2].Kind, frames[2].Bulk.Seq, len(frames[2].Bulk.Data))
	}
	if got := s.Skipped(); got != 2 {
		t.Errorf("Skipped() = %d, want 2", got)
	}
	if got := s.Skipped(); got != 0 {
		t.Errorf("Skipped() after read = %d, want 0", got)
	}
}

func TestScanner_CorruptControlResyncs(t *testing.T) {
	bad := EncodeControl(ControlPacket{Value: 900, Mode: ModeAuto})
	bad[2] ^= 0x40
	good := EncodeControl(ControlPacket{Value: 901, Mode: ModeAuto})

	s := NewScanner()
	frames, errs := scanAll(s, append(bad, good...))
	if len(errs) != 1 || !errors.Is(errs[0], ErrBadChecksum) {
		t.Fatalf("errors = %v, want one checksum error", errs)
	}
	if len(frames) != 1 || frames[0].Control.Value != 901 {
		t.Errorf("frames = %+v, want the second packet", frames)
	}
}
