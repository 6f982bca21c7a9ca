// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func randomControl(rng *rand.Rand) ControlPacket {
	return ControlPacket{
		Value:           uint16(rng.Intn(1 << 16)),
		Mode:            Mode(rng.Intn(2)),
		Secondary:       int16(rng.Intn(1<<16) - 1<<15),
		SecondaryStatus: uint8(rng.Intn(256)),
	}
}

// ============================================================
// Randomized Round Trip
// ============================================================

func TestFuzz_ControlRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	for i := 0; i < getFuzzRounds(); i++ {
		p := randomControl(rng)
		got, err := DecodeControl(EncodeControl(p))
		if err != nil {
			t.Fatalf("round %d: DecodeControl(%+v) error: %v", i, p, err)
		}
		if got != p {
			t.Fatalf("round %d: DecodeControl() = %+v, want %+v", i, got, p)
		}
	}
}

func TestFuzz_OtaBulkRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds() / 10
	for i := 0; i < rounds; i++ {
		data := make([]byte, rng.Intn(ChunkSize+1))
		rng.Read(data)
		p := OtaBulk{Code: CmdChunk, Seq: uint16(rng.Intn(1 << 16)), Data: data}

		buf, err := EncodeOtaBulk(p)
		if err != nil {
			t.Fatalf("round %d: EncodeOtaBulk() error: %v", i, err)
		}
		got, err := DecodeOtaBulk(buf)
		if err != nil {
			t.Fatalf("round %d: DecodeOtaBulk() error: %v", i, err)
		}
		if got.Seq != p.Seq || !bytes.Equal(got.Data, p.Data) {
			t.Fatalf("round %d: mismatch seq=%d/%d len=%d/%d", i, got.Seq, p.Seq, len(got.Data), len(p.Data))
		}
	}
}

// ============================================================
// Single Bit Flips
// ============================================================

func TestFuzz_ControlBitFlipRejected(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds() / 10
	for i := 0; i < rounds; i++ {
		valid := EncodeControl(randomControl(rng))
		for bit := 0; bit < ControlPacketSize*8; bit++ {
			buf := append([]byte(nil), valid...)
			buf[bit/8] ^= 1 << (bit % 8)
			if _, err := DecodeControl(buf); err == nil {
				t.Fatalf("round %d: flip of bit %d accepted: % X", i, bit, buf)
			}
		}
	}
}

func TestFuzz_OtaControlBitFlipRejected(t *testing.T) {
	rng := newFuzzRng(t)
	valid := EncodeOtaControl(OtaControl{
		Code:   uint8(rng.Intn(256)),
		Param:  uint16(rng.Intn(1 << 16)),
		Size:   rng.Uint32(),
		Digest: rng.Uint32(),
	})
	for bit := 0; bit < OtaControlSize*8; bit++ {
		buf := append([]byte(nil), valid...)
		buf[bit/8] ^= 1 << (bit % 8)
		if _, err := DecodeOtaControl(buf); err == nil {
			t.Fatalf("flip of bit %d accepted: % X", bit, buf)
		}
	}
}

func TestFuzz_OtaBulkBitFlipRejected(t *testing.T) {
	rng := newFuzzRng(t)
	data := make([]byte, ChunkSize)
	rng.Read(data)
	valid, err := EncodeOtaBulk(OtaBulk{Code: CmdChunk, Seq: 7, Data: data})
	if err != nil {
		t.Fatalf("EncodeOtaBulk() error: %v", err)
	}
	for bit := 0; bit < OtaBulkSize*8; bit++ {
		buf := append([]byte(nil), valid...)
		buf[bit/8] ^= 1 << (bit % 8)
		if _, err := DecodeOtaBulk(buf); err == nil {
			t.Fatalf("flip of bit %d accepted", bit)
		}
	}
}

// ============================================================
// Garbage Input
// ============================================================

func TestFuzz_DecodeFrameNeverPanics(t *testing.T) {
	rng := newFuzzRng(t)
	for i := 0; i < getFuzzRounds(); i++ {
		buf := make([]byte, rng.Intn(OtaBulkSize+8))
		rng.Read(buf)
		if len(buf) > 0 && rng.Intn(2) == 0 {
			buf[0] = []byte{ControlHeader, OtaHeader}[rng.Intn(2)]
		}
		_, _ = DecodeFrame(buf, rng.Intn(2) == 1)
	}
}
