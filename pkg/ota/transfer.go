// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"fmt"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

// Transfer accounts for a sequenced stream of chunks against a declared size
// and CRC32 digest.
type Transfer struct {
	Size     uint32
	Digest   uint32
	MaxChunk int

	received uint32
	crc      uint32
	nextSeq  uint16
	rejected int
}

// NewTransfer expects size bytes with the given digest in chunks of at most
// maxChunk bytes.
func NewTransfer(size, digest uint32, maxChunk int) *Transfer {
	return &Transfer{Size: size, Digest: digest, MaxChunk: maxChunk}
}

// Accept validates chunk seq and folds it into the running digest. Rejected
// chunks are counted and leave the transfer unchanged.
func (t *Transfer) Accept(seq uint16, data []byte) error {
	switch {
	case seq+1 == t.nextSeq:
		t.rejected++
		return fmt.Errorf("seq %d: %w", seq, ErrDuplicateChunk)
	case seq != t.nextSeq:
		t.rejected++
		return fmt.Errorf("seq %d, expected %d: %w", seq, t.nextSeq, ErrOutOfSequence)
	case len(data) > t.MaxChunk:
		t.rejected++
		return fmt.Errorf("seq %d: %d bytes: %w", seq, len(data), ErrOversizeChunk)
	case uint64(t.received)+uint64(len(data)) > uint64(t.Size):
		t.rejected++
		return fmt.Errorf("seq %d: %w", seq, ErrOverrun)
	}

	t.crc = linkproto.UpdateCRC32(t.crc, data)
	t.received += uint32(len(data))
	t.nextSeq++
	return nil
}

// Verify checks the received byte count and digest.
func (t *Transfer) Verify() error {
	if t.received != t.Size {
		return fmt.Errorf("%w: received %d of %d bytes", ErrShortTransfer, t.received, t.Size)
	}
	if t.crc != t.Digest {
		return fmt.Errorf("%w: expected 0x%08X, got 0x%08X", ErrDigestMismatch, t.Digest, t.crc)
	}
	return nil
}

// Received returns the number of accepted bytes.
func (t *Transfer) Received() uint32 { return t.received }

// NextSeq returns the next expected sequence number.
func (t *Transfer) NextSeq() uint16 { return t.nextSeq }

// Rejected returns the number of rejected chunks.
func (t *Transfer) Rejected() int { return t.rejected }

// ChunkCount returns the number of chunks needed for size bytes.
func ChunkCount(size uint32, chunk int) int {
	return int((uint64(size) + uint64(chunk) - 1) / uint64(chunk))
}
