// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/storage"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testImage(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

func stageImage(t *testing.T, images *Images, data []byte) Manifest {
	t.Helper()
	st, err := images.Begin(Manifest{
		Version: "1.2.0",
		Size:    uint32(len(data)),
		Digest:  linkproto.CRC32(data),
		Created: t0,
	}, 4096)
	require.NoError(t, err)
	for seq := 0; seq*4096 < len(data); seq++ {
		end := min((seq+1)*4096, len(data))
		require.NoError(t, st.Write(uint16(seq), data[seq*4096:end]))
	}
	m, err := st.Commit()
	require.NoError(t, err)
	return m
}

func chunks(data []byte) [][]byte {
	var out [][]byte
	for off := 0; off < len(data); off += linkproto.ChunkSize {
		out = append(out, data[off:min(off+linkproto.ChunkSize, len(data))])
	}
	return out
}

// ============================================================
// Transfer
// ============================================================

func TestTransfer_Sequencing(t *testing.T) {
	data := testImage(600)
	x := NewTransfer(600, linkproto.CRC32(data), linkproto.ChunkSize)
	parts := chunks(data)

	require.NoError(t, x.Accept(0, parts[0]))
	require.ErrorIs(t, x.Accept(0, parts[0]), ErrDuplicateChunk)
	require.ErrorIs(t, x.Accept(2, parts[2]), ErrOutOfSequence)
	require.ErrorIs(t, x.Accept(1, make([]byte, linkproto.ChunkSize+1)), ErrOversizeChunk)
	require.Equal(t, 3, x.Rejected())
	require.Equal(t, uint16(1), x.NextSeq())

	require.NoError(t, x.Accept(1, parts[1]))
	require.ErrorIs(t, x.Verify(), ErrShortTransfer)
	require.ErrorIs(t, x.Accept(2, make([]byte, 200)), ErrOverrun)
	require.NoError(t, x.Accept(2, parts[2]))
	require.NoError(t, x.Verify())
	require.Equal(t, uint32(600), x.Received())
}

func TestTransfer_DigestMismatch(t *testing.T) {
	data := testImage(100)
	x := NewTransfer(100, linkproto.CRC32(data)^1, linkproto.ChunkSize)
	require.NoError(t, x.Accept(0, data))
	require.ErrorIs(t, x.Verify(), ErrDigestMismatch)
}

func TestChunkCount(t *testing.T) {
	require.Equal(t, 0, ChunkCount(0, 256))
	require.Equal(t, 1, ChunkCount(1, 256))
	require.Equal(t, 1, ChunkCount(256, 256))
	require.Equal(t, 2, ChunkCount(257, 256))
	require.Equal(t, 0xFFFF, ChunkCount(MaxImageSize, linkproto.ChunkSize))
	require.Equal(t, 0x10000, ChunkCount(MaxImageSize+1, linkproto.ChunkSize))
}

func TestIsIntegrity(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrShortTransfer, true},
		{ErrDigestMismatch, true},
		{ErrSizeMismatch, true},
		{ErrImageTooLarge, true},
		{&AbortError{Reason: ReasonIntegrity, Err: ErrDigestMismatch}, true},
		{ErrNoImage, false},
		{ErrOutOfSequence, false},
		{errors.New("disk full"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsIntegrity(tt.err); got != tt.want {
			t.Errorf("IsIntegrity(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// ============================================================
// Staging
// ============================================================

func TestImages_StageAndVerify(t *testing.T) {
	store := storage.NewMem()
	images := NewImages(store)
	_, ok := images.Staged()
	require.False(t, ok)

	data := testImage(10000)
	m := stageImage(t, images, data)

	staged, ok := images.Staged()
	require.True(t, ok)
	require.Equal(t, m.Digest, staged.Digest)
	require.True(t, staged.Created.Equal(t0))

	_, err := images.Verify()
	require.NoError(t, err)

	chunk, err := images.ReadChunk(39, make([]byte, linkproto.ChunkSize))
	require.NoError(t, err)
	require.Equal(t, data[39*256:], chunk)
}

func TestImages_TamperedImageFailsVerify(t *testing.T) {
	store := storage.NewMem()
	images := NewImages(store)
	data := testImage(1000)
	stageImage(t, images, data)

	tampered := bytes.Clone(data)
	tampered[500] ^= 0xFF
	require.NoError(t, storage.WriteFile(store, ImageFileName, tampered))

	_, err := images.Verify()
	require.ErrorIs(t, err, ErrDigestMismatch)
}

func TestImages_SizeLimit(t *testing.T) {
	store := storage.NewMem()
	images := NewImages(store)
	data := testImage(1000)
	stageImage(t, images, data)

	_, err := images.Begin(Manifest{Version: "huge", Size: MaxImageSize + 1}, 4096)
	require.ErrorIs(t, err, ErrImageTooLarge)
	staged, ok := images.Staged()
	require.True(t, ok, "refused image must not replace the staged one")
	require.Equal(t, linkproto.CRC32(data), staged.Digest)

	st, err := images.Begin(Manifest{Version: "max", Size: MaxImageSize}, 4096)
	require.NoError(t, err)
	st.Abort()
}

func TestImages_VerifyRejectsOversizeManifest(t *testing.T) {
	store := storage.NewMem()
	images := NewImages(store)
	raw, err := cbor.Marshal(Manifest{Version: "huge", Size: MaxImageSize + 1})
	require.NoError(t, err)
	require.NoError(t, storage.WriteFile(store, ManifestFileName, raw))

	_, err = images.Verify()
	require.ErrorIs(t, err, ErrImageTooLarge)
}

func TestStaging_BadDigestNeverInstallable(t *testing.T) {
	images := NewImages(storage.NewMem())
	data := testImage(5000)

	st, err := images.Begin(Manifest{Size: 5000, Digest: linkproto.CRC32(data) + 1}, 4096)
	require.NoError(t, err)
	require.NoError(t, st.Write(0, data[:4096]))
	require.NoError(t, st.Write(1, data[4096:]))

	_, err = st.Commit()
	require.ErrorIs(t, err, ErrDigestMismatch)
	_, ok := images.Staged()
	require.False(t, ok)
}

func TestStaging_AbortRemovesPartial(t *testing.T) {
	store := storage.NewMem()
	images := NewImages(store)
	data := testImage(5000)

	st, err := images.Begin(Manifest{Size: 5000, Digest: linkproto.CRC32(data)}, 4096)
	require.NoError(t, err)
	require.NoError(t, st.Write(0, data[:4096]))
	st.Abort()

	require.False(t, storage.Exists(store, ImageFileName))
	require.False(t, storage.Exists(store, ManifestFileName))
}

// ============================================================
// Session
// ============================================================

func newSession(t *testing.T) (*Session, *Images, *StoreInstaller, storage.BlockStore) {
	t.Helper()
	staging := storage.NewMem()
	flash := storage.NewMem()
	images := NewImages(staging)
	installer := NewStoreInstaller(flash)
	return NewSession(images, installer), images, installer, flash
}

func TestSession_HappyPath(t *testing.T) {
	s, images, installer, flash := newSession(t)
	data := testImage(1000)
	stageImage(t, images, data)

	require.ErrorIs(t, s.BeginBulk(t0), ErrWrongPhase)

	s.Refresh(t0)
	require.Equal(t, PhaseFwReady, s.Phase())
	require.NoError(t, s.RequestVerify(t0))
	require.Equal(t, PhaseVerifyRequested, s.Phase())
	require.NoError(t, s.Verify(t0))
	require.Equal(t, PhaseVerified, s.Phase())
	require.NoError(t, s.BeginBulk(t0))

	for seq, part := range chunks(data) {
		require.NoError(t, s.AcceptChunk(uint16(seq), part, t0))
	}
	require.Equal(t, uint32(1000), s.Status().Received)
	require.InDelta(t, 1.0, s.Status().Progress(), 0.0001)

	require.NoError(t, s.Finish(t0))
	require.Equal(t, PhaseDone, s.Phase())

	require.NoError(t, s.Finalize(t0))
	require.Equal(t, PhaseIdle, s.Phase())
	require.Equal(t, PhaseDone, s.Status().Last)

	installed, err := storage.ReadFile(flash, UpdateFileName)
	require.NoError(t, err)
	require.Equal(t, data, installed)
	m, err := installer.Installed()
	require.NoError(t, err)
	require.Equal(t, "1.2.0", m.Version)

	_, ok := images.Staged()
	require.False(t, ok, "staged image consumed")
}

func TestSession_ShortTransferAborts(t *testing.T) {
	s, images, _, flash := newSession(t)
	data := testImage(1000)
	stageImage(t, images, data)

	s.Refresh(t0)
	require.NoError(t, s.RequestVerify(t0))
	require.NoError(t, s.Verify(t0))
	require.NoError(t, s.BeginBulk(t0))

	parts := chunks(data)
	for seq, part := range parts[:len(parts)-1] {
		require.NoError(t, s.AcceptChunk(uint16(seq), part, t0))
	}
	last := parts[len(parts)-1]
	require.NoError(t, s.AcceptChunk(uint16(len(parts)-1), last[:len(last)-1], t0))

	err := s.Finish(t0)
	require.ErrorIs(t, err, ErrShortTransfer)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, ReasonIntegrity, abortErr.Reason)
	require.Equal(t, PhaseAborted, s.Phase())

	require.NoError(t, s.Finalize(t0))
	require.Equal(t, PhaseIdle, s.Phase())
	_, ok := images.Staged()
	require.False(t, ok, "integrity abort discards the staged image")
	require.False(t, storage.Exists(flash, UpdateFileName))
	require.False(t, storage.Exists(flash, InstalledFileName))
}

func TestSession_VerifyFailure(t *testing.T) {
	s, images, _, _ := newSession(t)
	stageImage(t, images, testImage(700))
	s.Refresh(t0)
	require.NoError(t, s.RequestVerify(t0))

	corrupt := testImage(700)
	corrupt[0] ^= 1
	require.NoError(t, storage.WriteFile(images.store, ImageFileName, corrupt))

	require.ErrorIs(t, s.Verify(t0), ErrDigestMismatch)
	st := s.Status()
	require.Equal(t, PhaseAborted, st.Phase)
	require.Equal(t, PhaseVerifyRequested, st.Abort.Phase)
}

func TestSession_VerifyMissingImageIsStorageFailure(t *testing.T) {
	s, images, _, _ := newSession(t)
	stageImage(t, images, testImage(700))
	s.Refresh(t0)
	require.NoError(t, s.RequestVerify(t0))

	require.NoError(t, images.store.Remove(ManifestFileName))

	err := s.Verify(t0)
	require.ErrorIs(t, err, ErrNoImage)
	st := s.Status()
	require.Equal(t, PhaseAborted, st.Phase)
	require.Equal(t, ReasonStorage, st.Abort.Reason)

	// Only integrity failures discard the staged image.
	require.NoError(t, s.Finalize(t0))
	require.True(t, storage.Exists(images.store, ImageFileName))
}

func TestSession_SequencingErrorsThenTimeout(t *testing.T) {
	s, images, _, _ := newSession(t)
	data := testImage(1000)
	stageImage(t, images, data)
	s.Refresh(t0)
	require.NoError(t, s.RequestVerify(t0))
	require.NoError(t, s.Verify(t0))
	require.NoError(t, s.BeginBulk(t0))

	parts := chunks(data)
	require.NoError(t, s.AcceptChunk(0, parts[0], t0))
	require.ErrorIs(t, s.AcceptChunk(2, parts[2], t0), ErrOutOfSequence)
	require.ErrorIs(t, s.AcceptChunk(1, make([]byte, 300), t0), ErrOversizeChunk)
	require.Equal(t, PhaseBulkTransfer, s.Phase())
	require.Equal(t, 2, s.Status().Errors)

	require.False(t, s.CheckTimeout(t0.Add(DefaultSessionTimeout)))
	require.True(t, s.CheckTimeout(t0.Add(DefaultSessionTimeout+time.Millisecond)))
	require.Equal(t, ReasonTimeout, s.Status().Abort.Reason)

	// A timeout keeps the staged image for a retry.
	require.NoError(t, s.Finalize(t0))
	require.Equal(t, PhaseFwReady, s.Phase())
	require.Equal(t, PhaseAborted, s.Status().Last)
}

func TestSession_WrongPhase(t *testing.T) {
	s, _, _, _ := newSession(t)
	require.ErrorIs(t, s.RequestVerify(t0), ErrWrongPhase)
	require.ErrorIs(t, s.AcceptChunk(0, nil, t0), ErrWrongPhase)
	require.ErrorIs(t, s.Finish(t0), ErrWrongPhase)

	s.Abort(ReasonPeerCancel, nil)
	require.Equal(t, PhaseIdle, s.Phase(), "abort outside a session is ignored")
}
