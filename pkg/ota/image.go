// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/storage"
)

// Staging area file names
const (
	ImageFileName    = "firmware.bin"
	ManifestFileName = "firmware.manifest"
)

// MaxImageSize is the largest image the link can stream. Bulk sequence
// numbers are 16 bits wide.
const MaxImageSize = 0xFFFF * linkproto.ChunkSize

func checkImageSize(size uint32) error {
	if size > MaxImageSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrImageTooLarge, size, MaxImageSize)
	}
	return nil
}

// Manifest describes a staged firmware image. An image is installable only
// while its manifest exists.
type Manifest struct {
	Version string    `cbor:"0,keyasint"`
	Size    uint32    `cbor:"1,keyasint"`
	Digest  uint32    `cbor:"2,keyasint"`
	Created time.Time `cbor:"3,keyasint"`
}

// Images is the firmware staging area in block storage.
type Images struct {
	store storage.BlockStore
}

// NewImages uses store as the staging area.
func NewImages(store storage.BlockStore) *Images {
	return &Images{store: store}
}

// Staged returns the manifest of the installable image, if any. An image whose
// size disagrees with its manifest is not installable.
func (s *Images) Staged() (Manifest, bool) {
	m, err := s.manifest()
	if err != nil {
		return Manifest{}, false
	}
	size, err := s.store.Size(ImageFileName)
	if err != nil || size != int64(m.Size) {
		return Manifest{}, false
	}
	return m, true
}

func (s *Images) manifest() (Manifest, error) {
	data, err := storage.ReadFile(s.store, ManifestFileName)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Verify recomputes the staged image's size and digest and checks them
// against the manifest.
func (s *Images) Verify() (Manifest, error) {
	m, err := s.manifest()
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", ErrNoImage, err)
	}
	if err := checkImageSize(m.Size); err != nil {
		return m, err
	}

	f, err := s.store.Open(ImageFileName)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", ErrNoImage, err)
	}
	defer f.Close()

	var (
		crc  uint32
		size uint64
		buf  = make([]byte, 4096)
	)
	for {
		n, err := f.Read(buf)
		crc = linkproto.UpdateCRC32(crc, buf[:n])
		size += uint64(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("read image: %w", err)
		}
	}

	if size != uint64(m.Size) {
		return m, fmt.Errorf("%w: manifest %d, image %d", ErrSizeMismatch, m.Size, size)
	}
	if crc != m.Digest {
		return m, fmt.Errorf("%w: manifest 0x%08X, image 0x%08X", ErrDigestMismatch, m.Digest, crc)
	}
	return m, nil
}

// ReadChunk reads chunk index of the staged image into buf and returns the
// chunk data.
func (s *Images) ReadChunk(index int, buf []byte) ([]byte, error) {
	f, err := s.store.Open(ImageFileName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoImage, err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, int64(index)*int64(len(buf)))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return buf[:n], nil
}

// Discard removes the staged image. The manifest goes first so a crash in
// between never leaves an installable partial image.
func (s *Images) Discard() error {
	if err := s.store.Remove(ManifestFileName); err != nil {
		return fmt.Errorf("remove manifest: %w", err)
	}
	if err := s.store.Remove(ImageFileName); err != nil {
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}

// Begin starts staging a new image described by m, replacing any staged one.
// An image too large for the link is refused and the staged one kept.
func (s *Images) Begin(m Manifest, maxChunk int) (*Staging, error) {
	if err := checkImageSize(m.Size); err != nil {
		return nil, err
	}
	if err := s.Discard(); err != nil {
		return nil, err
	}
	w, err := s.store.Create(ImageFileName)
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}
	return &Staging{
		images:   s,
		w:        w,
		manifest: m,
		xfer:     NewTransfer(m.Size, m.Digest, maxChunk),
	}, nil
}

// Staging writes an incoming image into the staging area.
type Staging struct {
	images   *Images
	w        io.WriteCloser
	manifest Manifest
	xfer     *Transfer
	closed   bool
}

// Write accepts chunk seq and appends it to the image.
func (st *Staging) Write(seq uint16, data []byte) error {
	if err := st.xfer.Accept(seq, data); err != nil {
		return err
	}
	if _, err := st.w.Write(data); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}

// Transfer returns the staging progress.
func (st *Staging) Transfer() *Transfer {
	return st.xfer
}

// Commit verifies the received image and writes its manifest. On failure the
// partial image is removed.
func (st *Staging) Commit() (Manifest, error) {
	if err := st.xfer.Verify(); err != nil {
		st.Abort()
		return Manifest{}, err
	}
	st.closed = true
	if err := st.w.Close(); err != nil {
		st.images.Discard()
		return Manifest{}, fmt.Errorf("close image: %w", err)
	}

	data, err := cbor.Marshal(st.manifest)
	if err != nil {
		st.images.Discard()
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := storage.WriteFile(st.images.store, ManifestFileName, data); err != nil {
		st.images.Discard()
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	return st.manifest, nil
}

// Abort drops the partial image.
func (st *Staging) Abort() {
	if !st.closed {
		st.closed = true
		st.w.Close()
	}
	st.images.Discard()
}
