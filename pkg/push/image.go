// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package push

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/ota"
)

// Image is a firmware binary packaged for pushing.
type Image struct {
	Data     []byte
	Manifest ota.Manifest
}

// NewImage packages data with its size and CRC32 digest.
func NewImage(data []byte, version string) (*Image, error) {
	if len(data) > ota.MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ota.ErrImageTooLarge, len(data), ota.MaxImageSize)
	}
	return &Image{
		Data: data,
		Manifest: ota.Manifest{
			Version: version,
			Size:    uint32(len(data)),
			Digest:  linkproto.CRC32(data),
			Created: time.Now().UTC().Truncate(time.Second),
		},
	}, nil
}

// LoadImage reads and packages a firmware file. An empty version defaults to
// the file name without its extension.
func LoadImage(path, version string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read firmware: %w", err)
	}
	if version == "" {
		version = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return NewImage(data, version)
}

// Chunks returns the number of chunks of size chunkSize.
func (img *Image) Chunks(chunkSize int) int {
	return ota.ChunkCount(img.Manifest.Size, chunkSize)
}

// Chunk returns chunk seq.
func (img *Image) Chunk(seq, chunkSize int) []byte {
	start := seq * chunkSize
	if start >= len(img.Data) {
		return nil
	}
	return img.Data[start:min(start+chunkSize, len(img.Data))]
}

func (img *Image) offer() map[int]interface{} {
	return map[int]interface{}{
		KeySize:    uint64(img.Manifest.Size),
		KeyDigest:  uint64(img.Manifest.Digest),
		KeyVersion: img.Manifest.Version,
		KeyCreated: img.Manifest.Created.Unix(),
	}
}

// parseOffer extracts the manifest from an OFFER message.
func parseOffer(m Message) (ota.Manifest, error) {
	size, ok := m.Uint(KeySize)
	if !ok || size > math.MaxUint32 {
		return ota.Manifest{}, fmt.Errorf("offer: missing or invalid size")
	}
	digest, ok := m.Uint(KeyDigest)
	if !ok || digest > math.MaxUint32 {
		return ota.Manifest{}, fmt.Errorf("offer: missing or invalid digest")
	}
	version, _ := m.Text(KeyVersion)
	manifest := ota.Manifest{
		Version: version,
		Size:    uint32(size),
		Digest:  uint32(digest),
		Created: time.Now().UTC().Truncate(time.Second),
	}
	if created, ok := m.Int(KeyCreated); ok {
		manifest.Created = time.Unix(created, 0).UTC()
	}
	return manifest, nil
}

// Stage writes img into images directly, as a completed push would.
func (img *Image) Stage(images *ota.Images) (ota.Manifest, error) {
	st, err := images.Begin(img.Manifest, MaxChunkSize)
	if err != nil {
		return ota.Manifest{}, err
	}
	for seq := 0; seq < img.Chunks(MaxChunkSize); seq++ {
		if err := st.Write(uint16(seq), img.Chunk(seq, MaxChunkSize)); err != nil {
			st.Abort()
			return ota.Manifest{}, fmt.Errorf("stage chunk %d: %w", seq, err)
		}
	}
	return st.Commit()
}
