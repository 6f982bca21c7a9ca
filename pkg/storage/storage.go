// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package storage provides the block storage used for settings and for staging
// firmware images.
package storage

import (
	"fmt"
	"io"
	"io/fs"
	"path"
)

// ErrNotExist is returned for missing files.
var ErrNotExist = fs.ErrNotExist

// File is an open stored file.
type File interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

// BlockStore is a flat namespace of files.
type BlockStore interface {
	// Create truncates or creates name for writing.
	Create(name string) (io.WriteCloser, error)
	Open(name string) (File, error)
	Size(name string) (int64, error)
	Remove(name string) error
}

// ReadFile reads a whole file from store.
func ReadFile(store BlockStore, name string) ([]byte, error) {
	f, err := store.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile replaces name with data.
func WriteFile(store BlockStore, name string, data []byte) error {
	w, err := store.Create(name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return w.Close()
}

// Exists reports whether name is present.
func Exists(store BlockStore, name string) bool {
	_, err := store.Size(name)
	return err == nil
}

func checkName(name string) error {
	if name == "" || name != path.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}
