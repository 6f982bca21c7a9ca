// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package storage

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// Mem is an in-memory BlockStore.
type Mem struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMem creates an empty store.
func NewMem() *Mem {
	return &Mem{files: make(map[string][]byte)}
}

// Create truncates or creates name. Contents become visible on Close.
func (m *Mem) Create(name string) (io.WriteCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.files[name] = nil
	m.mu.Unlock()
	return &memWriter{m: m, name: name}, nil
}

// Open opens a snapshot of name for reading.
func (m *Mem) Open(name string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", name, ErrNotExist)
	}
	return memFile{bytes.NewReader(data)}, nil
}

// Size returns the size of name.
func (m *Mem) Size(name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return 0, fmt.Errorf("stat %s: %w", name, ErrNotExist)
	}
	return int64(len(data)), nil
}

// Remove deletes name.
func (m *Mem) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

type memWriter struct {
	m    *Mem
	name string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	if _, ok := w.m.files[w.name]; !ok {
		// Removed while open.
		return nil
	}
	w.m.files[w.name] = bytes.Clone(w.buf.Bytes())
	return nil
}

type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }
