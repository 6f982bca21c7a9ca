// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/tachlink/pkg/storage"
)

// Installer is the flash update area receiving a transferred image.
type Installer interface {
	// Begin prepares to receive size bytes.
	Begin(size uint32) error
	Write(p []byte) error
	// Commit marks the received image as the one to boot.
	Commit(m Manifest) error
	// Discard drops a partially received image.
	Discard() error
}

// Update area file names
const (
	UpdateFileName    = "update.bin"
	InstalledFileName = "installed.manifest"
)

// StoreInstaller writes the update area to block storage.
type StoreInstaller struct {
	store storage.BlockStore
	w     io.WriteCloser
}

// NewStoreInstaller uses store as the update area.
func NewStoreInstaller(store storage.BlockStore) *StoreInstaller {
	return &StoreInstaller{store: store}
}

// Begin truncates the update area.
func (i *StoreInstaller) Begin(size uint32) error {
	if i.w != nil {
		i.w.Close()
	}
	w, err := i.store.Create(UpdateFileName)
	if err != nil {
		return fmt.Errorf("create update area: %w", err)
	}
	i.w = w
	return nil
}

// Write appends to the update area.
func (i *StoreInstaller) Write(p []byte) error {
	if i.w == nil {
		return fmt.Errorf("update area: %w", ErrWrongPhase)
	}
	_, err := i.w.Write(p)
	return err
}

// Commit closes the update area and records its manifest.
func (i *StoreInstaller) Commit(m Manifest) error {
	if i.w == nil {
		return fmt.Errorf("update area: %w", ErrWrongPhase)
	}
	err := i.w.Close()
	i.w = nil
	if err != nil {
		return fmt.Errorf("close update area: %w", err)
	}
	data, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return storage.WriteFile(i.store, InstalledFileName, data)
}

// Discard removes the update area.
func (i *StoreInstaller) Discard() error {
	if i.w != nil {
		i.w.Close()
		i.w = nil
	}
	return i.store.Remove(UpdateFileName)
}

// Installed returns the manifest of the last committed update.
func (i *StoreInstaller) Installed() (Manifest, error) {
	data, err := storage.ReadFile(i.store, InstalledFileName)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}
