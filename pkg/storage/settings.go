// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/reconcile"
)

// SettingsFileName is where the master keeps its authoritative state.
const SettingsFileName = "settings.cbor"

// settingsRecord is the CBOR encoding of the persisted state.
type settingsRecord struct {
	Mode      uint8  `cbor:"0,keyasint"`
	ManualRpm uint16 `cbor:"1,keyasint"`
}

// Settings persists reconcile.State as a CBOR file in a BlockStore.
type Settings struct {
	store BlockStore
	name  string
}

var _ reconcile.SettingsStore = (*Settings)(nil)

// NewSettings stores settings under SettingsFileName in store.
func NewSettings(store BlockStore) *Settings {
	return &Settings{store: store, name: SettingsFileName}
}

// Load reads the stored state.
func (s *Settings) Load() (reconcile.State, error) {
	data, err := ReadFile(s.store, s.name)
	if err != nil {
		return reconcile.State{}, fmt.Errorf("read settings: %w", err)
	}
	var rec settingsRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return reconcile.State{}, fmt.Errorf("decode settings: %w", err)
	}
	mode := linkproto.Mode(rec.Mode)
	if !mode.Valid() {
		return reconcile.State{}, fmt.Errorf("decode settings: %w (%d)", linkproto.ErrInvalidMode, rec.Mode)
	}
	return reconcile.State{Mode: mode, Rpm: rec.ManualRpm}, nil
}

// Save writes the state.
func (s *Settings) Save(state reconcile.State) error {
	data, err := cbor.Marshal(settingsRecord{Mode: uint8(state.Mode), ManualRpm: state.Rpm})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return WriteFile(s.store, s.name, data)
}
