// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package storage

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/reconcile"
)

func stores(t *testing.T) map[string]BlockStore {
	dir, err := NewDir(t.TempDir())
	require.NoError(t, err)
	return map[string]BlockStore{
		"dir": dir,
		"mem": NewMem(),
	}
}

func TestBlockStore_WriteReadRemove(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.False(t, Exists(store, "image.bin"))

			require.NoError(t, WriteFile(store, "image.bin", []byte("firmware")))
			require.True(t, Exists(store, "image.bin"))

			size, err := store.Size("image.bin")
			require.NoError(t, err)
			require.Equal(t, int64(8), size)

			f, err := store.Open("image.bin")
			require.NoError(t, err)
			buf := make([]byte, 3)
			_, err = f.ReadAt(buf, 4)
			require.NoError(t, err)
			require.Equal(t, "war", string(buf))
			require.NoError(t, f.Close())

			require.NoError(t, store.Remove("image.bin"))
			require.NoError(t, store.Remove("image.bin"))
			_, err = store.Size("image.bin")
			require.True(t, errors.Is(err, ErrNotExist))
		})
	}
}

func TestBlockStore_RejectsPaths(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Create("../escape")
			require.Error(t, err)
			_, err = store.Create("")
			require.Error(t, err)
		})
	}
}

func TestMem_RemovedWhileWriting(t *testing.T) {
	m := NewMem()
	w, err := m.Create("partial.bin")
	require.NoError(t, err)
	_, err = io.WriteString(w, "half")
	require.NoError(t, err)

	require.NoError(t, m.Remove("partial.bin"))
	require.NoError(t, w.Close())
	require.False(t, Exists(m, "partial.bin"))
}

func TestSettings_RoundTrip(t *testing.T) {
	s := NewSettings(NewMem())

	_, err := s.Load()
	require.ErrorIs(t, err, ErrNotExist)

	want := reconcile.State{Mode: linkproto.ModeManual, Rpm: 4100}
	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSettings_CorruptFile(t *testing.T) {
	store := NewMem()
	require.NoError(t, WriteFile(store, SettingsFileName, []byte{0xFF, 0x00}))

	_, err := NewSettings(store).Load()
	require.Error(t, err)

	// The master falls back to defaults.
	m := reconcile.NewMaster(NewSettings(store))
	require.Equal(t, reconcile.DefaultState, m.State())
}
