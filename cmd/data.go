// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/storage"
)

var dataDir string

func addDataFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&dataDir, "data", "tachlink-data", "Directory standing in for the node's block storage")
}

// stores are the block storage areas of a node under --data.
type stores struct {
	settings storage.BlockStore
	staging  storage.BlockStore
	install  storage.BlockStore
}

// openStores opens the settings, staging and install areas. Nodes sharing a
// data directory share the staged firmware image.
func openStores() (stores, error) {
	settings, err := storage.NewDir(dataDir)
	if err != nil {
		return stores{}, err
	}
	staging, err := storage.NewDir(filepath.Join(dataDir, "staging"))
	if err != nil {
		return stores{}, err
	}
	install, err := storage.NewDir(filepath.Join(dataDir, "install"))
	if err != nil {
		return stores{}, err
	}
	return stores{settings: settings, staging: staging, install: install}, nil
}

// memStores keeps every area in memory.
func memStores() stores {
	return stores{settings: storage.NewMem(), staging: storage.NewMem(), install: storage.NewMem()}
}
