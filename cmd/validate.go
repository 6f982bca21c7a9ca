// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/push"
	"github.com/Thermoquad/tachlink/pkg/storage"
)

var validateStaging string

var validateCmd = &cobra.Command{
	Use:   "validate [firmware.bin]",
	Short: "Print the size and digest of a firmware image",
	Long: `Compute the manifest a push would offer for a firmware file: its size,
CRC32 digest and the number of link chunks the master will stream.

With --staging the image staged in that directory is verified against its
manifest instead, exactly as the display does before an update.

Exit codes:
  0 - Image valid
  1 - Image missing or corrupt`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVar(&validateStaging, "staging", "", "Verify the image staged in this directory")
}

func runValidate(cmd *cobra.Command, args []string) error {
	var m ota.Manifest

	switch {
	case validateStaging != "":
		store, err := storage.NewDir(validateStaging)
		if err != nil {
			return err
		}
		m, err = ota.NewImages(store).Verify()
		if err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Staged image in %s is valid\n", validateStaging)

	case len(args) == 1:
		img, err := push.LoadImage(args[0], "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
		m = img.Manifest
		fmt.Printf("Firmware file %s\n", args[0])

	default:
		return fmt.Errorf("either a firmware file or --staging must be specified")
	}

	fmt.Printf("  Version:     %s\n", m.Version)
	fmt.Printf("  Size:        %d bytes\n", m.Size)
	fmt.Printf("  Digest:      0x%08X\n", m.Digest)
	fmt.Printf("  Link chunks: %d x %d bytes\n", ota.ChunkCount(m.Size, linkproto.ChunkSize), linkproto.ChunkSize)
	fmt.Printf("  Push chunks: %d x %d bytes\n", ota.ChunkCount(m.Size, push.MaxChunkSize), push.MaxChunkSize)
	if !m.Created.IsZero() {
		fmt.Printf("  Created:     %s\n", m.Created.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}
