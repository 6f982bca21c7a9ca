// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/push"
)

var serveStage string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a push endpoint that stages images without a link",
	Long: `Accept firmware pushes into the staging area under --data and advertise
the endpoint over mDNS, without running either link node.

Useful for staging an image ahead of time, and for testing push clients.
--stage copies a local firmware file into the staging area before serving.
Pushes are authenticated with HTTP Basic auth when --username is set; the
password comes from TACHLINK_PASSWORD or an interactive prompt.

Exit codes:
  0 - Stopped by signal
  2 - Listen error`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addDataFlag(serveCmd)
	addEndpointFlags(serveCmd, ":8080")
	serveCmd.Flags().StringVar(&serveStage, "stage", "", "Stage this firmware file before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	images := ota.NewImages(st.staging)

	if serveStage != "" {
		img, err := push.LoadImage(serveStage, "")
		if err != nil {
			return err
		}
		if _, err := img.Stage(images); err != nil {
			return fmt.Errorf("stage image: %w", err)
		}
	}

	fmt.Printf("tachlink - Push Endpoint\n")
	if m, ok := images.Staged(); ok {
		fmt.Printf("Staged: %s (%d bytes, digest 0x%08X)\n", m.Version, m.Size, m.Digest)
	} else {
		fmt.Printf("Staged: (none)\n")
	}

	e, err := startEndpoint(images)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Endpoint error: %v\n", err)
		os.Exit(2)
	}
	defer e.Close()

	fmt.Printf("Listening: ws://%s%s\n", e.addr, push.DefaultPath)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signalContext()
	defer stop()
	<-ctx.Done()
	return nil
}
