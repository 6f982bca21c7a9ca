// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

var probeTimeout int

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test a tap by waiting for a valid link frame",
	Long: `Wait for a valid link frame on the serial tap or WebSocket bridge.

Invalid bytes are ignored until a complete frame passes its checksum.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without a valid frame
  2 - Connection error`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runProbe(cmd *cobra.Command, args []string) error {
	tap, connInfo, err := OpenTap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer tap.Close()

	fmt.Printf("tachlink - Probe\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", probeTimeout)
	fmt.Printf("Waiting for a valid frame...\n\n")

	frameChan := make(chan linkproto.Frame, 1)
	errChan := make(chan error, 1)

	go func() {
		scanner := linkproto.NewScanner()
		buf := make([]byte, 128)
		invalid := 0
		for {
			n, err := tap.Read(buf)
			if err != nil {
				errChan <- err
				return
			}
			for i := 0; i < n; i++ {
				frame, decodeErr := scanner.ScanByte(buf[i])
				invalid += scanner.Skipped()
				if decodeErr != nil {
					invalid++
					continue
				}
				if frame != nil {
					if invalid > 0 {
						fmt.Printf("(skipped %d invalid bytes before sync)\n", invalid)
					}
					frameChan <- *frame
					return
				}
			}
		}
	}()

	select {
	case frame := <-frameChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Print(linkproto.FormatFrame(time.Now(), frame))
		return nil

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(probeTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", probeTimeout)
		os.Exit(1)
	}
	return nil
}
