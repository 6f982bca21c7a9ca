// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/push"
)

var discoveryTimeout int

var discoveryCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover push targets via mDNS",
	Long: `Browse the local network for devices advertising the tachlink push
service (_tachlink._tcp).

Each device is listed with its WebSocket endpoint, its stable device id and
the version of the firmware image it currently has staged, if any.

Examples:
  tachlink discover
  tachlink discover --timeout 10

Exit codes:
  0 - Discovery successful (at least one device found)
  1 - Discovery failed (no devices or timeout)
  2 - Network error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 5, "Timeout in seconds for discovery")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("tachlink - Device Discovery\n")
	fmt.Printf("Service: %s.%s\n", push.ServiceType, push.ServiceDomain)
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)

	devices, err := push.Discover(ctx, time.Duration(discoveryTimeout)*time.Second)
	if err != nil {
		if errors.Is(err, push.ErrNoDevice) {
			fmt.Fprintf(os.Stderr, "No devices found within %d seconds\n", discoveryTimeout)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %s\n", d.Instance)
		fmt.Printf("    URL:      %s\n", d.URL())
		if d.ID != "" {
			fmt.Printf("    ID:       %s\n", d.ID)
		}
		if len(d.Addrs) > 0 {
			addrs := make([]string, len(d.Addrs))
			for i, a := range d.Addrs {
				addrs[i] = a.String()
			}
			fmt.Printf("    Address:  %s\n", strings.Join(addrs, ", "))
		}
		firmware := d.Firmware
		if firmware == "" {
			firmware = "(none staged)"
		}
		fmt.Printf("    Firmware: %s\n\n", firmware)
	}
	return nil
}
