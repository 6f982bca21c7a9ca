// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Long:  `List the serial ports on this host, with USB identifiers where available.`,
	RunE:  runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return fmt.Errorf("list ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Printf("%s\n", p.Name)
		if p.IsUSB {
			fmt.Printf("  USB:     %s:%s\n", p.VID, p.PID)
			if p.SerialNumber != "" {
				fmt.Printf("  Serial:  %s\n", p.SerialNumber)
			}
			if p.Product != "" {
				fmt.Printf("  Product: %s\n", p.Product)
			}
		}
	}
	return nil
}
