// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Logging flags
	verbose bool
	logJSON bool

	logger = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "tachlink",
	Short: "Tachometer display link tools",
	Long: `tachlink - Run, observe and update the tachometer display link.

The link connects a master (sensor/control) node and a slave (display) node
over a full-duplex serial medium. This tool runs either node against a serial
port, simulates both in-process, sniffs a tapped line, and pushes firmware
images to devices that advertise themselves over mDNS.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For push, --url is a device's push endpoint (ws://host:8080/ota). For sniff
and probe it is an external bridge that forwards the tapped line's raw bytes
as binary messages; tachlink does not serve such a bridge itself.

For WebSocket authentication, the password is read from the TACHLINK_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version: "1.0.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger()
	},
	SilenceUsage: true,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log JSON lines instead of console output")
}

func setupLogger() {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.DurationFieldUnit = time.Millisecond

	if logJSON {
		logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
		return
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
