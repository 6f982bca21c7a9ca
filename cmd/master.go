// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/node"
	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/push"
	"github.com/Thermoquad/tachlink/pkg/reconcile"
	"github.com/Thermoquad/tachlink/pkg/storage"
	"github.com/Thermoquad/tachlink/pkg/transport"
)

var (
	masterStatusInterval int
	masterReplyTimeout   int
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the master (sensor/control) node on a serial port",
	Long: `Run the master node of the link at 20 Hz on --port.

The master owns the authoritative mode and manual RPM target, persists them to
--data after changes settle, and adopts requests the display makes. Every few
seconds it polls the display for a staged firmware image; once the display user
requests an update the master streams the image from the shared staging area.

The live RPM comes from --rpm or a simulated --sweep, and the water temperature
from --water.

A push endpoint on --listen stages images for the display. Pushes are refused
while the master is streaming an update.

Examples:
  tachlink master --port /dev/ttyUSB0 --sweep
  tachlink master --port /dev/ttyUSB0 --rpm 2100 --water 654 --data /var/lib/tachlink

Exit codes:
  0 - Stopped by signal
  2 - Connection error`,
	RunE: runMaster,
}

func init() {
	rootCmd.AddCommand(masterCmd)
	addDataFlag(masterCmd)
	addInputFlags(masterCmd)
	addEndpointFlags(masterCmd, ":8080")
	masterCmd.Flags().IntVar(&masterStatusInterval, "status-interval", 5, "Status line interval in seconds (0 disables)")
	masterCmd.Flags().IntVar(&masterReplyTimeout, "reply-timeout", 20, "Reply timeout in milliseconds")
}

func runMaster(cmd *cobra.Command, args []string) error {
	port, connInfo, err := OpenLinkPort()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	bus, err := transport.NewSerialBus(port, time.Duration(masterReplyTimeout)*time.Millisecond)
	if err != nil {
		port.Close()
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer bus.Close()

	st, err := openStores()
	if err != nil {
		return err
	}

	fmt.Printf("tachlink - Master Node\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Data: %s\n", dataDir)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	m := newMasterNode(transport.NewInitiator(bus, transport.WithLogger(logger)), st)

	if endpointListen != "" {
		e, err := startEndpoint(ota.NewImages(st.staging), push.WithAcceptCheck(driverIdle(m)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Endpoint error: %v\n", err)
			os.Exit(2)
		}
		defer e.Close()
	}

	ctx, stop := signalContext()
	defer stop()

	if masterStatusInterval > 0 {
		go printMasterStatus(ctx, m.State(), time.Duration(masterStatusInterval)*time.Second)
	}

	err = m.Run(ctx)
	fmt.Printf("\n%s", m.Stats().String())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newMasterNode wires a master node over link using the stores under --data.
func newMasterNode(link *transport.Initiator, st stores) *node.Master {
	state := reconcile.NewMaster(storage.NewSettings(st.settings),
		reconcile.WithMasterLogger(logger.With().Str("node", "master").Logger()))

	lastMode := ota.DriverWatching
	driver := ota.NewDriver(ota.NewImages(st.staging),
		ota.WithDriverLogger(logger.With().Str("node", "master").Logger()),
		ota.WithProgress(func(p ota.Progress) {
			if p.Mode == ota.DriverBulk && p.Total > 0 {
				logger.Debug().Uint32("sent", p.Sent).Uint32("total", p.Total).Msg("streaming")
			}
			if p.Mode != lastMode {
				logger.Info().Stringer("mode", p.Mode).Msg("update driver")
				lastMode = p.Mode
			}
		}))

	return node.NewMaster(link, state,
		node.WithMasterLogger(logger.With().Str("node", "master").Logger()),
		node.WithDriver(driver),
		node.WithRPMSource(rpmSource(time.Now())),
		node.WithWaterSensor(waterSensor()),
	)
}

// driverIdle refuses pushes while the master streams the staged image.
func driverIdle(m *node.Master) func() error {
	return func() error {
		if m.Updating() {
			return errors.New("update in progress")
		}
		return nil
	}
}

func printMasterStatus(ctx context.Context, state *reconcile.Master, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s := state.Health()
			cur := state.State()
			fmt.Printf("[%s] health=%s mode=%s manual_rpm=%d\n",
				now.Format("15:04:05.000"), s, cur.Mode, cur.Rpm)
		}
	}
}
