// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/node"
	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/push"
	"github.com/Thermoquad/tachlink/pkg/reconcile"
	"github.com/Thermoquad/tachlink/pkg/transport"
)

// RPM step of one display adjustment
const rpmStep = 100

var slaveTUI bool

var slaveCmd = &cobra.Command{
	Use:   "slave",
	Short: "Run the slave (display) node on a serial port",
	Long: `Run the display node of the link on --port.

The display shows the master's mode and RPM, lets the user request a different
mode or manual RPM, and accepts firmware pushes into the staging area under
--data. An update is only installed after the user requests it.

Text mode reads commands from stdin, one per line:
  m            toggle AUTO/MANUAL
  + / -        adjust the manual RPM by 100
  set <mode> <rpm>
  u            install the staged firmware
  s            print status

With --tui a status view is shown instead (m, +/-, u, q).

Exit codes:
  0 - Stopped by signal or quit
  2 - Connection error`,
	RunE: runSlave,
}

func init() {
	rootCmd.AddCommand(slaveCmd)
	addDataFlag(slaveCmd)
	addEndpointFlags(slaveCmd, ":8080")
	slaveCmd.Flags().BoolVar(&slaveTUI, "tui", false, "Show the display status view")
}

func runSlave(cmd *cobra.Command, args []string) error {
	port, connInfo, err := OpenLinkPort()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	bus, err := transport.NewSerialSlaveBus(port, logger)
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
	s, session := newSlaveNode(bus, st)

	if endpointListen != "" {
		e, err := startEndpoint(ota.NewImages(st.staging), push.WithAcceptCheck(updateIdle(session)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Endpoint error: %v\n", err)
			os.Exit(2)
		}
		defer e.Close()
	}

	ctx, stop := signalContext()
	defer stop()

	if slaveTUI {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go s.Run(ctx)

		if _, err := tea.NewProgram(newDisplayModel(s, connInfo), tea.WithContext(ctx)).Run(); err != nil &&
			!errors.Is(err, tea.ErrProgramKilled) {
			return err
		}
		return nil
	}

	fmt.Printf("tachlink - Display Node\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Data: %s\n", dataDir)
	fmt.Printf("Commands: m, +, -, set <mode> <rpm>, u, s\n\n")

	go readDisplayCommands(s)
	go printSlaveEvents(ctx, s)

	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newSlaveNode wires a display node over bus using the stores under --data.
func newSlaveNode(bus transport.SlaveBus, st stores) (*node.Slave, *ota.Session) {
	log := logger.With().Str("node", "slave").Logger()
	session := ota.NewSession(ota.NewImages(st.staging), ota.NewStoreInstaller(st.install),
		ota.WithSessionLogger(log))

	s := node.NewSlave(bus, reconcile.NewSlave(reconcile.WithSlaveLogger(log)),
		node.WithSlaveLogger(log),
		node.WithAgent(ota.NewAgent(session, log)),
		node.WithTransport(transport.WithLogger(log)),
	)
	return s, session
}

// updateIdle refuses pushes while an update session reads the staged image.
func updateIdle(session *ota.Session) func() error {
	return func() error {
		if phase := session.Phase(); phase.Active() {
			return fmt.Errorf("update in progress (%s)", phase)
		}
		return nil
	}
}

// readDisplayCommands applies display commands read from stdin.
func readDisplayCommands(s *node.Slave) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := applyDisplayCommand(s, fields); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func applyDisplayCommand(s *node.Slave, fields []string) error {
	switch fields[0] {
	case "m", "mode":
		s.ToggleMode()
	case "+":
		s.AdjustRpm(rpmStep)
	case "-":
		s.AdjustRpm(-rpmStep)
	case "set":
		if len(fields) != 3 {
			return fmt.Errorf("usage: set <auto|manual> <rpm>")
		}
		mode, err := parseMode(fields[1])
		if err != nil {
			return err
		}
		rpm, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil || rpm > reconcile.MaxRpm {
			return fmt.Errorf("invalid rpm %q (0-%d)", fields[2], reconcile.MaxRpm)
		}
		s.SetRequest(mode, uint16(rpm))
	case "u", "update":
		if err := s.RequestUpdate(); err != nil {
			return err
		}
		fmt.Printf("update requested\n")
		return nil
	case "s", "status":
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	fmt.Print(formatDisplayStatus(s, time.Now()))
	return nil
}

func parseMode(s string) (linkproto.Mode, error) {
	switch strings.ToLower(s) {
	case "auto", "a", "0":
		return linkproto.ModeAuto, nil
	case "manual", "m", "1":
		return linkproto.ModeManual, nil
	default:
		return 0, fmt.Errorf("invalid mode %q (auto or manual)", s)
	}
}

func formatDisplayStatus(s *node.Slave, now time.Time) string {
	state := s.State()
	req := state.Requested()
	master := state.Master()
	tenths, sensor := s.Water()
	valid, invalid := state.Counts()

	result := fmt.Sprintf("[%s] %s display=%d rpm\n", now.Format("15:04:05.000"), s.SyncStatus(now), s.DisplayRpm(now))
	result += fmt.Sprintf("  master:    %s %d rpm\n", master.Mode, master.Rpm)
	result += fmt.Sprintf("  requested: %s %d rpm\n", req.Mode, req.Rpm)
	if sensor == linkproto.SensorOK {
		result += fmt.Sprintf("  water:     %s C\n", linkproto.FormatTenths(tenths))
	} else {
		result += fmt.Sprintf("  water:     %s\n", linkproto.FormatSensorStatus(sensor))
	}
	result += fmt.Sprintf("  packets:   %d valid, %d invalid\n", valid, invalid)
	if u, ok := s.Update(); ok {
		result += fmt.Sprintf("  update:    %s", u.Phase)
		if u.Manifest.Version != "" {
			result += fmt.Sprintf(" %s", u.Manifest.Version)
		}
		if u.Phase == ota.PhaseBulkTransfer {
			result += fmt.Sprintf(" %.0f%%", u.Progress()*100)
		}
		result += "\n"
	}
	return result
}

// printSlaveEvents prints reconnections and update phase changes.
func printSlaveEvents(ctx context.Context, s *node.Slave) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	lastPhase := ota.PhaseIdle
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.TakeReconnected() {
				fmt.Printf("[%s] link restored, synced to master\n", now.Format("15:04:05.000"))
			}
			u, ok := s.Update()
			if !ok || u.Phase == lastPhase {
				continue
			}
			lastPhase = u.Phase
			fmt.Printf("[%s] update %s\n", now.Format("15:04:05.000"), u.Phase)
			if u.Phase == ota.PhaseFwReady {
				fmt.Printf("  firmware %s staged, enter u to install\n", u.Manifest.Version)
			}
			if u.Phase == ota.PhaseAborted && u.Abort != nil {
				fmt.Printf("  %v\n", u.Abort)
			}
		}
	}
}
