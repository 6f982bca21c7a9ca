// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/node"
	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/push"
	"github.com/Thermoquad/tachlink/pkg/reconcile"
	"github.com/Thermoquad/tachlink/pkg/transport"
)

var (
	simDuration       int
	simImage          string
	simRequest        string
	simOutage         int
	simStatusInterval int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run master and display in-process over a loopback link",
	Long: `Run both nodes against an in-memory loopback medium, printing the shared
state as it converges.

  --request manual:2500   the display requests a mode and RPM after 2 seconds
  --outage 3              the cable is unplugged for 3 seconds after 5 seconds
  --image firmware.bin    the image is staged, the display user requests the
                          update, and the master streams it over the link

All storage is in memory; nothing is written to disk.

Exit codes:
  0 - Simulation finished (and the update, if any, was installed)
  1 - The update did not complete`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	addInputFlags(simulateCmd)
	simulateCmd.Flags().IntVar(&simDuration, "duration", 15, "Duration in seconds (0: until interrupted)")
	simulateCmd.Flags().StringVar(&simImage, "image", "", "Firmware image to stage and install")
	simulateCmd.Flags().StringVar(&simRequest, "request", "", "Display request as mode:rpm")
	simulateCmd.Flags().IntVar(&simOutage, "outage", 0, "Seconds of link outage starting 5 seconds in")
	simulateCmd.Flags().IntVar(&simStatusInterval, "status-interval", 1, "Status line interval in seconds")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	req, hasRequest, err := parseRequest(simRequest)
	if err != nil {
		return err
	}

	st := memStores()
	var img *push.Image
	if simImage != "" {
		img, err = push.LoadImage(simImage, "")
		if err != nil {
			return err
		}
		if _, err := img.Stage(ota.NewImages(st.staging)); err != nil {
			return fmt.Errorf("stage image: %w", err)
		}
	}

	lb := transport.NewLoopback()
	master := newMasterNode(transport.NewInitiator(lb.Master(), transport.WithLogger(logger)), st)
	slave, _ := newSlaveNode(lb.Slave(), st)

	ctx, stop := signalContext()
	defer stop()
	if simDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(simDuration)*time.Second)
		defer cancel()
	}

	fmt.Printf("tachlink - Loopback Simulation\n")
	if simDuration > 0 {
		fmt.Printf("Duration: %d seconds\n", simDuration)
	}
	if img != nil {
		fmt.Printf("Image: %s (%d bytes, digest 0x%08X)\n", img.Manifest.Version, img.Manifest.Size, img.Manifest.Digest)
	}
	fmt.Println()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		slave.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		master.Run(ctx)
	}()

	start := time.Now()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var (
		requested   bool
		updateAsked bool
		detached    bool
		lastStatus  time.Time
	)
	statusEvery := time.Duration(max(simStatusInterval, 1)) * time.Second

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-ticker.C:
			elapsed := now.Sub(start)

			if hasRequest && !requested && elapsed >= 2*time.Second {
				requested = true
				slave.SetRequest(req.mode, req.rpm)
				fmt.Printf("[%s] display requests %s %d\n", now.Format("15:04:05.000"), req.mode, req.rpm)
			}

			if simOutage > 0 {
				outageStart := 5 * time.Second
				outageEnd := outageStart + time.Duration(simOutage)*time.Second
				if !detached && elapsed >= outageStart && elapsed < outageEnd {
					detached = true
					lb.Detach(true)
					fmt.Printf("[%s] cable unplugged\n", now.Format("15:04:05.000"))
				} else if detached && elapsed >= outageEnd {
					detached = false
					lb.Detach(false)
					fmt.Printf("[%s] cable plugged in\n", now.Format("15:04:05.000"))
				}
			}

			if img != nil && !updateAsked {
				if u, ok := slave.Update(); ok && u.Phase == ota.PhaseFwReady {
					updateAsked = true
					if err := slave.RequestUpdate(); err != nil {
						fmt.Printf("[%s] update request failed: %v\n", now.Format("15:04:05.000"), err)
					} else {
						fmt.Printf("[%s] display user requests update\n", now.Format("15:04:05.000"))
					}
				}
			}

			if slave.TakeReconnected() {
				fmt.Printf("[%s] display resynced\n", now.Format("15:04:05.000"))
			}
			if master.TakeReconnected() {
				fmt.Printf("[%s] master link restored\n", now.Format("15:04:05.000"))
			}

			if now.Sub(lastStatus) >= statusEvery {
				lastStatus = now
				printSimStatus(now, master.State().State(), master.State().Health(), slave)
			}
		}
	}
	wg.Wait()

	fmt.Printf("\n--- Master ---\n%s", master.Stats().String())
	fmt.Printf("\n--- Display ---\n%s", slave.Stats().String())

	if img == nil {
		return nil
	}
	installed, err := ota.NewStoreInstaller(st.install).Installed()
	if err != nil || installed.Digest != img.Manifest.Digest {
		fmt.Fprintf(os.Stderr, "FAILED: update not installed\n")
		os.Exit(1)
	}
	fmt.Printf("\nSUCCESS: firmware %s installed (%d bytes, digest 0x%08X)\n", installed.Version, installed.Size, installed.Digest)
	return nil
}

type displayRequest struct {
	mode linkproto.Mode
	rpm  uint16
}

// parseRequest parses mode:rpm.
func parseRequest(s string) (displayRequest, bool, error) {
	if s == "" {
		return displayRequest{}, false, nil
	}
	modeText, rpmText, ok := strings.Cut(s, ":")
	if !ok {
		return displayRequest{}, false, fmt.Errorf("invalid request %q (use mode:rpm)", s)
	}
	mode, err := parseMode(modeText)
	if err != nil {
		return displayRequest{}, false, err
	}
	rpm, err := strconv.ParseUint(rpmText, 10, 16)
	if err != nil {
		return displayRequest{}, false, fmt.Errorf("invalid rpm %q: %w", rpmText, err)
	}
	return displayRequest{mode: mode, rpm: uint16(rpm)}, true, nil
}

func printSimStatus(now time.Time, cur reconcile.State, health reconcile.Health, s *node.Slave) {
	req := s.State().Requested()
	line := fmt.Sprintf("[%s] master=%s/%s %d  display=%s rpm=%d req=%s %d",
		now.Format("15:04:05.000"), health, cur.Mode, cur.Rpm,
		s.SyncStatus(now), s.DisplayRpm(now), req.Mode, req.Rpm)
	if u, ok := s.Update(); ok && u.Phase != ota.PhaseIdle {
		line += fmt.Sprintf("  update=%s", u.Phase)
		if u.Phase == ota.PhaseBulkTransfer {
			line += fmt.Sprintf(" %.0f%%", u.Progress()*100)
		}
	}
	fmt.Println(line)
}
