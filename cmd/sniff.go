// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

var (
	sniffShowAll       bool
	sniffStatsInterval int
)

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Decode link frames from a serial tap or WebSocket bridge",
	Long: `Decode the frames crossing the link and track error statistics.

The tap sees both directions of the link as one byte stream. Control frames
(0xAA) and OTA frames (0xBB) are recovered byte by byte, resynchronizing after
noise. Decode failures are always shown; use --show-all to print valid frames
too.

A summary is printed every --stats-interval seconds and on exit.`,
	RunE: runSniff,
}

func init() {
	rootCmd.AddCommand(sniffCmd)
	sniffCmd.Flags().BoolVar(&sniffShowAll, "show-all", false, "Show all frames (not just errors)")
	sniffCmd.Flags().IntVar(&sniffStatsInterval, "stats-interval", 10, "Statistics interval in seconds (0 disables)")
}

func runSniff(cmd *cobra.Command, args []string) error {
	tap, connInfo, err := OpenTap()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	// Closing the tap unblocks the reader on interrupt.
	var closeOnce sync.Once
	closeTap := func() { closeOnce.Do(func() { tap.Close() }) }
	defer closeTap()
	go func() {
		<-ctx.Done()
		closeTap()
	}()

	fmt.Printf("tachlink - Link Sniffer\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	var mu sync.Mutex
	stats := linkproto.NewStatistics()
	defer func() {
		mu.Lock()
		fmt.Printf("\n%s", stats.String())
		mu.Unlock()
	}()

	if sniffStatsInterval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(sniffStatsInterval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					mu.Lock()
					fmt.Printf("\n%s\n", stats.String())
					mu.Unlock()
				}
			}
		}()
	}

	scanner := linkproto.NewScanner()
	synchronized := false
	buf := make([]byte, 512)

	for {
		n, err := tap.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrConnectionClosed) {
				return nil
			}
			logger.Warn().Err(err).Msg("read error")
			continue
		}

		mu.Lock()
		for i := 0; i < n; i++ {
			frame, decodeErr := scanner.ScanByte(buf[i])
			if skipped := scanner.Skipped(); skipped > 0 && synchronized {
				fmt.Printf("[%s] \033[1;33mSKIPPED:\033[0m %d bytes\n", time.Now().Format("15:04:05.000"), skipped)
			}
			if decodeErr != nil {
				// Errors before the first good frame are alignment noise.
				if synchronized {
					stats.Update(linkproto.Frame{}, decodeErr)
					fmt.Printf("[%s] \033[1;31m[ERROR]\033[0m %v\n", time.Now().Format("15:04:05.000"), decodeErr)
				}
				continue
			}
			if frame == nil {
				continue
			}
			if !synchronized {
				synchronized = true
				fmt.Printf("[%s] synchronized\n", scanner.Timestamp().Format("15:04:05.000"))
			}
			stats.Update(*frame, nil)
			if sniffShowAll {
				fmt.Print(linkproto.FormatFrame(scanner.Timestamp(), *frame))
			}
		}
		mu.Unlock()
	}
}
