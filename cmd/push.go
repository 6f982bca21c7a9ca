// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/push"
)

var (
	pushVersion  string
	pushDiscover int
	pushTUI      bool
)

var pushCmd = &cobra.Command{
	Use:   "push <firmware.bin>",
	Short: "Push a firmware image to a device",
	Long: `Package a firmware binary with its size and CRC32 digest and push it to a
device's staging area over the WebSocket control channel.

Without --url the target is found by browsing mDNS for _tachlink._tcp.

The device verifies the offer, acknowledges every chunk, and marks the image
installable only after the committed bytes match the digest. An interrupted
push leaves nothing installable; run the command again to re-stage from scratch.
The update itself starts when the display user requests it.

Examples:
  tachlink push build/tachlink-1.4.0.bin
  tachlink push --url ws://display.local:8080/ota --version 1.4.0 firmware.bin

Exit codes:
  0 - Image staged
  1 - Push rejected or failed
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
	pushCmd.Flags().StringVar(&pushVersion, "version", "", "Firmware version (default: file name)")
	pushCmd.Flags().IntVar(&pushDiscover, "timeout", 5, "Discovery timeout in seconds when --url is not set")
	pushCmd.Flags().BoolVar(&pushTUI, "tui", false, "Show a progress view")
}

func runPush(cmd *cobra.Command, args []string) error {
	img, err := push.LoadImage(args[0], pushVersion)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	target, err := ResolveDevice(ctx, time.Duration(pushDiscover)*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(2)
	}
	username, password, err := credentials()
	if err != nil {
		return err
	}

	fmt.Printf("tachlink - Firmware Push\n")
	fmt.Printf("Device:  %s\n", target)
	fmt.Printf("Image:   %s (%d bytes, digest 0x%08X)\n\n", img.Manifest.Version, img.Manifest.Size, img.Manifest.Digest)

	opts := []push.PushOption{
		push.WithAuth(username, password),
		push.WithInsecureSkipVerify(wsNoSSLVerify),
		push.WithPushLogger(logger),
	}

	var staged ota.Manifest
	if pushTUI {
		staged, err = pushWithTUI(ctx, target, img, opts)
	} else {
		staged, err = pushWithText(ctx, target, img, opts)
	}

	if err != nil {
		var connErr *push.ConnectError
		if errors.As(err, &connErr) {
			fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("SUCCESS: image staged\n")
	fmt.Printf("  Version: %s\n", staged.Version)
	fmt.Printf("  Size:    %d bytes\n", staged.Size)
	fmt.Printf("  Digest:  0x%08X\n", staged.Digest)
	return nil
}

func pushWithText(ctx context.Context, target string, img *push.Image, opts []push.PushOption) (ota.Manifest, error) {
	lastPhase := push.Phase(0xFF)
	lastDecile := -1

	progress := func(p push.Progress) {
		if p.Phase != lastPhase {
			lastPhase = p.Phase
			fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), p.Phase)
		}
		if p.Phase != push.PhaseTransferring || p.Total == 0 {
			return
		}
		decile := int(uint64(p.Sent) * 10 / uint64(p.Total))
		if decile != lastDecile {
			lastDecile = decile
			fmt.Printf("  %3d%% (%d/%d bytes)\n", decile*10, p.Sent, p.Total)
		}
	}

	pusher := push.NewPusher(append(opts, push.WithProgress(progress))...)
	return pusher.Push(ctx, target, img)
}

func pushWithTUI(ctx context.Context, target string, img *push.Image, opts []push.PushOption) (ota.Manifest, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newPushModel(target, img, cancel))

	pusher := push.NewPusher(append(opts, push.WithProgress(func(pr push.Progress) {
		p.Send(pushProgressMsg(pr))
	}))...)

	result := make(chan pushResultMsg, 1)
	go func() {
		m, err := pusher.Push(ctx, target, img)
		msg := pushResultMsg{manifest: m, err: err}
		result <- msg
		p.Send(msg)
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-result
		return ota.Manifest{}, fmt.Errorf("progress view: %w", err)
	}
	r := <-result
	return r.manifest, r.err
}
