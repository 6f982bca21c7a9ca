// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/push"
)

// Push endpoint flags shared by serve, master and slave
var (
	endpointListen   string
	endpointInstance string
	endpointNoMDNS   bool
)

func addEndpointFlags(cmd *cobra.Command, listen string) {
	cmd.Flags().StringVar(&endpointListen, "listen", listen, "Push endpoint listen address (empty disables it)")
	cmd.Flags().StringVar(&endpointInstance, "instance", "", "mDNS instance name (default: tachlink-<host>)")
	cmd.Flags().BoolVar(&endpointNoMDNS, "no-mdns", false, "Do not advertise the push endpoint")
}

// endpoint is a running push endpoint.
type endpoint struct {
	server     *http.Server
	advertiser *push.Advertiser
	id         string
	addr       string
}

// startEndpoint serves push sessions into images and advertises them.
func startEndpoint(images *ota.Images, opts ...push.ServerOption) (*endpoint, error) {
	listener, err := net.Listen("tcp", endpointListen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", endpointListen, err)
	}

	e := &endpoint{id: push.DeviceID(), addr: listener.Addr().String()}

	staged := func(m ota.Manifest) {
		if e.advertiser != nil {
			e.advertiser.SetFirmware(e.id, m.Version)
		}
	}

	username, password, err := credentials()
	if err != nil {
		listener.Close()
		return nil, err
	}
	opts = append([]push.ServerOption{
		push.WithServerLogger(logger),
		push.WithCredentials(username, password),
		push.WithStagedHook(staged),
	}, opts...)

	mux := http.NewServeMux()
	mux.Handle(push.DefaultPath, push.NewServer(images, opts...))
	e.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if !endpointNoMDNS {
		instance := endpointInstance
		if instance == "" {
			host, _ := os.Hostname()
			instance = "tachlink-" + host
		}
		firmware := ""
		if m, ok := images.Staged(); ok {
			firmware = m.Version
		}
		port := listener.Addr().(*net.TCPAddr).Port
		e.advertiser, err = push.Advertise(instance, port, e.id, firmware)
		if err != nil {
			logger.Warn().Err(err).Msg("mdns advertisement unavailable")
		} else {
			logger.Info().Str("instance", instance).Int("port", port).Str("id", e.id).Msg("advertising push endpoint")
		}
	}

	go func() {
		if err := e.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("push endpoint stopped")
		}
	}()

	logger.Info().Str("addr", e.addr).Str("path", push.DefaultPath).Msg("push endpoint listening")
	return e, nil
}

// Close stops advertising and shuts the server down.
func (e *endpoint) Close() {
	if e.advertiser != nil {
		e.advertiser.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.server.Shutdown(ctx)
}
