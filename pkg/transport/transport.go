// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport drives full-duplex exchanges over the tachlink medium.
//
// Every exchange moves one buffer in each direction at the same time. The master
// side (Initiator) performs bounded synchronous exchanges; the slave side
// (Responder) queues one exchange at a time and learns of its completion through a
// callback, doing all decoding in its own tick loop.
package transport

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Link-layer failures. Protocol failures are reported with linkproto errors instead.
var (
	ErrLink        = errors.New("link error")
	ErrNoReply     = errors.New("no reply")
	ErrBusy        = errors.New("transaction already pending")
	ErrNotSelected = errors.New("transfer without select")
	ErrClosed      = errors.New("bus closed")
)

// Bus is the master side of the duplex medium.
type Bus interface {
	// Select asserts or releases the peer select line.
	Select(active bool) error
	// Transfer clocks len(tx) bytes out while clocking len(rx) bytes in.
	Transfer(tx, rx []byte) error
}

// Recoverer is implemented by buses that support a reset procedure after
// repeated link-layer failures.
type Recoverer interface {
	Recover() error
}

// SlaveBus is the slave side of the duplex medium.
type SlaveBus interface {
	// Queue arms one exchange. done is called exactly once from any goroutine
	// with the number of bytes exchanged, unless the exchange is cancelled first.
	Queue(tx, rx []byte, done func(n int)) error
	// Cancel drops the pending exchange.
	Cancel() error
}

// Timing holds the select-line delays of one exchange.
type Timing struct {
	Setup time.Duration // select asserted to first clock
	Hold  time.Duration // last clock to select released
	Gap   time.Duration // select released to next exchange
}

// Default timings. Bulk exchanges give the peer more time to re-arm its larger buffers.
var (
	ControlTiming = Timing{Setup: 100 * time.Microsecond, Hold: 10 * time.Microsecond, Gap: 50 * time.Microsecond}
	BulkTiming    = Timing{Setup: 200 * time.Microsecond, Hold: 10 * time.Microsecond, Gap: 100 * time.Microsecond}
)

// Defaults
const (
	DefaultPendingTimeout = time.Second
	RecoveryThreshold     = 3
)

// Config holds transport configuration shared by both sides.
type Config struct {
	Logger         zerolog.Logger
	ControlTiming  Timing
	BulkTiming     Timing
	PendingTimeout time.Duration
	Sleep          func(time.Duration)
}

func defaultConfig() Config {
	return Config{
		Logger:         zerolog.Nop(),
		ControlTiming:  ControlTiming,
		BulkTiming:     BulkTiming,
		PendingTimeout: DefaultPendingTimeout,
		Sleep:          time.Sleep,
	}
}

// Option is a functional option for configuring the Initiator or Responder.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithTiming overrides the control and bulk exchange timings.
func WithTiming(control, bulk Timing) Option {
	return func(c *Config) {
		c.ControlTiming = control
		c.BulkTiming = bulk
	}
}

// WithPendingTimeout sets how long the Responder waits for a queued exchange
// before cancelling it.
func WithPendingTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.PendingTimeout = d
	}
}

// WithSleep replaces the delay function. Tests pass a no-op.
func WithSleep(sleep func(time.Duration)) Option {
	return func(c *Config) {
		c.Sleep = sleep
	}
}
