// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"fmt"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

// Initiator performs master-side exchanges. It is not safe for concurrent use.
type Initiator struct {
	bus    Bus
	config Config
	stats  *linkproto.Statistics

	consecutiveLinkErrors int
}

// NewInitiator creates an Initiator on bus.
func NewInitiator(bus Bus, opts ...Option) *Initiator {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Initiator{
		bus:    bus,
		config: config,
		stats:  linkproto.NewStatistics(),
	}
}

// Stats returns the exchange statistics.
func (i *Initiator) Stats() *linkproto.Statistics {
	return i.stats
}

// Transact sends tx and returns the peer's simultaneous reply decoded as a frame.
// Buffers of OtaBulkSize bytes use bulk timing and bulk decoding.
//
// Returned errors wrap ErrLink for bus failures, and a linkproto sentinel when the
// exchange completed but the reply did not decode.
func (i *Initiator) Transact(ctx context.Context, tx []byte) (linkproto.Frame, error) {
	if err := ctx.Err(); err != nil {
		return linkproto.Frame{}, err
	}

	bulk := len(tx) >= linkproto.OtaBulkSize
	timing := i.config.ControlTiming
	if bulk {
		timing = i.config.BulkTiming
	}

	rx := make([]byte, len(tx))
	if err := i.exchange(tx, rx, timing); err != nil {
		i.linkError(err)
		return linkproto.Frame{}, fmt.Errorf("%w: %w", ErrLink, err)
	}
	i.consecutiveLinkErrors = 0

	f, err := linkproto.DecodeFrame(rx, bulk)
	i.stats.Update(f, err)
	if err != nil {
		return linkproto.Frame{}, fmt.Errorf("reply: %w", err)
	}
	return f, nil
}

func (i *Initiator) exchange(tx, rx []byte, timing Timing) error {
	if err := i.bus.Select(true); err != nil {
		return fmt.Errorf("select: %w", err)
	}
	i.config.Sleep(timing.Setup)

	transferErr := i.bus.Transfer(tx, rx)

	i.config.Sleep(timing.Hold)
	releaseErr := i.bus.Select(false)
	i.config.Sleep(timing.Gap)

	if transferErr != nil {
		return fmt.Errorf("transfer: %w", transferErr)
	}
	if releaseErr != nil {
		return fmt.Errorf("release: %w", releaseErr)
	}
	return nil
}

func (i *Initiator) linkError(err error) {
	i.stats.LinkErrors++
	i.consecutiveLinkErrors++
	i.config.Logger.Debug().Err(err).Int("consecutive", i.consecutiveLinkErrors).Msg("link error")

	if i.consecutiveLinkErrors < RecoveryThreshold {
		return
	}
	r, ok := i.bus.(Recoverer)
	if !ok {
		return
	}
	i.config.Logger.Warn().Int("consecutive", i.consecutiveLinkErrors).Msg("bus recovery")
	if rerr := r.Recover(); rerr != nil {
		i.config.Logger.Error().Err(rerr).Msg("bus recovery failed")
		return
	}
	i.stats.Recoveries++
	i.consecutiveLinkErrors = 0
}
