// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"sync/atomic"
	"time"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

// Handler receives decoded exchanges from a Responder and supplies the next
// outbound frame. All methods are called from the goroutine calling Tick.
type Handler interface {
	// Bulk reports whether the next exchange uses bulk-size buffers.
	Bulk() bool
	// Fill writes the outbound frame for the next exchange into tx. Leaving tx
	// zeroed puts an idle line on the wire.
	Fill(tx []byte, now time.Time)
	// Receive handles a completed exchange. err is non-nil for frames that
	// failed to decode.
	Receive(f linkproto.Frame, err error, now time.Time)
	// Reset is called after a pending exchange timed out and was cancelled.
	Reset(now time.Time)
}

// Responder runs the slave-side exchange loop. Tick must be called from a single
// goroutine; the bus completion callback only touches atomics.
type Responder struct {
	bus     SlaveBus
	handler Handler
	config  Config
	stats   *linkproto.Statistics

	tx []byte
	rx []byte

	armed   bool
	armedAt time.Time
	bulk    bool

	gen       atomic.Uint64
	completed atomic.Bool
	rxLen     atomic.Int64
}

// NewResponder creates a Responder delivering exchanges to handler.
func NewResponder(bus SlaveBus, handler Handler, opts ...Option) *Responder {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Responder{
		bus:     bus,
		handler: handler,
		config:  config,
		stats:   linkproto.NewStatistics(),
		tx:      make([]byte, linkproto.OtaBulkSize),
		rx:      make([]byte, linkproto.OtaBulkSize),
	}
}

// Stats returns the exchange statistics. Only read it from the Tick goroutine.
func (r *Responder) Stats() *linkproto.Statistics {
	return r.stats
}

// Pending reports whether an exchange is queued and not yet consumed.
func (r *Responder) Pending() bool {
	return r.armed
}

// Tick runs one iteration: expire a stale exchange, consume a completed one, and
// re-arm.
func (r *Responder) Tick(now time.Time) {
	if r.armed && !r.completed.Load() && now.Sub(r.armedAt) > r.config.PendingTimeout {
		r.expire(now)
	}

	if r.armed && r.completed.Load() {
		r.consume(now)
	}

	if !r.armed {
		r.arm(now)
	}
}

func (r *Responder) expire(now time.Time) {
	r.gen.Add(1)
	if err := r.bus.Cancel(); err != nil {
		r.config.Logger.Debug().Err(err).Msg("cancel pending exchange")
	}
	r.armed = false
	r.bulk = false
	r.stats.Timeouts++
	r.config.Logger.Warn().Dur("timeout", r.config.PendingTimeout).Msg("transaction timeout - resetting")
	r.handler.Reset(now)
}

func (r *Responder) consume(now time.Time) {
	r.completed.Store(false)
	r.armed = false

	n := int(r.rxLen.Load())
	f, err := linkproto.DecodeFrame(r.rx[:n], r.bulk)
	r.stats.Update(f, err)
	if err != nil {
		r.config.Logger.Debug().Err(err).Int("len", n).Msg("discarding frame")
	}
	r.handler.Receive(f, err, now)
}

func (r *Responder) arm(now time.Time) {
	size := linkproto.FrameSize
	r.bulk = r.handler.Bulk()
	if r.bulk {
		size = linkproto.OtaBulkSize
	}

	tx := r.tx[:size]
	clear(tx)
	r.handler.Fill(tx, now)
	rx := r.rx[:size]
	clear(rx)

	gen := r.gen.Add(1)
	r.completed.Store(false)
	r.rxLen.Store(0)
	done := func(n int) {
		if r.gen.Load() != gen {
			return
		}
		r.rxLen.Store(int64(n))
		r.completed.Store(true)
	}

	if err := r.bus.Queue(tx, rx, done); err != nil {
		r.stats.LinkErrors++
		r.config.Logger.Debug().Err(err).Msg("queue exchange")
		return
	}
	r.armed = true
	r.armedAt = now
}
