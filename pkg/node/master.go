// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/reconcile"
	"github.com/Thermoquad/tachlink/pkg/transport"
)

// Master is the master node loop.
type Master struct {
	link   *transport.Initiator
	state  *reconcile.Master
	driver *ota.Driver
	rpm    RPMSource
	water  WaterSensor
	logger zerolog.Logger

	period       time.Duration
	updatePeriod time.Duration

	health      reconcile.Health
	reconnected atomic.Bool
	updating    atomic.Bool
}

// MasterOption configures a Master.
type MasterOption func(*Master)

// WithMasterLogger sets the logger.
func WithMasterLogger(logger zerolog.Logger) MasterOption {
	return func(m *Master) {
		m.logger = logger
	}
}

// WithDriver enables firmware updates through driver.
func WithDriver(driver *ota.Driver) MasterOption {
	return func(m *Master) {
		m.driver = driver
	}
}

// WithRPMSource sets the live RPM source.
func WithRPMSource(src RPMSource) MasterOption {
	return func(m *Master) {
		m.rpm = src
	}
}

// WithWaterSensor sets the water temperature source.
func WithWaterSensor(sensor WaterSensor) MasterOption {
	return func(m *Master) {
		m.water = sensor
	}
}

// WithMasterPeriod sets the exchange periods for normal operation and for an
// update owning the link.
func WithMasterPeriod(normal, update time.Duration) MasterOption {
	return func(m *Master) {
		m.period = normal
		m.updatePeriod = update
	}
}

// NewMaster creates a master node exchanging over link with state as the
// authoritative settings.
func NewMaster(link *transport.Initiator, state *reconcile.Master, opts ...MasterOption) *Master {
	m := &Master{
		link:         link,
		state:        state,
		rpm:          RPMFunc(func() uint16 { return 0 }),
		water:        NoWaterSensor,
		logger:       zerolog.Nop(),
		period:       DefaultMasterPeriod,
		updatePeriod: DefaultUpdatePeriod,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.health = state.Health()
	return m
}

// State returns the authoritative settings.
func (m *Master) State() *reconcile.Master {
	return m.state
}

// Driver returns the update driver, or nil if updates are disabled.
func (m *Master) Driver() *ota.Driver {
	return m.driver
}

// Updating reports whether the update driver currently owns the link. Unlike
// Driver it is safe to call from any goroutine.
func (m *Master) Updating() bool {
	return m.updating.Load()
}

// Stats returns the link statistics. Only read it from the Run goroutine.
func (m *Master) Stats() *linkproto.Statistics {
	return m.link.Stats()
}

// TakeReconnected returns true once after the link recovers from a failure.
func (m *Master) TakeReconnected() bool {
	return m.reconnected.Swap(false)
}

// Step performs one exchange. It returns an error only when ctx is done.
func (m *Master) Step(ctx context.Context, now time.Time) error {
	var (
		tx     []byte
		update bool
	)
	if m.driver != nil {
		tx, update = m.driver.Next(now)
	}
	if !update {
		tenths, status := m.water.Water()
		tx = linkproto.ControlFrame(m.state.Outbound(m.rpm.RPM(), tenths, status))
	}

	f, err := m.link.Transact(ctx, tx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}

	switch {
	case err != nil:
		m.state.ExchangeFailed(now)
		m.logger.Debug().Err(err).Msg("exchange failed")
	case f.Kind == linkproto.KindControl:
		m.state.Apply(f.Control, now)
	default:
		m.state.Touch(now)
	}

	if m.driver != nil {
		m.driver.Observe(f, err, now)
		m.updating.Store(m.driver.Active())
	}

	health := m.state.Check(now)
	if health != m.health {
		if health == reconcile.HealthOK {
			m.reconnected.Store(true)
		}
		m.health = health
	}

	if err := m.state.Flush(now, false); err != nil {
		m.logger.Error().Err(err).Msg("save settings")
	}
	return nil
}

// Run exchanges at the master period until ctx is done. Pending settings are
// saved on return.
func (m *Master) Run(ctx context.Context) error {
	defer func() {
		if err := m.state.Flush(time.Now(), true); err != nil {
			m.logger.Error().Err(err).Msg("save settings")
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := m.Step(ctx, time.Now()); err != nil {
			return err
		}

		period := m.period
		if m.driver != nil && m.driver.Active() {
			period = m.updatePeriod
		}
		timer.Reset(period)
	}
}
