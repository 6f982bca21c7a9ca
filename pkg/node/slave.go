// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/reconcile"
	"github.com/Thermoquad/tachlink/pkg/transport"
)

// ErrUpdatesDisabled is returned by RequestUpdate on a slave without an update agent.
var ErrUpdatesDisabled = errors.New("firmware updates disabled")

// Slave is the slave node loop. The display methods may be called from any
// goroutine; Tick and Run must be driven from a single one.
type Slave struct {
	state     *reconcile.Slave
	agent     *ota.Agent
	responder *transport.Responder
	logger    zerolog.Logger
	tick      time.Duration
	transport []transport.Option
}

// SlaveOption configures a Slave.
type SlaveOption func(*Slave)

// WithSlaveLogger sets the logger.
func WithSlaveLogger(logger zerolog.Logger) SlaveOption {
	return func(s *Slave) {
		s.logger = logger
	}
}

// WithAgent enables firmware updates through agent.
func WithAgent(agent *ota.Agent) SlaveOption {
	return func(s *Slave) {
		s.agent = agent
	}
}

// WithTick sets the tick loop interval.
func WithTick(d time.Duration) SlaveOption {
	return func(s *Slave) {
		s.tick = d
	}
}

// WithTransport passes options to the responder.
func WithTransport(opts ...transport.Option) SlaveOption {
	return func(s *Slave) {
		s.transport = append(s.transport, opts...)
	}
}

// NewSlave creates a slave node answering on bus.
func NewSlave(bus transport.SlaveBus, state *reconcile.Slave, opts ...SlaveOption) *Slave {
	s := &Slave{
		state:  state,
		logger: zerolog.Nop(),
		tick:   DefaultSlaveTick,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.responder = transport.NewResponder(bus, (*slaveHandler)(s), s.transport...)
	return s
}

// Tick runs one iteration of the link loop.
func (s *Slave) Tick(now time.Time) {
	s.responder.Tick(now)
	if s.agent != nil {
		s.agent.Tick(now)
	}
}

// Run ticks until ctx is done.
func (s *Slave) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Stats returns the link statistics. Only read it from the Tick goroutine.
func (s *Slave) Stats() *linkproto.Statistics {
	return s.responder.Stats()
}

// State returns the reconciliation state.
func (s *Slave) State() *reconcile.Slave {
	return s.state
}

// Connected reports whether the master was heard from within the link timeout.
func (s *Slave) Connected(now time.Time) bool {
	return s.state.Connected(now)
}

// SyncStatus returns the derived sync status.
func (s *Slave) SyncStatus(now time.Time) reconcile.SyncStatus {
	return s.state.Status(now)
}

// DisplayRpm returns the RPM to show: the master's value while connected,
// otherwise the local request.
func (s *Slave) DisplayRpm(now time.Time) uint16 {
	if s.state.Connected(now) {
		return s.state.Master().Rpm
	}
	return s.state.Requested().Rpm
}

// Water returns the last water temperature and sensor status from the master.
func (s *Slave) Water() (int16, uint8) {
	return s.state.Water()
}

// TakeReconnected returns true once after each resync with the master.
func (s *Slave) TakeReconnected() bool {
	return s.state.TakeReconnected()
}

// SetRequest replaces the requested mode and RPM.
func (s *Slave) SetRequest(mode linkproto.Mode, rpm uint16) {
	s.state.SetRequest(mode, rpm)
}

// ToggleMode flips the requested mode.
func (s *Slave) ToggleMode() {
	s.state.ToggleMode()
}

// AdjustRpm moves the requested RPM by delta.
func (s *Slave) AdjustRpm(delta int) {
	s.state.AdjustRpm(delta)
}

// RequestUpdate asks to install the staged firmware image.
func (s *Slave) RequestUpdate() error {
	if s.agent == nil {
		return ErrUpdatesDisabled
	}
	return s.agent.Session().RequestVerify(time.Now())
}

// Update returns the update session status.
func (s *Slave) Update() (ota.Status, bool) {
	if s.agent == nil {
		return ota.Status{}, false
	}
	return s.agent.Session().Status(), true
}

// slaveHandler arbitrates the link between reconciliation and the update agent.
type slaveHandler Slave

func (h *slaveHandler) Bulk() bool {
	return h.agent != nil && h.agent.Bulk()
}

func (h *slaveHandler) Fill(tx []byte, now time.Time) {
	if h.agent != nil && h.agent.WantsReply() {
		h.agent.Fill(tx)
		return
	}
	// Requests go out only once the master has been heard since the last
	// silence, so a stale request never reaches it ahead of the resync.
	if !h.state.Connected(now) {
		return
	}
	linkproto.PutControl(tx, h.state.Outbound())
}

func (h *slaveHandler) Receive(f linkproto.Frame, err error, now time.Time) {
	if err != nil {
		h.state.Invalid()
		return
	}

	switch f.Kind {
	case linkproto.KindControl:
		h.state.Receive(f.Control, now)
		if h.agent != nil {
			h.agent.ControlReceived(now)
		}
	case linkproto.KindOtaControl, linkproto.KindOtaBulk:
		if h.agent == nil {
			h.logger.Debug().Stringer("kind", f.Kind).Msg("update frame without agent")
			return
		}
		h.agent.Receive(f, now)
	}
}

func (h *slaveHandler) Reset(now time.Time) {
	if h.agent != nil {
		h.agent.Reset(now)
	}
}
