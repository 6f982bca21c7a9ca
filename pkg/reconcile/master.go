// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package reconcile

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

// Health is the master's view of its link to the slave.
type Health uint8

const (
	HealthOK Health = iota
	// HealthLinkTimeout is set by a failed exchange.
	HealthLinkTimeout
	// HealthFailsafe is set when no valid exchange happened within the link
	// timeout after at least one succeeded.
	HealthFailsafe
)

func (h Health) String() string {
	switch h {
	case HealthOK:
		return "OK"
	case HealthLinkTimeout:
		return "LINK_TIMEOUT"
	case HealthFailsafe:
		return "FAILSAFE"
	default:
		return "UNKNOWN"
	}
}

// DefaultSaveDebounce delays persisting after the last change.
const DefaultSaveDebounce = 2 * time.Second

// Master holds the authoritative state and applies slave requests to it.
// It is safe for concurrent use.
type Master struct {
	mu sync.Mutex

	state    State
	lastSeen State
	saved    State

	dirty     bool
	changedAt time.Time

	health    Health
	lastValid time.Time

	store    SettingsStore
	logger   zerolog.Logger
	debounce time.Duration
	timeout  time.Duration
}

// MasterOption configures a Master.
type MasterOption func(*Master)

// WithMasterLogger sets the logger.
func WithMasterLogger(logger zerolog.Logger) MasterOption {
	return func(m *Master) {
		m.logger = logger
	}
}

// WithSaveDebounce sets how long changes settle before being persisted.
func WithSaveDebounce(d time.Duration) MasterOption {
	return func(m *Master) {
		m.debounce = d
	}
}

// WithMasterTimeout sets the failsafe link timeout.
func WithMasterTimeout(d time.Duration) MasterOption {
	return func(m *Master) {
		m.timeout = d
	}
}

// NewMaster loads the authoritative state from store, falling back to
// DefaultState when nothing valid is stored.
func NewMaster(store SettingsStore, opts ...MasterOption) *Master {
	m := &Master{
		store:    store,
		logger:   zerolog.Nop(),
		debounce: DefaultSaveDebounce,
		timeout:  DefaultLinkTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}

	state, err := store.Load()
	if err != nil || !state.Mode.Valid() {
		m.logger.Warn().Err(err).Msg("settings unavailable, using defaults")
		state = DefaultState
	}
	m.state = state
	m.saved = state
	// Requests are compared against the last one seen, which starts out as the
	// loaded state so a first request for anything else is adopted.
	m.lastSeen = state

	m.logger.Info().Stringer("mode", state.Mode).Uint16("manual_rpm", state.Rpm).Msg("loaded settings")
	return m
}

// State returns the authoritative state.
func (m *Master) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Health returns the link health.
func (m *Master) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Apply processes a valid request received from the slave. Each field is adopted
// only when it differs from the previous request seen and from the authoritative
// value. The RPM field only counts in MANUAL requests: in AUTO the slave's value
// follows the live RPM it was shown. Returns true if the authoritative state
// changed.
func (m *Master) Apply(req linkproto.ControlPacket, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastValid = now
	if m.health != HealthOK {
		m.logger.Info().Stringer("was", m.health).Msg("link restored")
		m.health = HealthOK
	}

	changed := false
	if req.Mode != m.lastSeen.Mode {
		m.lastSeen.Mode = req.Mode
		if req.Mode != m.state.Mode {
			m.logger.Info().Stringer("mode", req.Mode).Msg("mode changed by slave")
			m.state.Mode = req.Mode
			changed = true
		}
	}
	if req.Mode == linkproto.ModeManual && req.Value != m.lastSeen.Rpm {
		m.lastSeen.Rpm = req.Value
		if req.Value != m.state.Rpm {
			m.logger.Info().Uint16("rpm", req.Value).Msg("manual rpm changed by slave")
			m.state.Rpm = req.Value
			changed = true
		}
	}

	if changed {
		m.markDirty(now)
	}
	return changed
}

// Touch records a valid exchange that carried no request, such as an update
// status reply.
func (m *Master) Touch(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastValid = now
	if m.health != HealthOK {
		m.logger.Info().Stringer("was", m.health).Msg("link restored")
		m.health = HealthOK
	}
}

// ExchangeFailed records a failed exchange.
func (m *Master) ExchangeFailed(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.health == HealthOK {
		m.health = HealthLinkTimeout
	}
}

// Check enters failsafe when the link has been silent for the link timeout.
// It returns the resulting health.
func (m *Master) Check(now time.Time) Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastValid.IsZero() && now.Sub(m.lastValid) > m.timeout && m.health != HealthFailsafe {
		m.health = HealthFailsafe
		m.logger.Warn().Dur("silence", now.Sub(m.lastValid)).Msg("failsafe: link timeout")
	}
	return m.health
}

// SetMode changes the authoritative mode locally.
func (m *Master) SetMode(mode linkproto.Mode, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode.Valid() && m.state.Mode != mode {
		m.state.Mode = mode
		m.markDirty(now)
	}
}

// SetRpm changes the manual RPM target locally.
func (m *Master) SetRpm(rpm uint16, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Rpm != rpm {
		m.state.Rpm = rpm
		m.markDirty(now)
	}
}

func (m *Master) markDirty(now time.Time) {
	m.dirty = true
	m.changedAt = now
}

// Flush persists pending changes once they have settled for the debounce
// interval. force skips the debounce.
func (m *Master) Flush(now time.Time, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirty || (!force && now.Sub(m.changedAt) < m.debounce) {
		return nil
	}
	if m.state == m.saved {
		m.dirty = false
		return nil
	}
	if err := m.store.Save(m.state); err != nil {
		return err
	}
	m.saved = m.state
	m.dirty = false
	m.logger.Info().Stringer("mode", m.state.Mode).Uint16("manual_rpm", m.state.Rpm).Msg("settings saved")
	return nil
}

// Outbound builds the packet sent to the slave. In AUTO mode the display shows
// the live RPM; in MANUAL mode it shows the manual target.
func (m *Master) Outbound(liveRpm uint16, waterTenths int16, sensorStatus uint8) linkproto.ControlPacket {
	state := m.State()
	rpm := state.Rpm
	if state.Mode == linkproto.ModeAuto {
		rpm = liveRpm
	}
	return linkproto.ControlPacket{
		Value:           rpm,
		Mode:            state.Mode,
		Secondary:       waterTenths,
		SecondaryStatus: sensorStatus,
	}
}
