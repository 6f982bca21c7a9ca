// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package reconcile

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

// SyncStatus is the slave's derived view of the shared state.
type SyncStatus uint8

const (
	Disconnected SyncStatus = iota
	Syncing
	Synced
)

func (s SyncStatus) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Syncing:
		return "CONNECTED_SYNCING"
	case Synced:
		return "CONNECTED_SYNCED"
	default:
		return "UNKNOWN"
	}
}

// Limits for the manual RPM target adjusted from the display.
const (
	MinRpm = 0
	MaxRpm = 6000
)

// Slave tracks the slave's requested state and what it last received from the
// master. Received fields are written only by the link loop and requested fields
// by either the link loop or the display; all are atomic cells.
type Slave struct {
	requested atomic.Uint32
	master    atomic.Uint32
	water     atomic.Uint32 // tenths<<8 | status

	lastPacket atomic.Int64 // unix nanoseconds, 0 before the first packet

	reconnected atomic.Bool
	valid       atomic.Uint64
	invalid     atomic.Uint64

	timeout time.Duration
	logger  zerolog.Logger
}

// SlaveOption configures a Slave.
type SlaveOption func(*Slave)

// WithSlaveLogger sets the logger.
func WithSlaveLogger(logger zerolog.Logger) SlaveOption {
	return func(s *Slave) {
		s.logger = logger
	}
}

// WithSlaveTimeout sets the link timeout.
func WithSlaveTimeout(d time.Duration) SlaveOption {
	return func(s *Slave) {
		s.timeout = d
	}
}

// NewSlave creates a Slave requesting DefaultState.
func NewSlave(opts ...SlaveOption) *Slave {
	s := &Slave{
		timeout: DefaultLinkTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.requested.Store(DefaultState.pack())
	return s
}

// Receive processes a valid packet from the master. After a silence of at least
// the link timeout (or on the first packet ever) the slave adopts the master's
// mode and RPM as its own request. Returns true when that resync happened.
func (s *Slave) Receive(p linkproto.ControlPacket, now time.Time) bool {
	master := State{Mode: p.Mode, Rpm: p.Value}
	s.master.Store(master.pack())
	s.water.Store(uint32(uint16(p.Secondary))<<8 | uint32(p.SecondaryStatus))
	s.valid.Add(1)

	prev := s.lastPacket.Swap(now.UnixNano())
	if prev != 0 && now.Sub(time.Unix(0, prev)) < s.timeout {
		return false
	}

	s.requested.Store(master.pack())
	s.reconnected.Store(true)
	s.logger.Info().Stringer("mode", master.Mode).Uint16("rpm", master.Rpm).Msg("reconnected - syncing to master")
	return true
}

// Invalid counts a frame that failed to decode.
func (s *Slave) Invalid() {
	s.invalid.Add(1)
}

// Status derives the sync status. It is a pure read.
func (s *Slave) Status(now time.Time) SyncStatus {
	if !s.Connected(now) {
		return Disconnected
	}
	master := unpack(s.master.Load())
	req := unpack(s.requested.Load())
	if master.Mode != req.Mode {
		return Syncing
	}
	if master.Mode == linkproto.ModeManual && master.Rpm != req.Rpm {
		return Syncing
	}
	return Synced
}

// Connected reports whether a valid packet arrived within the link timeout.
func (s *Slave) Connected(now time.Time) bool {
	last := s.lastPacket.Load()
	return last != 0 && now.Sub(time.Unix(0, last)) < s.timeout
}

// SinceLastPacket returns the time since the last valid packet, or a negative
// duration if none has arrived.
func (s *Slave) SinceLastPacket(now time.Time) time.Duration {
	last := s.lastPacket.Load()
	if last == 0 {
		return -1
	}
	return now.Sub(time.Unix(0, last))
}

// TakeReconnected returns true once after each resync.
func (s *Slave) TakeReconnected() bool {
	return s.reconnected.Swap(false)
}

// Master returns the last state received from the master. In AUTO mode Rpm is
// the live RPM.
func (s *Slave) Master() State {
	return unpack(s.master.Load())
}

// Water returns the last water temperature (tenths) and sensor status received.
func (s *Slave) Water() (int16, uint8) {
	v := s.water.Load()
	return int16(uint16(v >> 8)), uint8(v)
}

// Requested returns the slave's current request.
func (s *Slave) Requested() State {
	return unpack(s.requested.Load())
}

// Counts returns the valid and invalid packet counters.
func (s *Slave) Counts() (valid, invalid uint64) {
	return s.valid.Load(), s.invalid.Load()
}

// SetRequest replaces the request.
func (s *Slave) SetRequest(mode linkproto.Mode, rpm uint16) {
	if !mode.Valid() {
		return
	}
	s.requested.Store(State{Mode: mode, Rpm: rpm}.pack())
}

// ToggleMode flips the requested mode.
func (s *Slave) ToggleMode() {
	s.update(func(st State) State {
		if st.Mode == linkproto.ModeAuto {
			st.Mode = linkproto.ModeManual
		} else {
			st.Mode = linkproto.ModeAuto
		}
		return st
	})
}

// AdjustRpm moves the requested RPM by delta, clamped to [MinRpm, MaxRpm].
func (s *Slave) AdjustRpm(delta int) {
	s.update(func(st State) State {
		rpm := int(st.Rpm) + delta
		st.Rpm = uint16(max(MinRpm, min(MaxRpm, rpm)))
		return st
	})
}

func (s *Slave) update(fn func(State) State) {
	for {
		old := s.requested.Load()
		next := fn(unpack(old)).pack()
		if s.requested.CompareAndSwap(old, next) {
			return
		}
	}
}

// Outbound builds the packet sent to the master.
func (s *Slave) Outbound() linkproto.ControlPacket {
	req := s.Requested()
	return linkproto.ControlPacket{Value: req.Rpm, Mode: req.Mode}
}
