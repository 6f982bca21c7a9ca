// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package reconcile keeps the shared operating mode and manual RPM target
// consistent between the master and slave nodes.
//
// The master owns the authoritative state. The slave only proposes changes and
// observes what the master echoes back; it never writes master state directly.
package reconcile

import (
	"time"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

// State is the mode and manual RPM pair that both nodes agree on.
type State struct {
	Mode linkproto.Mode
	Rpm  uint16
}

// DefaultState is used when no settings have been persisted.
var DefaultState = State{Mode: linkproto.ModeAuto, Rpm: 3000}

// DefaultLinkTimeout is the silence after which a link is considered lost.
const DefaultLinkTimeout = time.Second

// SettingsStore persists the master's authoritative state.
type SettingsStore interface {
	Load() (State, error)
	Save(State) error
}

func (s State) pack() uint32 {
	return uint32(s.Mode)<<16 | uint32(s.Rpm)
}

func unpack(v uint32) State {
	return State{Mode: linkproto.Mode(v >> 16), Rpm: uint16(v)}
}
