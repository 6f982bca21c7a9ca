// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"errors"
	"sync"
)

var errInjected = errors.New("injected failure")

// Loopback is an in-memory duplex medium connecting one master and one slave.
// The slave queues an exchange; the master's Transfer completes it. When nothing
// is queued the master reads an idle (zero) line.
type Loopback struct {
	mu       sync.Mutex
	selected bool
	pending  *loopbackExchange
	detached bool
	failures int

	corrupt func(toMaster []byte)

	transfers  int
	recoveries int
}

type loopbackExchange struct {
	tx   []byte
	rx   []byte
	done func(n int)
}

// NewLoopback creates an in-memory medium.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Master returns the master-side view of the medium.
func (l *Loopback) Master() *LoopbackMaster {
	return &LoopbackMaster{l: l}
}

// Slave returns the slave-side view of the medium.
func (l *Loopback) Slave() *LoopbackSlave {
	return &LoopbackSlave{l: l}
}

// Detach simulates an unplugged cable: the master sees an idle line and the
// slave sees no exchanges.
func (l *Loopback) Detach(detached bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detached = detached
}

// FailTransfers makes the next n master transfers fail with a link-layer error.
func (l *Loopback) FailTransfers(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

// SetCorrupt installs a hook that may modify bytes travelling to the master.
func (l *Loopback) SetCorrupt(fn func(toMaster []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.corrupt = fn
}

// Transfers returns the number of master transfers attempted.
func (l *Loopback) Transfers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfers
}

// Recoveries returns the number of bus recoveries performed.
func (l *Loopback) Recoveries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recoveries
}

// LoopbackMaster implements Bus and Recoverer.
type LoopbackMaster struct {
	l *Loopback
}

// Select asserts or releases the select line.
func (m *LoopbackMaster) Select(active bool) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	m.l.selected = active
	return nil
}

// Transfer exchanges tx and rx with the slave's queued buffers. The exchanged
// length is the shorter of the two sides.
func (m *LoopbackMaster) Transfer(tx, rx []byte) error {
	l := m.l
	l.mu.Lock()
	l.transfers++
	if !l.selected {
		l.mu.Unlock()
		return ErrNotSelected
	}
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return errInjected
	}

	clear(rx)
	ex := l.pending
	if l.detached || ex == nil {
		l.mu.Unlock()
		return nil
	}
	l.pending = nil

	n := min(len(tx), len(ex.rx))
	copy(ex.rx, tx[:n])
	copy(rx, ex.tx[:min(n, len(ex.tx))])
	if l.corrupt != nil {
		l.corrupt(rx[:n])
	}
	l.mu.Unlock()

	ex.done(n)
	return nil
}

// Recover clears any pending failure state.
func (m *LoopbackMaster) Recover() error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	m.l.recoveries++
	m.l.failures = 0
	m.l.selected = false
	return nil
}

// LoopbackSlave implements SlaveBus.
type LoopbackSlave struct {
	l *Loopback
}

// Queue arms one exchange.
func (s *LoopbackSlave) Queue(tx, rx []byte, done func(n int)) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if s.l.pending != nil {
		return ErrBusy
	}
	s.l.pending = &loopbackExchange{tx: tx, rx: rx, done: done}
	return nil
}

// Cancel drops the pending exchange.
func (s *LoopbackSlave) Cancel() error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.l.pending = nil
	return nil
}
