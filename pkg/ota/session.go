// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ota implements firmware updates over the tachlink link.
//
// A firmware image is first staged in block storage together with a manifest
// (see Images). The slave's Session then walks the update phases:
//
//	IDLE → FW_READY → VERIFY_REQUESTED → VERIFIED → BULK_TRANSFER → DONE
//
// with ABORTED reachable from any active phase. The slave-side Agent maps link
// frames onto the Session and the master-side Driver streams the staged image
// in bulk mode.
package ota

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

// Phase is the update phase of a Session.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseFwReady
	PhaseVerifyRequested
	PhaseVerified
	PhaseBulkTransfer
	PhaseDone
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseFwReady:
		return "FW_READY"
	case PhaseVerifyRequested:
		return "VERIFY_REQUESTED"
	case PhaseVerified:
		return "VERIFIED"
	case PhaseBulkTransfer:
		return "BULK_TRANSFER"
	case PhaseDone:
		return "DONE"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether the phase is part of an open session that can time out.
func (p Phase) Active() bool {
	return p == PhaseVerifyRequested || p == PhaseVerified || p == PhaseBulkTransfer
}

// StatusCode returns the wire status reported for the phase.
func (p Phase) StatusCode() uint8 {
	switch p {
	case PhaseIdle:
		return linkproto.StatusIdle
	case PhaseFwReady:
		return linkproto.StatusFwReady
	case PhaseVerifyRequested:
		return linkproto.StatusVerifyRequested
	case PhaseVerified:
		return linkproto.StatusVerified
	case PhaseBulkTransfer:
		return linkproto.StatusChunkAck
	case PhaseDone:
		return linkproto.StatusDone
	case PhaseAborted:
		return linkproto.StatusAborted
	default:
		return linkproto.StatusError
	}
}

// DefaultSessionTimeout aborts an active session that made no progress.
const DefaultSessionTimeout = 10 * time.Second

// Status is a snapshot of a Session.
type Status struct {
	Phase    Phase
	Manifest Manifest
	Received uint32
	NextSeq  uint16
	Errors   int
	Abort    *AbortError
	// Last is the terminal phase (DONE or ABORTED) of the last finalized session.
	Last Phase
}

// Progress returns the received fraction of the image in [0, 1].
func (s Status) Progress() float64 {
	if s.Manifest.Size == 0 {
		return 0
	}
	return float64(s.Received) / float64(s.Manifest.Size)
}

// Session is the slave's single update session. It is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	images    *Images
	installer Installer
	logger    zerolog.Logger
	timeout   time.Duration

	phase        Phase
	manifest     Manifest
	xfer         *Transfer
	installing   bool
	errors       int
	abort        *AbortError
	last         Phase
	lastProgress time.Time
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithSessionTimeout sets the no-progress timeout.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.timeout = d
	}
}

// NewSession creates an idle session reading staged images from images and
// writing transferred images to installer.
func NewSession(images *Images, installer Installer, opts ...SessionOption) *Session {
	s := &Session{
		images:    images,
		installer: installer,
		logger:    zerolog.Nop(),
		timeout:   DefaultSessionTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns a snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Phase:    s.phase,
		Manifest: s.manifest,
		Errors:   s.errors,
		Abort:    s.abort,
		Last:     s.last,
	}
	if s.xfer != nil {
		st.Received = s.xfer.Received()
		st.NextSeq = s.xfer.NextSeq()
	}
	return st
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Refresh moves between IDLE and FW_READY following the staging area.
func (s *Session) Refresh(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
}

func (s *Session) refresh() {
	m, ok := s.images.Staged()
	switch {
	case s.phase == PhaseIdle && ok:
		s.phase = PhaseFwReady
		s.manifest = m
		s.logger.Info().Str("version", m.Version).Uint32("size", m.Size).Msg("firmware ready")
	case s.phase == PhaseFwReady && !ok:
		s.phase = PhaseIdle
		s.manifest = Manifest{}
		s.logger.Info().Msg("staged firmware removed")
	case s.phase == PhaseFwReady && ok:
		s.manifest = m
	}
}

// RequestVerify is the local user's request to install the staged image.
func (s *Session) RequestVerify(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	if s.phase != PhaseFwReady {
		return fmt.Errorf("request verify in %s: %w", s.phase, ErrWrongPhase)
	}
	s.phase = PhaseVerifyRequested
	s.errors = 0
	s.abort = nil
	s.lastProgress = now
	s.logger.Info().Msg("verify requested")
	return nil
}

// Verify checks the staged image. On success the session is VERIFIED,
// otherwise it is aborted: integrity failures with ReasonIntegrity, anything
// else with ReasonStorage.
func (s *Session) Verify(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseVerifyRequested {
		return fmt.Errorf("verify in %s: %w", s.phase, ErrWrongPhase)
	}

	m, err := s.images.Verify()
	if err != nil {
		reason := ReasonStorage
		if IsIntegrity(err) {
			reason = ReasonIntegrity
		}
		s.abortLocked(reason, err)
		return s.abort
	}
	s.manifest = m
	s.phase = PhaseVerified
	s.lastProgress = now
	s.logger.Info().Str("version", m.Version).Uint32("size", m.Size).Msgf("verified, digest 0x%08X", m.Digest)
	return nil
}

// BeginBulk opens the install target and enters BULK_TRANSFER.
func (s *Session) BeginBulk(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseVerified {
		return fmt.Errorf("begin bulk in %s: %w", s.phase, ErrWrongPhase)
	}
	if err := s.installer.Begin(s.manifest.Size); err != nil {
		s.abortLocked(ReasonStorage, err)
		return s.abort
	}
	s.installing = true
	s.xfer = NewTransfer(s.manifest.Size, s.manifest.Digest, linkproto.ChunkSize)
	s.phase = PhaseBulkTransfer
	s.lastProgress = now
	s.logger.Info().Int("chunks", ChunkCount(s.manifest.Size, linkproto.ChunkSize)).Msg("bulk transfer started")
	return nil
}

// AcceptChunk appends chunk seq to the install target. Rejected chunks are
// counted and leave the session in BULK_TRANSFER.
func (s *Session) AcceptChunk(seq uint16, data []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseBulkTransfer {
		s.errors++
		return fmt.Errorf("chunk %d in %s: %w", seq, s.phase, ErrWrongPhase)
	}
	if err := s.xfer.Accept(seq, data); err != nil {
		if !errors.Is(err, ErrDuplicateChunk) {
			s.errors++
		}
		return err
	}
	if err := s.installer.Write(data); err != nil {
		s.abortLocked(ReasonStorage, err)
		return s.abort
	}
	s.lastProgress = now
	return nil
}

// NextSeq returns the next chunk the session expects.
func (s *Session) NextSeq() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.xfer == nil {
		return 0
	}
	return s.xfer.NextSeq()
}

// Finish ends the bulk transfer. The session is DONE only if every byte
// arrived and the running digest matches.
func (s *Session) Finish(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseBulkTransfer {
		return fmt.Errorf("finish in %s: %w", s.phase, ErrWrongPhase)
	}
	if err := s.xfer.Verify(); err != nil {
		s.abortLocked(ReasonIntegrity, err)
		return s.abort
	}
	s.phase = PhaseDone
	s.lastProgress = now
	s.logger.Info().Uint32("bytes", s.xfer.Received()).Msg("transfer complete")
	return nil
}

// Abort ends an active session.
func (s *Session) Abort(reason Reason, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.phase.Active() {
		return
	}
	s.abortLocked(reason, err)
}

func (s *Session) abortLocked(reason Reason, err error) {
	s.abort = &AbortError{Reason: reason, Phase: s.phase, Err: err}
	s.phase = PhaseAborted
	s.logger.Warn().Stringer("reason", reason).Err(err).Msg("update aborted")
}

// CheckTimeout aborts an active session that has made no progress within the
// session timeout. Returns true if it did.
func (s *Session) CheckTimeout(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.phase.Active() || now.Sub(s.lastProgress) <= s.timeout {
		return false
	}
	s.abortLocked(ReasonTimeout, fmt.Errorf("no progress for %s", now.Sub(s.lastProgress).Round(time.Millisecond)))
	return true
}

// Finalize applies a DONE session or cleans up an ABORTED one and returns to
// IDLE. A completed image is committed to the installer and removed from
// staging. An integrity abort discards the staged image; other aborts keep it
// so the update can be retried.
func (s *Session) Finalize(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch s.phase {
	case PhaseDone:
		s.installing = false
		if err = s.installer.Commit(s.manifest); err != nil {
			err = fmt.Errorf("commit update: %w", err)
			break
		}
		if derr := s.images.Discard(); derr != nil {
			s.logger.Warn().Err(derr).Msg("discard staged image")
		}
		s.logger.Info().Str("version", s.manifest.Version).Msg("update installed, restart required")
	case PhaseAborted:
		if s.installing {
			s.installing = false
			if derr := s.installer.Discard(); derr != nil {
				s.logger.Warn().Err(derr).Msg("discard update area")
			}
		}
		if s.abort != nil && s.abort.Reason == ReasonIntegrity {
			if derr := s.images.Discard(); derr != nil {
				s.logger.Warn().Err(derr).Msg("discard staged image")
			}
		}
	default:
		return nil
	}

	s.last = s.phase
	s.phase = PhaseIdle
	s.manifest = Manifest{}
	s.xfer = nil
	s.refresh()
	return err
}
