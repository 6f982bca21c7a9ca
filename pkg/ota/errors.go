// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"errors"
	"fmt"
)

// Sequencing errors. The chunk is rejected and the session continues.
var (
	ErrOutOfSequence  = errors.New("chunk out of sequence")
	ErrDuplicateChunk = errors.New("duplicate chunk")
	ErrOversizeChunk  = errors.New("chunk exceeds maximum size")
	ErrOverrun        = errors.New("chunk exceeds declared image size")
	ErrWrongPhase     = errors.New("operation not valid in current phase")
)

// Integrity errors. The session is aborted and the staged image discarded.
var (
	ErrShortTransfer  = errors.New("transfer shorter than declared size")
	ErrDigestMismatch = errors.New("digest mismatch")
	ErrSizeMismatch   = errors.New("size mismatch")
	ErrImageTooLarge  = errors.New("image exceeds link sequence range")
)

// ErrNoImage is returned when no installable image is staged.
var ErrNoImage = errors.New("no staged image")

// Reason classifies why a session was aborted.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonTimeout
	ReasonPeerCancel
	ReasonIntegrity
	ReasonStorage
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTimeout:
		return "timeout"
	case ReasonPeerCancel:
		return "peer cancelled"
	case ReasonIntegrity:
		return "integrity"
	case ReasonStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// AbortError describes an aborted session.
type AbortError struct {
	Reason Reason
	Phase  Phase // phase the session was in when it aborted
	Err    error
}

func (e *AbortError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ota aborted: %s", e.Reason)
	}
	return fmt.Sprintf("ota aborted: %s: %v", e.Reason, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// IsIntegrity reports whether err is an integrity failure.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrShortTransfer) || errors.Is(err, ErrDigestMismatch) ||
		errors.Is(err, ErrSizeMismatch) || errors.Is(err, ErrImageTooLarge)
}
