// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package push

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDevice is returned when discovery finds nothing before its timeout.
	ErrNoDevice = errors.New("no device found")
	// ErrBusy is returned by a device already receiving another image.
	ErrBusy = errors.New("device busy")
	// ErrUnexpectedMessage is returned when a peer breaks the phase sequence.
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// RejectedError is returned when the device aborts a push.
type RejectedError struct {
	Phase  Phase
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("device rejected image during %s: %s", e.Phase, e.Reason)
}

// ConnectError wraps a failure to reach the device.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
