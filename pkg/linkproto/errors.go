// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import "errors"

// Decode failures. Callers discard the frame on any of these.
var (
	ErrShortFrame    = errors.New("frame too short")
	ErrWrongHeader   = errors.New("wrong header")
	ErrBadChecksum   = errors.New("checksum mismatch")
	ErrInvalidMode   = errors.New("invalid mode")
	ErrOversizeChunk = errors.New("chunk length exceeds chunk size")
)

// Result is the tri-state outcome of a decode.
type Result int

const (
	Valid Result = iota
	WrongHeader
	BadChecksum
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case WrongHeader:
		return "wrong-header"
	default:
		return "bad-checksum"
	}
}

// Classify collapses a decode error into a Result. Structural errors other than a
// header mismatch count as BadChecksum since the frame failed integrity either way.
func Classify(err error) Result {
	switch {
	case err == nil:
		return Valid
	case errors.Is(err, ErrWrongHeader):
		return WrongHeader
	default:
		return BadChecksum
	}
}
