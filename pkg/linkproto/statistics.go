// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks link exchange counters and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames    uint64
	ValidFrames    uint64
	ControlFrames  uint64
	OtaFrames      uint64
	WrongHeaders   uint64
	ChecksumErrors uint64
	ShortFrames    uint64
	LinkErrors     uint64
	Timeouts       uint64
	Recoveries     uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records the outcome of decoding one received frame
func (s *Statistics) Update(f Frame, decodeErr error) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrWrongHeader):
			s.WrongHeaders++
		case errors.Is(decodeErr, ErrShortFrame):
			s.ShortFrames++
		default:
			s.ChecksumErrors++
		}
		return
	}

	s.ValidFrames++
	if f.Kind == KindControl {
		s.ControlFrames++
	} else {
		s.OtaFrames++
	}
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// Errors returns the total of all error counters
func (s *Statistics) Errors() uint64 {
	return s.WrongHeaders + s.ChecksumErrors + s.ShortFrames + s.LinkErrors + s.Timeouts
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var validPercent float64
	if s.TotalFrames > 0 {
		validPercent = float64(s.ValidFrames) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Link Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, validPercent)
	result += fmt.Sprintf("  Control:          %5d\n", s.ControlFrames)
	result += fmt.Sprintf("  OTA:              %5d\n", s.OtaFrames)

	if s.WrongHeaders > 0 {
		result += fmt.Sprintf("Wrong Headers:   %8d\n", s.WrongHeaders)
	}
	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d\n", s.ChecksumErrors)
	}
	if s.ShortFrames > 0 {
		result += fmt.Sprintf("Short Frames:    %8d\n", s.ShortFrames)
	}
	if s.LinkErrors > 0 {
		result += fmt.Sprintf("Link Errors:     %8d\n", s.LinkErrors)
	}
	if s.Timeouts > 0 {
		result += fmt.Sprintf("Timeouts:        %8d\n", s.Timeouts)
	}
	if s.Recoveries > 0 {
		result += fmt.Sprintf("Bus Recoveries:  %8d\n", s.Recoveries)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "=====================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
