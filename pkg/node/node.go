// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package node runs the two ends of a tachlink.
//
// The master node performs one exchange per period, carrying either a control
// packet built from the authoritative state or a frame from the update driver.
// The slave node answers from its tick loop. While an update session owns the
// link it chooses buffer sizes and reply content; otherwise the plain control
// exchange governs.
package node

import (
	"time"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
)

// RPMSource supplies the live engine RPM. The value is opaque to the link.
type RPMSource interface {
	RPM() uint16
}

// RPMFunc adapts a function to RPMSource.
type RPMFunc func() uint16

// RPM calls f.
func (f RPMFunc) RPM() uint16 { return f() }

// WaterSensor supplies the water temperature in tenths of a degree and the
// sensor status.
type WaterSensor interface {
	Water() (tenths int16, status uint8)
}

// WaterFunc adapts a function to WaterSensor.
type WaterFunc func() (int16, uint8)

// Water calls f.
func (f WaterFunc) Water() (int16, uint8) { return f() }

// NoWaterSensor reports a disconnected sensor.
var NoWaterSensor = WaterFunc(func() (int16, uint8) {
	return 0, linkproto.SensorDisconnected
})

// Loop periods
const (
	DefaultMasterPeriod = 50 * time.Millisecond // 20 Hz
	DefaultUpdatePeriod = 5 * time.Millisecond
	DefaultSlaveTick    = 2 * time.Millisecond
)
