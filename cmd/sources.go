// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/node"
)

// Sweep limits and period of the simulated tachometer
const (
	sweepMinRpm = 800
	sweepMaxRpm = 3200
	sweepPeriod = 20 * time.Second
)

// Master input flags shared by master and simulate
var (
	inputRpm   int
	inputSweep bool
	inputWater int
)

func addInputFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&inputRpm, "rpm", 1500, "Live RPM reported while in AUTO")
	cmd.Flags().BoolVar(&inputSweep, "sweep", false, "Sweep the live RPM between 800 and 3200")
	cmd.Flags().IntVar(&inputWater, "water", -1, "Water temperature in tenths of a degree (negative: no sensor)")
}

// rpmSource returns the live RPM input selected by the flags.
func rpmSource(start time.Time) node.RPMSource {
	if !inputSweep {
		rpm := uint16(min(max(inputRpm, 0), 0xFFFF))
		return node.RPMFunc(func() uint16 { return rpm })
	}
	return node.RPMFunc(func() uint16 {
		return sweepRpm(time.Since(start))
	})
}

// sweepRpm is a triangle wave between sweepMinRpm and sweepMaxRpm.
func sweepRpm(elapsed time.Duration) uint16 {
	phase := float64(elapsed%sweepPeriod) / float64(sweepPeriod)
	if phase > 0.5 {
		phase = 1 - phase
	}
	return uint16(sweepMinRpm + 2*phase*(sweepMaxRpm-sweepMinRpm))
}

// waterSensor returns the water temperature input selected by the flags.
func waterSensor() node.WaterSensor {
	if inputWater < 0 {
		return node.NoWaterSensor
	}
	tenths := int16(min(inputWater, 0x7FFF))
	return node.WaterFunc(func() (int16, uint8) {
		return tenths, linkproto.SensorOK
	})
}
