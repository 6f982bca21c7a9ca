// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// tachlink - tachometer display link tools
//
// Runs the master and display nodes of the tachometer link, pushes firmware
// to displays on the network, and decodes link traffic.

package main

import (
	"os"

	"github.com/Thermoquad/tachlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
