// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/push"
	"github.com/Thermoquad/tachlink/pkg/transport"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    linkproto.Mode
		wantErr bool
	}{
		{"auto", linkproto.ModeAuto, false},
		{"AUTO", linkproto.ModeAuto, false},
		{"a", linkproto.ModeAuto, false},
		{"manual", linkproto.ModeManual, false},
		{"1", linkproto.ModeManual, false},
		{"turbo", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseRequest(t *testing.T) {
	req, ok, err := parseRequest("manual:2500")
	if err != nil || !ok {
		t.Fatalf("parseRequest: ok=%v err=%v", ok, err)
	}
	if req.mode != linkproto.ModeManual || req.rpm != 2500 {
		t.Errorf("got %v %d, want MANUAL 2500", req.mode, req.rpm)
	}

	if _, ok, err := parseRequest(""); ok || err != nil {
		t.Errorf("empty request: ok=%v err=%v", ok, err)
	}

	for _, bad := range []string{"manual", "manual:", "manual:70000", "fast:100"} {
		if _, _, err := parseRequest(bad); err == nil {
			t.Errorf("parseRequest(%q) accepted", bad)
		}
	}
}

func TestSweepRpm(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    uint16
	}{
		{0, sweepMinRpm},
		{sweepPeriod / 4, 2000},
		{sweepPeriod / 2, sweepMaxRpm},
		{3 * sweepPeriod / 4, 2000},
		{sweepPeriod, sweepMinRpm},
	}
	for _, tt := range tests {
		if got := sweepRpm(tt.elapsed); got != tt.want {
			t.Errorf("sweepRpm(%v) = %d, want %d", tt.elapsed, got, tt.want)
		}
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250 ms"},
		{time.Second, "1s"},
		{61 * time.Second, "1m 1s"},
		{time.Hour + 2*time.Second, "1h 2s"},
		{2 * time.Hour, "2h"},
	}
	for _, tt := range tests {
		if got := formatElapsed(tt.d); got != tt.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestDriverIdle(t *testing.T) {
	st := memStores()
	img, err := push.NewImage(make([]byte, 20000), "9.9.9")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.Stage(ota.NewImages(st.staging)); err != nil {
		t.Fatal(err)
	}

	lb := transport.NewLoopback()
	master := newMasterNode(transport.NewInitiator(lb.Master(), transport.WithSleep(func(time.Duration) {})), st)
	slave, _ := newSlaveNode(lb.Slave(), st)
	check := driverIdle(master)

	now := time.Now()
	cycle := func() {
		slave.Tick(now)
		if err := master.Step(context.Background(), now); err != nil {
			t.Fatal(err)
		}
		now = now.Add(50 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		cycle()
	}
	if err := check(); err != nil {
		t.Fatalf("idle master refused a push: %v", err)
	}

	if err := slave.RequestUpdate(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 1000 && !master.Updating(); i++ {
		cycle()
	}
	if !master.Updating() {
		t.Fatal("master never engaged the display")
	}
	if err := check(); err == nil {
		t.Error("push accepted while the master streams an update")
	}
}
