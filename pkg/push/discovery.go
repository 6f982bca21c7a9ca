// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package push

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/grandcat/zeroconf"
)

// mDNS service
const (
	ServiceType   = "_tachlink._tcp"
	ServiceDomain = "local."
	DefaultPath   = "/ota"
)

// TXT record keys
const (
	txtID      = "id"
	txtPath    = "path"
	txtVersion = "fw"
)

// Device is a discovered push target.
type Device struct {
	Instance string
	Host     string
	Addrs    []net.IP
	Port     int
	ID       string
	Path     string
	Firmware string // version of the currently staged image, if any
}

// URL returns the device's WebSocket endpoint.
func (d Device) URL() string {
	host := d.Host
	if len(d.Addrs) > 0 {
		host = d.Addrs[0].String()
	}
	path := d.Path
	if path == "" {
		path = DefaultPath
	}
	return "ws://" + net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(d.Port)) + path
}

// DeviceID returns a stable identifier for this host, derived from its machine
// id and never exposing the id itself. It falls back to the host name.
func DeviceID() string {
	id, err := machineid.ProtectedID("tachlink")
	if err == nil && len(id) >= 16 {
		return id[:16]
	}
	host, _ := os.Hostname()
	return host
}

// Advertiser publishes a device on mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise publishes instance on port with the given device id and staged
// firmware version.
func Advertise(instance string, port int, id, firmware string) (*Advertiser, error) {
	txt := []string{txtID + "=" + id, txtPath + "=" + DefaultPath}
	if firmware != "" {
		txt = append(txt, txtVersion+"="+firmware)
	}
	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// SetFirmware updates the advertised staged firmware version.
func (a *Advertiser) SetFirmware(id, firmware string) {
	txt := []string{txtID + "=" + id, txtPath + "=" + DefaultPath}
	if firmware != "" {
		txt = append(txt, txtVersion+"="+firmware)
	}
	a.server.SetText(txt)
}

// Close withdraws the advertisement.
func (a *Advertiser) Close() {
	a.server.Shutdown()
}

// Discover browses for devices until timeout or ctx is done. Devices are
// returned sorted by instance name.
func Discover(ctx context.Context, timeout time.Duration) ([]Device, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	found := make(map[string]Device)
	for {
		select {
		case <-ctx.Done():
			if len(found) == 0 {
				return nil, ErrNoDevice
			}
			devices := make([]Device, 0, len(found))
			for _, d := range found {
				devices = append(devices, d)
			}
			sort.Slice(devices, func(i, j int) bool { return devices[i].Instance < devices[j].Instance })
			return devices, nil
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			d := deviceFromEntry(entry)
			found[d.Instance] = d
		}
	}
}

func deviceFromEntry(e *zeroconf.ServiceEntry) Device {
	d := Device{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
	}
	d.Addrs = append(d.Addrs, e.AddrIPv4...)
	d.Addrs = append(d.Addrs, e.AddrIPv6...)
	for _, kv := range e.Text {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case txtID:
			d.ID = value
		case txtPath:
			d.Path = value
		case txtVersion:
			d.Firmware = value
		}
	}
	return d
}
