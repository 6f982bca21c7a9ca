// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/tachlink/pkg/linkproto"
	"github.com/Thermoquad/tachlink/pkg/node"
	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/reconcile"
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// displayModel is the slave status view
type displayModel struct {
	slave         *node.Slave
	connInfo      string
	bar           progress.Model
	eventLog      []eventLogEntry
	maxLogEntries int
	lastPhase     ota.Phase
	lastSync      reconcile.SyncStatus
	now           time.Time
	width         int
	height        int
}

type displayTickMsg time.Time

// formatElapsed formats a duration as a short human-friendly string
func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%d ms", d.Milliseconds())
	}

	seconds := int(d.Seconds())
	minutes := seconds / 60
	hours := minutes / 60
	seconds %= 60
	minutes %= 60

	parts := []string{}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}

func newDisplayModel(s *node.Slave, connInfo string) displayModel {
	return displayModel{
		slave:         s,
		connInfo:      connInfo,
		bar:           progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 50,
		now:           time.Now(),
		width:         80,
		height:        24,
	}
}

func (m displayModel) Init() tea.Cmd {
	return tea.Batch(
		displayTickCmd(),
		tea.EnterAltScreen,
	)
}

func displayTickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return displayTickMsg(t)
	})
}

func (m displayModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "m":
			m.slave.ToggleMode()
			m.addLogEntry(fmt.Sprintf("Requested %s", m.slave.State().Requested().Mode), false)
		case "+", "=", "up":
			m.slave.AdjustRpm(rpmStep)
		case "-", "down":
			m.slave.AdjustRpm(-rpmStep)
		case "u":
			if err := m.slave.RequestUpdate(); err != nil {
				m.addLogEntry(fmt.Sprintf("Update not started: %v", err), true)
			} else {
				m.addLogEntry("Update requested", false)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case displayTickMsg:
		m.now = time.Time(msg)
		m.observe()
		return m, displayTickCmd()
	}

	return m, nil
}

// observe turns state changes into event log entries
func (m *displayModel) observe() {
	if m.slave.TakeReconnected() {
		m.addLogEntry("Link restored, synced to master", false)
	}

	sync := m.slave.SyncStatus(m.now)
	if sync != m.lastSync {
		if sync == reconcile.Disconnected {
			m.addLogEntry("Master silent", true)
		}
		m.lastSync = sync
	}

	u, ok := m.slave.Update()
	if !ok || u.Phase == m.lastPhase {
		return
	}
	m.lastPhase = u.Phase
	switch u.Phase {
	case ota.PhaseFwReady:
		m.addLogEntry(fmt.Sprintf("Firmware %s staged, press u to install", u.Manifest.Version), false)
	case ota.PhaseAborted:
		msg := "Update aborted"
		if u.Abort != nil {
			msg = u.Abort.Error()
		}
		m.addLogEntry(msg, true)
	case ota.PhaseDone:
		m.addLogEntry(fmt.Sprintf("Firmware %s installed, restart required", u.Manifest.Version), false)
	default:
		m.addLogEntry(fmt.Sprintf("Update %s", u.Phase), false)
	}
}

func (m *displayModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m displayModel) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	bigStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("15")).
		Padding(0, 2)

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	now := m.now
	state := m.slave.State()
	sync := m.slave.SyncStatus(now)

	var s strings.Builder
	s.WriteString(titleStyle.Render("tachlink display"))
	s.WriteString("  " + headerStyle.Render(m.connInfo))
	s.WriteString("\n\n")

	// Gauge
	syncText := valueStyle.Render(sync.String())
	switch sync {
	case reconcile.Disconnected:
		syncText = errorStyle.Render(sync.String())
	case reconcile.Syncing:
		syncText = warningStyle.Render(sync.String())
	}
	master := state.Master()
	var gauge strings.Builder
	gauge.WriteString(bigStyle.Render(fmt.Sprintf("%5d RPM", m.slave.DisplayRpm(now))))
	gauge.WriteString("\n")
	gauge.WriteString(labelStyle.Render("Mode:   ") + valueStyle.Render(master.Mode.String()) + "\n")
	gauge.WriteString(labelStyle.Render("Link:   ") + syncText + "\n")
	tenths, sensor := m.slave.Water()
	water := linkproto.FormatSensorStatus(sensor)
	if sensor == linkproto.SensorOK {
		water = linkproto.FormatTenths(tenths) + " C"
	}
	gauge.WriteString(labelStyle.Render("Water:  ") + valueStyle.Render(water))

	// Request panel
	req := state.Requested()
	valid, invalid := state.Counts()
	var panel strings.Builder
	panel.WriteString(labelStyle.Render("Requested: ") + valueStyle.Render(fmt.Sprintf("%s %d", req.Mode, req.Rpm)) + "\n")
	panel.WriteString(labelStyle.Render("Valid:     ") + valueStyle.Render(fmt.Sprintf("%d", valid)) + "\n")
	invalidText := valueStyle.Render(fmt.Sprintf("%d", invalid))
	if invalid > 0 {
		invalidText = errorStyle.Render(fmt.Sprintf("%d", invalid))
	}
	panel.WriteString(labelStyle.Render("Invalid:   ") + invalidText + "\n")
	last := "never"
	if d := state.SinceLastPacket(now); d >= 0 {
		last = formatElapsed(d) + " ago"
	}
	panel.WriteString(labelStyle.Render("Last rx:   ") + valueStyle.Render(last))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxStyle.Render(gauge.String()), " ", boxStyle.Render(panel.String())))
	s.WriteString("\n")

	// Update
	if u, ok := m.slave.Update(); ok {
		var upd strings.Builder
		upd.WriteString(labelStyle.Render("Update: ") + valueStyle.Render(u.Phase.String()))
		if u.Manifest.Version != "" {
			upd.WriteString(headerStyle.Render(fmt.Sprintf("  %s (%d bytes)", u.Manifest.Version, u.Manifest.Size)))
		}
		if u.Phase == ota.PhaseBulkTransfer {
			upd.WriteString("\n" + m.bar.ViewAs(u.Progress()))
			if u.Errors > 0 {
				upd.WriteString(warningStyle.Render(fmt.Sprintf("  %d rejected", u.Errors)))
			}
		}
		s.WriteString(boxStyle.Render(upd.String()))
		s.WriteString("\n")
	}

	// Event log
	maxLines := max(m.height-18, 3)
	start := max(len(m.eventLog)-maxLines, 0)
	var events strings.Builder
	events.WriteString(headerStyle.Render("Events"))
	for _, entry := range m.eventLog[start:] {
		line := fmt.Sprintf("%s %s", entry.timestamp.Format("15:04:05"), entry.message)
		if entry.isError {
			line = errorStyle.Render(line)
		}
		events.WriteString("\n" + line)
	}
	s.WriteString(boxStyle.Render(events.String()))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render("m: mode  +/-: rpm  u: install update  q: quit"))
	s.WriteString("\n")
	return s.String()
}
