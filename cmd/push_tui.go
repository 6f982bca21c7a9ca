// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/tachlink/pkg/ota"
	"github.com/Thermoquad/tachlink/pkg/push"
)

type pushProgressMsg push.Progress

type pushResultMsg struct {
	manifest ota.Manifest
	err      error
}

type pushModel struct {
	target  string
	image   *push.Image
	cancel  context.CancelFunc
	bar     progress.Model
	state   push.Progress
	started time.Time
	result  *pushResultMsg
	width   int
}

func newPushModel(target string, img *push.Image, cancel context.CancelFunc) pushModel {
	return pushModel{
		target:  target,
		image:   img,
		cancel:  cancel,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		state:   push.Progress{Total: img.Manifest.Size},
		started: time.Now(),
		width:   80,
	}
}

func (m pushModel) Init() tea.Cmd {
	return nil
}

func (m pushModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.cancel()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(max(msg.Width-10, 10), 60)

	case pushProgressMsg:
		m.state = push.Progress(msg)

	case pushResultMsg:
		m.result = &msg
		return m, tea.Quit
	}
	return m, nil
}

func (m pushModel) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	helpStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("tachlink push"))
	s.WriteString("\n\n")

	var info strings.Builder
	info.WriteString(labelStyle.Render("Device:  ") + valueStyle.Render(m.target) + "\n")
	info.WriteString(labelStyle.Render("Version: ") + valueStyle.Render(m.image.Manifest.Version) + "\n")
	info.WriteString(labelStyle.Render("Digest:  ") + valueStyle.Render(fmt.Sprintf("0x%08X", m.image.Manifest.Digest)) + "\n")
	info.WriteString(labelStyle.Render("Phase:   ") + valueStyle.Render(m.state.Phase.String()))
	s.WriteString(boxStyle.Render(info.String()))
	s.WriteString("\n\n")

	var percent float64
	if m.state.Total > 0 {
		percent = float64(m.state.Sent) / float64(m.state.Total)
	} else if m.state.Phase == push.PhaseDone {
		percent = 1
	}
	s.WriteString(m.bar.ViewAs(percent))
	s.WriteString(fmt.Sprintf("\n%d / %d bytes  %s\n\n", m.state.Sent, m.state.Total,
		time.Since(m.started).Round(100*time.Millisecond)))

	switch {
	case m.result != nil && m.result.err != nil:
		s.WriteString(errorStyle.Render("FAILED: "+m.result.err.Error()) + "\n")
	case m.result != nil:
		s.WriteString(valueStyle.Render("Image staged") + "\n")
	default:
		s.WriteString(helpStyle.Render("q: cancel") + "\n")
	}
	return s.String()
}
