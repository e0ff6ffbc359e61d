// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/mcu-upgrade/pkg/bootproto"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

var (
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	deviceStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// progressMsg, infoMsg, finishedMsg, and cancelledMsg are the four
// Bubble Tea messages a tuiObserver posts onto the running program,
// mirroring the way the teacher's control_tui.go batches connection
// events (controlDataMsg, connectionLostMsg, reconnectedMsg) into
// tea.Msg values instead of touching the model from another goroutine.
type progressMsg struct {
	device  bootproto.DeviceKind
	device_ int
	overall int
}

type infoMsg struct{ text string }

type finishedMsg struct {
	success bool
	message string
}

type cancelledMsg struct{}

// tuiObserver implements upgrade.Observer by forwarding every callback
// to a running Bubble Tea program. It never touches model state itself
// — only the program's own Update loop does that.
type tuiObserver struct {
	program *tea.Program
}

func (o *tuiObserver) OnInfo(message string) {
	o.program.Send(infoMsg{text: message})
}

func (o *tuiObserver) OnProgress(device bootproto.DeviceKind, deviceProgress, overallProgress int) {
	o.program.Send(progressMsg{device: device, device_: deviceProgress, overall: overallProgress})
}

func (o *tuiObserver) OnFinished(success bool, message string) {
	o.program.Send(finishedMsg{success: success, message: message})
}

func (o *tuiObserver) OnCancelled() {
	o.program.Send(cancelledMsg{})
}

// progressModel is the Bubble Tea model for the upgrade progress
// display: one overall bar, the currently active device, a scrolling
// log of info lines, and the terminal outcome once reached.
type progressModel struct {
	bar     progress.Model
	overall int
	device  bootproto.DeviceKind
	lines   []string
	done    bool
	success bool
	message string
}

func newProgressModel() progressModel {
	return progressModel{
		bar: progress.New(progress.WithDefaultGradient()),
	}
}

func (m progressModel) Init() tea.Cmd { return nil }

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.done && (msg.String() == "q" || msg.String() == "ctrl+c" || msg.String() == "enter") {
			return m, tea.Quit
		}
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = msg.Width - 4
	case infoMsg:
		m.lines = append(m.lines, msg.text)
	case progressMsg:
		m.device = msg.device
		m.overall = msg.overall
	case finishedMsg:
		m.done = true
		m.success = msg.success
		m.message = msg.message
	case cancelledMsg:
		m.done = true
		m.success = false
		m.message = "用户取消升级"
	}
	return m, nil
}

func (m progressModel) View() string {
	var b strings.Builder
	b.WriteString(deviceStyle.Render(fmt.Sprintf("正在升级: %s", m.device)))
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(float64(m.overall) / 100))
	b.WriteString(fmt.Sprintf(" %d%%\n\n", m.overall))

	start := 0
	if len(m.lines) > 10 {
		start = len(m.lines) - 10
	}
	for _, line := range m.lines[start:] {
		b.WriteString(infoStyle.Render(line))
		b.WriteString("\n")
	}

	if m.done {
		b.WriteString("\n")
		if m.success {
			b.WriteString(okStyle.Render(m.message))
		} else {
			b.WriteString(failStyle.Render(m.message))
		}
		b.WriteString(infoStyle.Render("\n\n按 q 或 enter 退出"))
	}
	return b.String()
}
