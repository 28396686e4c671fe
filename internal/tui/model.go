// Package tui renders a live monitor of padmux sessions: connected devices,
// their state, the active profile and output, and engine console output.
package tui

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/alexisbeaulieu97/padmux/internal/events"
	"github.com/alexisbeaulieu97/padmux/pkg/sdk"
)

// maxConsoleLines bounds the console pane.
const maxConsoleLines = 10

// DeviceRow is the monitor's view of one session.
type DeviceRow struct {
	ID        string
	Name      string
	State     string
	Connected bool
	Profile   string
	Output    string
	Pressed   []string
	Axes      map[string]float64
	LastRead  time.Time
}

// ConsoleLine is one line of engine output tagged with its device.
type ConsoleLine struct {
	DeviceID string
	Text     string
}

// Model contains the Bubbletea state for the live monitor.
type Model struct {
	title   string
	bridge  *Bridge
	spinner spinner.Model

	devices map[string]*DeviceRow
	console []ConsoleLine

	width    int
	height   int
	quitting bool
	closed   bool
}

// NewModel constructs a monitor fed by bridge. A nil bridge yields a model
// that only reacts to messages sent to it directly.
func NewModel(title string, bridge *Bridge) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	return Model{
		title:   title,
		bridge:  bridge,
		spinner: s,
		devices: make(map[string]*DeviceRow),
	}
}

// Init starts the spinner and the event listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listen())
}

func (m Model) listen() tea.Cmd {
	if m.bridge == nil || m.closed {
		return nil
	}
	return m.bridge.Next()
}

// Devices returns the tracked rows ordered by device id.
func (m Model) Devices() []DeviceRow {
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]DeviceRow, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, *m.devices[id])
	}
	return rows
}

// Console returns the retained console lines, oldest first.
func (m Model) Console() []ConsoleLine {
	return append([]ConsoleLine(nil), m.console...)
}

// Quitting reports whether the user asked to leave.
func (m Model) Quitting() bool {
	return m.quitting
}

func (m *Model) row(id string) *DeviceRow {
	r, ok := m.devices[id]
	if !ok {
		r = &DeviceRow{ID: id, Name: id, State: "stopped"}
		m.devices[id] = r
	}
	return r
}

func (m *Model) apply(e events.Event) {
	if e.DeviceID == "" {
		return
	}
	switch e.Category {
	case events.CategorySessionAdded, events.CategoryInfo:
		r := m.row(e.DeviceID)
		if p, ok := e.Payload.(events.InfoPayload); ok {
			if p.Info.Name != "" {
				r.Name = p.Info.Name
			}
			r.Connected = p.Connected
			r.Profile = p.Profile
			r.Output = p.Output
		}
	case events.CategorySessionRemoved:
		delete(m.devices, e.DeviceID)
	case events.CategorySessionState:
		if p, ok := e.Payload.(events.StatePayload); ok {
			m.row(e.DeviceID).State = p.State
		}
	case events.CategoryRead:
		if p, ok := e.Payload.(events.ReadPayload); ok {
			r := m.row(e.DeviceID)
			r.Pressed = pressed(p.Output)
			r.Axes = p.Output.Axes
			r.LastRead = e.Time
		}
	case events.CategoryLog:
		if p, ok := e.Payload.(events.LogPayload); ok {
			for _, line := range p.Lines {
				m.console = append(m.console, ConsoleLine{DeviceID: e.DeviceID, Text: line})
			}
			if over := len(m.console) - maxConsoleLines; over > 0 {
				m.console = append([]ConsoleLine(nil), m.console[over:]...)
			}
		}
	}
}

func pressed(report sdk.OutputReport) []string {
	var names []string
	for name, down := range report.Buttons {
		if down {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
