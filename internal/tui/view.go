package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View renders the current state of the model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var sections []string
	sections = append(sections, titleStyle.Render(fmt.Sprintf("padmux • %s", m.heading())))

	sections = append(sections, sectionStyle.Render("Devices"))
	rows := m.Devices()
	if len(rows) == 0 {
		sections = append(sections, stoppedStyle.Render(" waiting for controllers..."))
	}
	for _, r := range rows {
		sections = append(sections, m.renderRow(r))
	}

	if len(m.console) > 0 {
		sections = append(sections, sectionStyle.Render("Console"))
		lines := make([]string, 0, len(m.console))
		for _, l := range m.console {
			lines = append(lines, fmt.Sprintf("%s %s", detailStyle.Render("["+l.DeviceID+"]"), l.Text))
		}
		sections = append(sections, consoleStyle.Render(strings.Join(lines, "\n")))
	}

	if m.bridge != nil {
		if dropped := m.bridge.Dropped(); dropped > 0 {
			sections = append(sections, detailStyle.Render(fmt.Sprintf("%d events dropped", dropped)))
		}
	}
	sections = append(sections, helpStyle.Render("q quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) heading() string {
	if strings.TrimSpace(m.title) != "" {
		return m.title
	}
	return "monitor"
}

func (m Model) renderRow(r DeviceRow) string {
	line := fmt.Sprintf(" %s %s %s", m.stateIcon(r.State), deviceStyle.Render(r.Name), detailStyle.Render("("+r.ID+")"))

	var details []string
	details = append(details, r.State)
	if r.Profile != "" {
		details = append(details, "profile "+r.Profile)
	}
	if r.Output != "" {
		details = append(details, "output "+r.Output)
	}
	line += " " + detailStyle.Render(strings.Join(details, " · "))

	if len(r.Pressed) > 0 {
		line += "\n   " + pressedStyle.Render(strings.Join(r.Pressed, " "))
	}
	if axes := formatAxes(r.Axes); axes != "" {
		line += "\n   " + detailStyle.Render(axes)
	}
	return line
}

func (m Model) stateIcon(state string) string {
	switch state {
	case "running":
		return runningStyle.Render("●")
	case "starting":
		return m.spinner.View()
	default:
		return stoppedStyle.Render("○")
	}
}

func formatAxes(axes map[string]float64) string {
	if len(axes) == 0 {
		return ""
	}
	names := make([]string, 0, len(axes))
	for name := range axes {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%+.2f", name, axes[name]))
	}
	return strings.Join(parts, " ")
}
