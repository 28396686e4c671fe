package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the monitor until the user quits or ctx is cancelled. It
// reports whether the user asked to quit.
func Run(ctx context.Context, bus Subscriber, title string, opts ...tea.ProgramOption) (bool, error) {
	bridge := NewBridge(bus, DefaultBridgeBuffer)
	defer bridge.Close()

	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	program := tea.NewProgram(NewModel(title, bridge), opts...)

	final, err := program.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	if m, ok := final.(Model); ok {
		return m.Quitting(), nil
	}
	return false, nil
}
