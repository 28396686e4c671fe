package tui

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/padmux/internal/events"
)

func TestBridgeForwardsBusEvents(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	bridge := NewBridge(bus, 4)
	t.Cleanup(bridge.Close)

	bus.Publish(events.Event{Category: events.CategorySessionState, DeviceID: "pad-1", Payload: events.StatePayload{State: "running"}})

	msg := bridge.Next()()
	ev, ok := msg.(EventMsg)
	require.True(t, ok)
	require.Equal(t, "pad-1", ev.Event.DeviceID)
	require.Equal(t, events.CategorySessionState, ev.Event.Category)
}

func TestBridgeDropsWhenFull(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	bridge := NewBridge(bus, 2)
	t.Cleanup(bridge.Close)

	for i := 0; i < 5; i++ {
		bus.Publish(events.Event{Category: events.CategoryRead, DeviceID: "pad-1"})
	}
	require.Equal(t, 3, bridge.Dropped())
}

func TestBridgeCloseReleasesListener(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	bridge := NewBridge(bus, 1)
	bridge.Close()
	bridge.Close()

	require.IsType(t, bridgeClosedMsg{}, bridge.Next()())

	bus.Publish(events.Event{Category: events.CategoryLog, DeviceID: "pad-1"})
	require.Zero(t, bridge.Dropped())
}

func TestModelListensUntilBridgeCloses(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	bridge := NewBridge(bus, 4)
	m := NewModel("", bridge)
	require.NotNil(t, m.Init())

	bus.Publish(events.Event{Category: events.CategorySessionAdded, DeviceID: "pad-1", Payload: events.InfoPayload{}})
	next, cmd := m.Update(bridge.Next()())
	require.NotNil(t, cmd)
	require.Len(t, next.(Model).Devices(), 1)

	bridge.Close()
	next, cmd = next.Update(cmd())
	require.Nil(t, cmd)
	require.True(t, next.(Model).closed)
}
