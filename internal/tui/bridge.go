package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/alexisbeaulieu97/padmux/internal/events"
)

// DefaultBridgeBuffer is the number of events held for the monitor before
// new ones are dropped.
const DefaultBridgeBuffer = 256

// EventMsg delivers one bus event to the model.
type EventMsg struct {
	Event events.Event
}

// bridgeClosedMsg signals that no further events will arrive.
type bridgeClosedMsg struct{}

// Subscriber is the part of the event bus the bridge needs.
type Subscriber interface {
	SubscribeAll(handler events.Handler) events.Subscription
}

// Bridge forwards bus events into a Bubbletea program without ever blocking
// the publishing session worker. Events arriving while the buffer is full
// are dropped and counted.
type Bridge struct {
	ch  chan events.Event
	sub events.Subscription

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewBridge subscribes to every category on bus.
func NewBridge(bus Subscriber, buffer int) *Bridge {
	if buffer <= 0 {
		buffer = DefaultBridgeBuffer
	}
	b := &Bridge{ch: make(chan events.Event, buffer)}
	if bus != nil {
		b.sub = bus.SubscribeAll(b.handle)
	}
	return b
}

func (b *Bridge) handle(e events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	select {
	case b.ch <- e:
	default:
		b.dropped++
	}
	return nil
}

// Next returns a command that waits for the next event.
func (b *Bridge) Next() tea.Cmd {
	return func() tea.Msg {
		e, ok := <-b.ch
		if !ok {
			return bridgeClosedMsg{}
		}
		return EventMsg{Event: e}
	}
}

// Dropped reports how many events were discarded because the monitor fell
// behind.
func (b *Bridge) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close unsubscribes from the bus and releases any waiting command.
func (b *Bridge) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
