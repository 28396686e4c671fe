// Package events multicasts session broadcasts and lifecycle changes to
// observers such as the live monitor.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/padmux/internal/logger"
	"github.com/alexisbeaulieu97/padmux/pkg/sdk"
)

// Category names one broadcast channel.
type Category string

const (
	// CategoryRead carries throttled input/output report snapshots.
	CategoryRead Category = "read"
	// CategoryLog carries console text produced by remap engines.
	CategoryLog Category = "log"
	// CategoryInfo carries throttled device identity snapshots.
	CategoryInfo Category = "info"
	// CategorySessionAdded is emitted when the orchestrator creates a session.
	CategorySessionAdded Category = "session.added"
	// CategorySessionRemoved is emitted when a session is stopped and dropped.
	CategorySessionRemoved Category = "session.removed"
	// CategorySessionState is emitted on every session state transition.
	CategorySessionState Category = "session.state"
)

// Event is one broadcast.
type Event struct {
	Category Category
	DeviceID string
	Time     time.Time
	Payload  any
}

// ReadPayload is the payload of CategoryRead.
type ReadPayload struct {
	Input  sdk.InputReport
	Output sdk.OutputReport
}

// LogPayload is the payload of CategoryLog.
type LogPayload struct {
	Lines []string
}

// InfoPayload is the payload of CategoryInfo and CategorySessionAdded.
type InfoPayload struct {
	Info      sdk.DeviceInfo
	Connected bool
	Profile   string
	Output    string
}

// StatePayload is the payload of CategorySessionState.
type StatePayload struct {
	State string
}

// Handler observes events. It runs on the publishing goroutine and must not
// block; returned errors are logged and otherwise ignored.
type Handler func(Event) error

// Subscription cancels a handler registration.
type Subscription interface {
	Unsubscribe()
}

// Publisher is what sessions and the orchestrator publish through.
type Publisher interface {
	Publish(Event)
}

// Bus dispatches events synchronously to per-category subscribers.
type Bus struct {
	logger *logger.Logger
	subs   map[Category][]subscriptionEntry
	nextID int
	mu     sync.RWMutex
}

// NewBus creates an empty bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		logger: log.With("component", "events"),
		subs:   make(map[Category][]subscriptionEntry),
	}
}

// Publish delivers event to every subscriber of its category. Lifecycle
// categories are also written to the debug log.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := append([]subscriptionEntry(nil), b.subs[event.Category]...)
	b.mu.RUnlock()

	switch event.Category {
	case CategoryRead, CategoryLog, CategoryInfo:
	default:
		b.logger.WithFields(map[string]any{
			"event_type": string(event.Category),
			"device_id":  event.DeviceID,
		}).Debug("session event")
	}

	for _, entry := range handlers {
		if err := b.dispatch(entry.handler, event); err != nil {
			b.logger.WithFields(map[string]any{
				"event_type": string(event.Category),
				"device_id":  event.DeviceID,
			}).Error(err, "event handler failed")
		}
	}
}

func (b *Bus) dispatch(handler Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(event)
}

// Subscribe registers handler for category.
func (b *Bus) Subscribe(category Category, handler Handler) Subscription {
	if b == nil || handler == nil {
		return noopSubscription{}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[category] = append(b.subs[category], subscriptionEntry{id: id, handler: handler})
	b.mu.Unlock()

	return subscription{
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			handlers := b.subs[category]
			for i, entry := range handlers {
				if entry.id == id {
					b.subs[category] = append(handlers[:i:i], handlers[i+1:]...)
					break
				}
			}
		},
	}
}

// SubscribeAll registers handler for every category and returns a single
// subscription covering all of them.
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	categories := []Category{
		CategoryRead, CategoryLog, CategoryInfo,
		CategorySessionAdded, CategorySessionRemoved, CategorySessionState,
	}
	subs := make(multiSubscription, 0, len(categories))
	for _, c := range categories {
		subs = append(subs, b.Subscribe(c, handler))
	}
	return subs
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

type subscription struct {
	cancel func()
}

func (s subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

type multiSubscription []Subscription

func (m multiSubscription) Unsubscribe() {
	for _, s := range m {
		s.Unsubscribe()
	}
}

type subscriptionEntry struct {
	id      int
	handler Handler
}
