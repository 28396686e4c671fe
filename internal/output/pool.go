package output

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alexisbeaulieu97/padmux/internal/logger"
	"github.com/alexisbeaulieu97/padmux/pkg/sdk"
)

// Key identifies a pool slot. Controllers with an empty SharedID are private
// to one referrer, recorded in Owner.
type Key struct {
	Path     string
	SharedID string
	Owner    string
}

func (k Key) String() string {
	if k.SharedID == "" {
		return fmt.Sprintf("%s (private)", k.Path)
	}
	return fmt.Sprintf("%s#%s", k.Path, k.SharedID)
}

// Factory builds a fresh controller for an output path.
type Factory func(path string) (sdk.OutputController, error)

// Pool hands out shared controllers keyed by (path, shared id).
type Pool struct {
	mu      sync.Mutex
	factory Factory
	slots   map[Key]*SharedController
	logger  *logger.Logger
}

// NewPool constructs an empty pool.
func NewPool(factory Factory, log *logger.Logger) *Pool {
	return &Pool{
		factory: factory,
		slots:   make(map[Key]*SharedController),
		logger:  log.With("component", "output"),
	}
}

// Acquire returns the controller for (path, sharedID) held by referrer,
// creating and connecting one if the slot is empty or its previous
// controller was disposed.
func (p *Pool) Acquire(path, sharedID, referrer string) (*SharedController, error) {
	if path == "" {
		return nil, errors.New("output path is empty")
	}
	key := Key{Path: path, SharedID: sharedID}
	if sharedID == "" {
		key.Owner = referrer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if slot, ok := p.slots[key]; ok {
		err := slot.Acquire(referrer)
		if err == nil {
			return slot, nil
		}
		if !errors.Is(err, ErrDisposed) {
			return nil, err
		}
		delete(p.slots, key)
	}

	ctrl, err := p.factory(path)
	if err != nil {
		return nil, err
	}
	slot := NewSharedController(key, ctrl)
	if err := slot.Acquire(referrer); err != nil {
		if closeErr := ctrl.Close(); closeErr != nil {
			p.logger.WithFields(map[string]any{"output": key.String()}).Error(closeErr, "closing unconnected output")
		}
		return nil, err
	}
	p.slots[key] = slot
	p.logger.WithFields(map[string]any{"output": key.String()}).Debug("output controller created")
	return slot, nil
}

// Release drops referrer from slot and forgets the slot once it is disposed.
func (p *Pool) Release(slot *SharedController, referrer string) error {
	if slot == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := slot.Release(referrer)
	if slot.Disposed() {
		if current, ok := p.slots[slot.Key()]; ok && current == slot {
			delete(p.slots, slot.Key())
			p.logger.WithFields(map[string]any{"output": slot.Key().String()}).Debug("output controller disposed")
		}
	}
	return err
}

// Keys lists live slots in a stable order.
func (p *Pool) Keys() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]Key, 0, len(p.slots))
	for k := range p.slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String()+keys[i].Owner < keys[j].String()+keys[j].Owner
	})
	return keys
}

// Len returns the number of live slots.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Close force-disposes every remaining slot. Sessions normally release
// their outputs first; anything left here was leaked.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, slot := range p.slots {
		p.logger.WithFields(map[string]any{"output": key.String()}).Warn("disposing leaked output controller")
		slot.mu.Lock()
		if !slot.disposed {
			slot.referrers = make(map[string]struct{})
			errs = append(errs, slot.disposeLocked())
		}
		slot.mu.Unlock()
		delete(p.slots, key)
	}
	return errors.Join(errs...)
}
