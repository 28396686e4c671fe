// Package output manages virtual output controllers that may be shared by
// several remap sessions at once.
package output

import (
	"errors"
	"fmt"
	"sync"

	"github.com/alexisbeaulieu97/padmux/pkg/sdk"
)

// ErrDisposed is returned when acquiring a controller whose last referrer
// already released it.
var ErrDisposed = errors.New("output controller already disposed")

// SharedController wraps one OutputController and tracks who holds it. The
// device is connected on the first Acquire and disconnected and closed when
// the last referrer releases it. A disposed controller is never revived.
type SharedController struct {
	mu        sync.Mutex
	key       Key
	ctrl      sdk.OutputController
	referrers map[string]struct{}
	connected bool
	disposed  bool
}

// NewSharedController wraps ctrl. Nothing is connected until Acquire.
func NewSharedController(key Key, ctrl sdk.OutputController) *SharedController {
	return &SharedController{
		key:       key,
		ctrl:      ctrl,
		referrers: make(map[string]struct{}),
	}
}

// Key returns the pool slot this controller occupies.
func (s *SharedController) Key() Key {
	return s.key
}

// Acquire registers referrer. Re-acquiring with the same referrer is a no-op.
func (s *SharedController) Acquire(referrer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	if _, held := s.referrers[referrer]; held {
		return nil
	}
	if !s.connected {
		if err := s.ctrl.Connect(); err != nil {
			return fmt.Errorf("connect output %s: %w", s.key.Path, err)
		}
		s.connected = true
	}
	s.referrers[referrer] = struct{}{}
	return nil
}

// Release drops referrer. When no referrers remain the device is
// disconnected and closed; that is the only path that disposes it. Releasing
// an unknown referrer, or releasing after disposal, does nothing.
func (s *SharedController) Release(referrer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil
	}
	if _, held := s.referrers[referrer]; !held {
		return nil
	}
	delete(s.referrers, referrer)
	if len(s.referrers) > 0 {
		return nil
	}
	return s.disposeLocked()
}

func (s *SharedController) disposeLocked() error {
	s.disposed = true
	var errs []error
	if s.connected {
		s.connected = false
		if err := s.ctrl.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect output %s: %w", s.key.Path, err))
		}
	}
	if err := s.ctrl.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close output %s: %w", s.key.Path, err))
	}
	return errors.Join(errs...)
}

// IsHeldBy reports whether referrer currently holds the controller.
func (s *SharedController) IsHeldBy(referrer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.referrers[referrer]
	return held
}

// Referrers returns the current referrer count.
func (s *SharedController) Referrers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.referrers)
}

// Disposed reports whether the wrapped device has been released for good.
func (s *SharedController) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Send forwards a report to the device. Sends from different sessions
// sharing the controller are serialized.
func (s *SharedController) Send(report sdk.OutputReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	return s.ctrl.Send(report)
}

// ImagePath exposes the wrapped controller's display image.
func (s *SharedController) ImagePath() string {
	return s.ctrl.ImagePath()
}
