package plugin

import (
	"fmt"
)

// ErrNotFound is returned when no capability is registered under a key.
type ErrNotFound struct {
	Kind Kind
	Key  string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("no %s registered for '%s'\nHint: check that the providing plugin package is installed and compatible", e.Kind, e.Key)
}

// Is lets errors.Is match any ErrNotFound regardless of key.
func (e ErrNotFound) Is(target error) bool {
	_, ok := target.(ErrNotFound)
	return ok
}

// ErrDuplicate reports a registration rejected because the key was taken.
type ErrDuplicate struct {
	Kind     Kind
	Key      string
	Module   string
	Existing string
}

func (e ErrDuplicate) Error() string {
	return fmt.Sprintf(
		"%s '%s' from module '%s' already registered by '%s'\nHint: remove one of the conflicting plugin packages",
		e.Kind, e.Key, e.Module, e.Existing,
	)
}

// ErrInvalidRegistration is returned when a registration lacks its
// constructor or its key tag.
type ErrInvalidRegistration struct {
	Kind   Kind
	Module string
	Reason string
}

func (e ErrInvalidRegistration) Error() string {
	return fmt.Sprintf("invalid %s registration in module '%s': %s", e.Kind, e.Module, e.Reason)
}
