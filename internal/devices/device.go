// Package devices holds the vocabulary shared by the microscope device
// drivers. Each driver lives in its own sub-package, owns its transport
// exclusively and performs every operation synchronously.
package devices

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidValue is returned when a requested setting is outside what
	// the device accepts. Nothing is sent to the device.
	ErrInvalidValue = errors.New("invalid value")
	// ErrUnknownOption is returned when a named option (filter, mode,
	// trigger source...) is not in the device's option table.
	ErrUnknownOption = errors.New("unknown option")
)

// Device is implemented by every driver.
type Device interface {
	// ID returns a stable identifier, usually the hardware serial number.
	ID() string
	// Close releases the device's transport.
	Close() error
}

// Statuser is implemented by drivers that can report a snapshot of their
// state for the admin routes.
type Statuser interface {
	Status() (map[string]any, error)
}

// Commander is implemented by ASCII drivers that accept a raw command line
// and return the device's raw reply.
type Commander interface {
	RawCommand(cmd string) (string, error)
}

// InvalidValuef returns an error wrapping ErrInvalidValue.
func InvalidValuef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...))
}

// Options is an immutable name -> value table built once per driver
// instance.
type Options[V comparable] struct {
	kind   string
	byName map[string]V
}

// NewOptions copies m into a new table. kind names the option family in
// error messages ("trigger mode", "filter").
func NewOptions[V comparable](kind string, m map[string]V) Options[V] {
	byName := make(map[string]V, len(m))
	for k, v := range m {
		byName[k] = v
	}
	return Options[V]{kind: kind, byName: byName}
}

// Lookup returns the value for name or an ErrUnknownOption error listing the
// valid names.
func (o Options[V]) Lookup(name string) (V, error) {
	v, ok := o.byName[name]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: %s %q not in [%s]", ErrUnknownOption, o.kind, name, strings.Join(o.Names(), ", "))
	}
	return v, nil
}

// Name returns the name mapped to v. When several names share a value the
// lexically smallest wins so the result is stable.
func (o Options[V]) Name(v V) (string, bool) {
	for _, name := range o.Names() {
		if o.byName[name] == v {
			return name, true
		}
	}
	return "", false
}

// Names returns the option names in sorted order.
func (o Options[V]) Names() []string {
	names := make([]string, 0, len(o.byName))
	for k := range o.byName {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of options.
func (o Options[V]) Len() int { return len(o.byName) }
