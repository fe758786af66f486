// Package registry provides handler descriptor storage and lookup: which
// business-rule handlers apply to which entity kind and action, in what
// order, and under what policy.
package registry

import (
	"context"
	"fmt"

	"trigon/internal/engine/event"
)

// Binding is one (entity kind, action) pair a handler applies to.
type Binding struct {
	Kind   string       `json:"kind" yaml:"kind"`
	Action event.Action `json:"action" yaml:"action"`
}

// Descriptor identifies one pluggable handler registration.
type Descriptor struct {
	// Name is the stable factory key resolved at dispatch time.
	Name string `json:"name" yaml:"name"`

	// Rank orders handler invocation, ascending.
	Rank int `json:"rank" yaml:"rank"`

	// Active disables the handler without unregistering it.
	Active bool `json:"active" yaml:"active"`

	// Async marks the handler eligible for deferred execution on
	// after-phase actions.
	Async bool `json:"async" yaml:"async"`

	// Condition is an optional CEL expression over the change event;
	// when it evaluates to false the handler is not invoked.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Bindings lists the (kind, action) pairs this handler applies to.
	Bindings []Binding `json:"bindings" yaml:"bindings"`
}

// AppliesTo reports whether the descriptor is bound to (kind, action).
func (d Descriptor) AppliesTo(kind string, action event.Action) bool {
	for _, b := range d.Bindings {
		if b.Kind == kind && b.Action == action {
			return true
		}
	}
	return false
}

// Validate checks descriptor invariants.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor has no handler name")
	}
	if len(d.Bindings) == 0 {
		return fmt.Errorf("descriptor %q has no bindings", d.Name)
	}
	for _, b := range d.Bindings {
		if b.Kind == "" {
			return fmt.Errorf("descriptor %q: binding has no entity kind", d.Name)
		}
		if _, err := event.ParseAction(string(b.Action)); err != nil {
			return fmt.Errorf("descriptor %q: %w", d.Name, err)
		}
	}
	return nil
}

// Lookup resolves the ordered handler descriptors for a change event.
// Implementations return descriptors sorted by ascending rank, including
// inactive ones; the dispatch engine skips inactive descriptors itself.
type Lookup interface {
	// IsEmpty reports whether any descriptor is configured for the tenant.
	IsEmpty(ctx context.Context) (bool, error)

	// HandlersFor returns the descriptors bound to (kind, action),
	// ordered by ascending rank.
	HandlersFor(ctx context.Context, kind string, action event.Action) ([]Descriptor, error)
}

// Installer is the write side of descriptor storage, used for seeding and
// the admin API.
type Installer interface {
	Install(ctx context.Context, descriptors []Descriptor) error
}
