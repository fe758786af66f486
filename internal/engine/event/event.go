// Package event defines the change events the dispatch engine routes.
package event

import (
	"fmt"

	"trigon/internal/core/entity"
	"trigon/internal/core/id"
)

// Action classifies a change event: phase (before/after) crossed with the
// store operation. Exactly one Action applies per dispatch.
type Action string

const (
	BeforeCreate Action = "before_create"
	AfterCreate  Action = "after_create"
	BeforeUpdate Action = "before_update"
	AfterUpdate  Action = "after_update"
	BeforeDelete Action = "before_delete"
	AfterDelete  Action = "after_delete"
	AfterRestore Action = "after_restore"
)

// Actions lists all valid action kinds.
var Actions = []Action{
	BeforeCreate, AfterCreate,
	BeforeUpdate, AfterUpdate,
	BeforeDelete, AfterDelete,
	AfterRestore,
}

// ParseAction validates a stored action name (registry bindings, deferred jobs).
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// IsAfter reports whether the action is an after-phase action.
// Only after-phase actions are eligible for deferred handler execution.
func (a Action) IsAfter() bool {
	switch a {
	case AfterCreate, AfterUpdate, AfterDelete, AfterRestore:
		return true
	}
	return false
}

// IsBefore reports whether the action is a before-phase action.
// Before-phase handlers may veto the change by returning an error.
func (a Action) IsBefore() bool {
	return !a.IsAfter()
}

// String implements fmt.Stringer.
func (a Action) String() string { return string(a) }

// Change is an immutable snapshot pair for one logical store operation:
// the before and after states of the affected records, plus the action kind.
type Change struct {
	Action Action
	Entity entity.Descriptor

	// Before is empty for creates; After is empty for deletes.
	Before []*entity.Record
	After  []*entity.Record
}

// Records returns the primary record set for the action: the after image
// when present, otherwise the before image.
func (c *Change) Records() []*entity.Record {
	if len(c.After) > 0 {
		return c.After
	}
	return c.Before
}

// BeforeByID returns the before image of a record, or nil when the record
// was created by this change.
func (c *Change) BeforeByID(recID id.ID) *entity.Record {
	for _, r := range c.Before {
		if r.ID == recID {
			return r
		}
	}
	return nil
}
