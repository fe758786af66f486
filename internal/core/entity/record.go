// Package entity provides the generic record model the dispatch engine
// operates on. The engine routes changes for heterogeneous entity kinds,
// so records are schemaless snapshots rather than typed domain structs.
package entity

import (
	"context"
	"time"

	"trigon/internal/core/id"
)

// Validatable is implemented by records that support self-validation.
// Validation checks internal invariants (without database access).
type Validatable interface {
	// Validate checks record invariants.
	// Returns nil if valid, AppError with details otherwise.
	Validate(ctx context.Context) error
}

// Descriptor identifies an entity kind to the dispatch engine and the
// handler registry. It is metadata about the kind, not about one record.
type Descriptor struct {
	// Kind is the stable entity kind name, e.g. "task", "task_template".
	Kind string `json:"kind"`

	// Table is the physical table backing this kind.
	Table string `json:"-"`

	// Label is the human-readable name for operator surfaces.
	Label string `json:"label,omitempty"`
}

// Record is one entity snapshot flowing through a dispatch. The before and
// after images of a change event are slices of records of one kind.
type Record struct {
	// ID is the primary key (UUIDv7)
	ID id.ID `db:"id" json:"id"`

	// Kind is the entity kind this record belongs to
	Kind string `db:"-" json:"kind"`

	// DeletionMark indicates soft-deleted record
	DeletionMark bool `db:"deletion_mark" json:"deletionMark"`

	// Version for optimistic locking (incremented on each update)
	Version int `db:"version" json:"version"`

	// Attributes stores the record fields (JSONB in PostgreSQL)
	Attributes Attributes `db:"attributes" json:"attributes,omitempty"`

	// Audit fields
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// NewRecord creates a record of the given kind with a generated ID.
func NewRecord(kind string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:        id.New(),
		Kind:      kind,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch updates the UpdatedAt timestamp and increments version.
func (r *Record) Touch() {
	r.UpdatedAt = time.Now().UTC()
	r.Version++
}

// MarkDeleted sets the deletion mark.
func (r *Record) MarkDeleted() {
	r.DeletionMark = true
}

// Undelete clears the deletion mark.
func (r *Record) Undelete() {
	r.DeletionMark = false
}

// Set is a convenience method for setting a field. Returns self for chaining.
func (r *Record) Set(key string, value any) *Record {
	if r.Attributes == nil {
		r.Attributes = make(Attributes)
	}
	r.Attributes[key] = value
	return r
}

// Get returns a field value or nil.
func (r *Record) Get(key string) any {
	if r.Attributes == nil {
		return nil
	}
	return r.Attributes[key]
}

// Clone returns a copy with a shallow copy of attributes.
// Handlers clone records before mutating them so the dispatch snapshots
// stay immutable.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Attributes = r.Attributes.Clone()
	return &cp
}

// IDs extracts the identifiers of a record slice, preserving order.
// Used when scheduling deferred execution, which carries IDs only.
func IDs(records []*Record) []id.ID {
	out := make([]id.ID, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
