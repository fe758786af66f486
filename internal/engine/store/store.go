// Package store defines the narrow contract between the dispatch engine and
// the host record store. The store's internals (schema, persistence) are
// external collaborators; the engine only needs batched DML with per-record
// outcomes and identifier-based retrieval for deferred execution.
package store

import (
	"context"

	"trigon/internal/core/entity"
	"trigon/internal/core/id"
)

// Operation is one of the four physical mutation kinds.
type Operation string

const (
	OpCreate  Operation = "create"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpRestore Operation = "restore"
)

// Options configures one submission call.
type Options struct {
	// Notify toggles notification side effects for every record in the
	// submission. It is a property of the call, not of the mutation, which
	// is why a batch may submit the same operation twice varying it.
	Notify bool
}

// Outcome is the per-record result of a best-effort submission.
type Outcome struct {
	Record *entity.Record
	// Err is nil when the record was applied successfully.
	Err error
}

// Failed reports whether the record was rejected.
func (o Outcome) Failed() bool { return o.Err != nil }

// Store is the record-store collaborator. One call applies one operation to
// records of ONE entity kind: heterogeneous kinds cannot share a physical
// batch, which is why mutation batches group by kind before submitting.
//
// Apply is best-effort: a rejected record yields a failed Outcome, it does
// not abort its siblings. The returned error is reserved for infrastructure
// failures that invalidate the whole call.
type Store interface {
	Apply(ctx context.Context, op Operation, kind string, records []*entity.Record, opts Options) ([]Outcome, error)

	// GetByIDs re-fetches current record state by identifier. Deferred
	// execution carries IDs only and starts from a fresh retrieval.
	GetByIDs(ctx context.Context, kind string, ids []id.ID) ([]*entity.Record, error)
}
