// Package tx provides transaction management abstractions.
// This package defines interfaces that decouple the dispatch engine from
// specific database implementations, following the Dependency Inversion Principle.
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
// Implementations handle BEGIN, COMMIT, ROLLBACK, and nested transaction support.
//
// The dispatch engine and handlers depend on this interface, not concrete
// implementations. The actual implementation lives in infrastructure/storage/postgres.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Checkpoint is a named rollback point inside an open transaction.
// Exactly one of Rollback or Release must be called.
type Checkpoint interface {
	// Rollback restores the transaction to the state captured by the checkpoint.
	Rollback(ctx context.Context) error

	// Release discards the checkpoint, keeping all work done since it was taken.
	Release(ctx context.Context) error
}

// Checkpointer creates rollback points within the current transaction.
// A mutation batch takes a checkpoint before applying its operations so a
// partial failure can be undone without aborting the enclosing transaction.
type Checkpointer interface {
	// Checkpoint captures the current transaction state.
	// Fails if no transaction is open in ctx.
	Checkpoint(ctx context.Context) (Checkpoint, error)
}
