// Package deferred models asynchronous handler execution: a job carries
// only stable identifiers across the transaction boundary and is replayed
// later in its own transaction, which starts from a fresh retrieval.
package deferred

import (
	"context"
	"time"

	"trigon/internal/core/id"
)

// Job is one deferred handler invocation. Full record payloads are never
// carried: they are not assumed durable across the boundary.
type Job struct {
	ID         id.ID     `db:"id" json:"id"`
	Handler    string    `db:"handler" json:"handler"`
	EntityKind string    `db:"entity_kind" json:"entityKind"`
	Action     string    `db:"action" json:"action"`
	BeforeIDs  []id.ID   `db:"before_ids" json:"beforeIds"`
	AfterIDs   []id.ID   `db:"after_ids" json:"afterIds"`
	Attempts   int       `db:"attempts" json:"attempts"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// NewJob creates a job with a generated ID.
func NewJob(handler, entityKind, action string, beforeIDs, afterIDs []id.ID) Job {
	return Job{
		ID:         id.New(),
		Handler:    handler,
		EntityKind: entityKind,
		Action:     action,
		BeforeIDs:  beforeIDs,
		AfterIDs:   afterIDs,
		CreatedAt:  time.Now().UTC(),
	}
}

// Queue accepts jobs for later execution. The postgres implementation
// enqueues within the current transaction so a rolled-back dispatch never
// leaks jobs; already-handed-off jobs survive a later batch failure.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// --- Execution scope marker ---

// scopeKey marks a context as running inside a deferred unit.
// Deferred execution cannot itself schedule further deferred execution.
type scopeKey struct{}

// WithScope marks ctx as deferred execution scope.
func WithScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, true)
}

// InDeferred reports whether ctx is already a deferred execution scope.
func InDeferred(ctx context.Context) bool {
	v, _ := ctx.Value(scopeKey{}).(bool)
	return v
}

// Runner executes one job. The dispatch engine provides the implementation.
type Runner func(ctx context.Context, job Job) error

// InProcess is a channel-backed queue for single-process deployments and
// tests. Jobs run on a single goroutine, each in its own call to the
// runner; a failed job is logged by the runner and dropped (no retry — the
// durable postgres queue handles retries in production).
type InProcess struct {
	jobs chan Job
}

// NewInProcess creates an in-process queue with the given buffer size.
func NewInProcess(buffer int) *InProcess {
	return &InProcess{jobs: make(chan Job, buffer)}
}

// Enqueue implements Queue. Blocks when the buffer is full.
func (q *InProcess) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled.
func (q *InProcess) Run(ctx context.Context, run Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			_ = run(WithScope(ctx), job)
		}
	}
}
