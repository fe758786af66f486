// Package mutation provides the pending-operation accumulator the dispatch
// engine commits as one coordinated unit, and the error report produced by
// that commit.
package mutation

import (
	"context"
	"sort"

	"trigon/internal/core/apperror"
	"trigon/internal/core/entity"
	"trigon/internal/core/settings"
	"trigon/internal/core/tx"
	"trigon/internal/engine/store"
	"trigon/pkg/logger"
)

// Option configures a single batch entry.
type Option func(*store.Options)

// WithNotify marks the entry for a notifying submission. Entries with
// different notify values never share a physical store call.
func WithNotify(notify bool) Option {
	return func(o *store.Options) { o.Notify = notify }
}

// entry is one pending operation with its submission options.
type entry struct {
	rec  *entity.Record
	opts store.Options
}

// Batch accumulates pending create/update/delete/restore operations.
// A handler builds its own Batch and returns it to the engine, which merges
// all partial batches into one aggregate; after merge the aggregate is the
// sole owner. Batches are not safe for concurrent use; handler invocation
// is strictly sequential.
type Batch struct {
	creates  []entry
	updates  []entry
	deletes  []entry
	restores []entry
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

func makeEntry(rec *entity.Record, opts []Option) entry {
	e := entry{rec: rec}
	for _, opt := range opts {
		opt(&e.opts)
	}
	return e
}

// AddCreate appends a record to the create sequence. No dedup.
func (b *Batch) AddCreate(rec *entity.Record, opts ...Option) {
	b.creates = append(b.creates, makeEntry(rec, opts))
}

// AddUpdate appends a record to the update sequence. No dedup.
func (b *Batch) AddUpdate(rec *entity.Record, opts ...Option) {
	b.updates = append(b.updates, makeEntry(rec, opts))
}

// AddDelete appends a record to the delete sequence. No dedup.
// The snapshot's deletion mark is set so it matches the row the store will
// write; notification payloads carry the post-operation state.
func (b *Batch) AddDelete(rec *entity.Record, opts ...Option) {
	rec.MarkDeleted()
	b.deletes = append(b.deletes, makeEntry(rec, opts))
}

// AddRestore appends a record to the restore sequence. No dedup.
// Clears the snapshot's deletion mark, mirroring AddDelete.
func (b *Batch) AddRestore(rec *entity.Record, opts ...Option) {
	rec.Undelete()
	b.restores = append(b.restores, makeEntry(rec, opts))
}

// Merge appends another batch's sequences, transferring ownership to b.
func (b *Batch) Merge(other *Batch) {
	if other == nil {
		return
	}
	b.creates = append(b.creates, other.creates...)
	b.updates = append(b.updates, other.updates...)
	b.deletes = append(b.deletes, other.deletes...)
	b.restores = append(b.restores, other.restores...)
}

// Len returns the total number of pending operations.
func (b *Batch) Len() int {
	return len(b.creates) + len(b.updates) + len(b.deletes) + len(b.restores)
}

// IsEmpty reports whether the batch holds no pending operations.
func (b *Batch) IsEmpty() bool {
	return b.Len() == 0
}

// GroupByKind stable-sorts each sequence so entries of the same entity kind
// and submission options are contiguous. The store can only batch same-kind
// operations together, so grouping must happen before submission.
func (b *Batch) GroupByKind() {
	for _, seq := range [][]entry{b.creates, b.updates, b.deletes, b.restores} {
		sort.SliceStable(seq, func(i, j int) bool {
			if seq[i].rec.Kind != seq[j].rec.Kind {
				return seq[i].rec.Kind < seq[j].rec.Kind
			}
			// Silent submissions sort before notifying ones.
			return !seq[i].opts.Notify && seq[j].opts.Notify
		})
	}
}

// groups iterates contiguous (kind, options) runs of a grouped sequence.
func groups(seq []entry) [][]entry {
	var out [][]entry
	start := 0
	for i := 1; i <= len(seq); i++ {
		if i == len(seq) ||
			seq[i].rec.Kind != seq[start].rec.Kind ||
			seq[i].opts != seq[start].opts {
			out = append(out, seq[start:i])
			start = i
		}
	}
	return out
}

// Submitter applies batches against the record store within the enclosing
// transaction. It takes a checkpoint before applying so a partial failure
// can be rolled back without aborting the outer transaction.
type Submitter struct {
	store    store.Store
	tx       tx.Checkpointer
	settings settings.Provider
	reporter Reporter
}

// NewSubmitter creates a batch submitter.
func NewSubmitter(st store.Store, cp tx.Checkpointer, flags settings.Provider, reporter Reporter) *Submitter {
	if reporter == nil {
		reporter = LogReporter{}
	}
	return &Submitter{store: st, tx: cp, settings: flags, reporter: reporter}
}

// Submit applies the batch: creates, then updates, then deletes, then
// restores, each (kind, options) group as one best-effort store call.
// Per-record failures are aggregated into the returned Report.
//
// When failures exist, rollbackOnError is true, and error handling has not
// been administratively disabled, the transaction is rolled back to the
// pre-submit checkpoint, the failures are forwarded to the reporter, and a
// batch-failed error is returned alongside the report. Otherwise whatever
// succeeded stays committed.
//
// Submit is idempotent with respect to the batch's own state: calling it
// twice re-applies the same sequences. Callers must not call it twice for
// one dispatch.
func (s *Submitter) Submit(ctx context.Context, b *Batch, rollbackOnError bool) (*Report, error) {
	if b == nil || b.IsEmpty() {
		return &Report{}, nil
	}

	b.GroupByKind()

	cp, err := s.tx.Checkpoint(ctx)
	if err != nil {
		return nil, apperror.NewInternal(err).WithDetail("stage", "checkpoint")
	}

	var outcomes []store.Outcome
	apply := func(op store.Operation, seq []entry) error {
		for _, group := range groups(seq) {
			records := make([]*entity.Record, len(group))
			for i, e := range group {
				records[i] = e.rec
			}
			ocs, err := s.store.Apply(ctx, op, group[0].rec.Kind, records, group[0].opts)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, ocs...)
		}
		return nil
	}

	for _, step := range []struct {
		op  store.Operation
		seq []entry
	}{
		{store.OpCreate, b.creates},
		{store.OpUpdate, b.updates},
		{store.OpDelete, b.deletes},
		{store.OpRestore, b.restores},
	} {
		if err := apply(step.op, step.seq); err != nil {
			if rbErr := cp.Rollback(ctx); rbErr != nil {
				logger.Error(ctx, "checkpoint rollback failed", "error", rbErr)
			}
			return nil, err
		}
	}

	report := Collect(outcomes...)

	if report.HasErrors() && rollbackOnError &&
		!s.settings.IsEnabled(ctx, settings.FlagErrorHandlingDisabled) {
		if err := cp.Rollback(ctx); err != nil {
			logger.Error(ctx, "checkpoint rollback failed", "error", err)
			return report, apperror.NewInternal(err).WithDetail("stage", "rollback")
		}
		s.reporter.Report(ctx, report.Failures, "mutation batch")
		return report, apperror.NewBatchFailed(len(report.Failures))
	}

	if err := cp.Release(ctx); err != nil {
		return report, apperror.NewInternal(err).WithDetail("stage", "release")
	}
	return report, nil
}
