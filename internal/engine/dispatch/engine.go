// Package dispatch implements the handler-dispatch engine: it routes
// entity-change events to registered business-rule handlers and commits
// their side-effect mutations as one coordinated batch.
package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"trigon/internal/core/entity"
	"trigon/internal/core/settings"
	"trigon/internal/engine/deferred"
	"trigon/internal/engine/event"
	"trigon/internal/engine/mutation"
	"trigon/internal/engine/registry"
	"trigon/internal/engine/store"
	"trigon/pkg/logger"
)

var tracer = otel.Tracer("trigon/dispatch")

// Engine routes change events to handlers and commits the aggregate
// mutation batch. Handler invocation is strictly sequential: ordering and
// shared aggregate-batch mutation rule out parallel execution.
type Engine struct {
	lookup     registry.Lookup
	factories  *Factories
	conditions *registry.Conditions
	store      store.Store
	submitter  *mutation.Submitter
	queue      deferred.Queue
	settings   settings.Provider
	seeder     *registry.Seeder
}

// Config wires the engine's collaborators.
type Config struct {
	Lookup    registry.Lookup
	Factories *Factories
	// Conditions is optional; without it descriptor conditions are ignored.
	Conditions *registry.Conditions
	Store      store.Store
	Submitter  *mutation.Submitter
	Queue      deferred.Queue
	Settings   settings.Provider
	// Seeder is optional first-run default installation.
	Seeder *registry.Seeder
}

// New creates a dispatch engine.
func New(cfg Config) *Engine {
	return &Engine{
		lookup:     cfg.Lookup,
		factories:  cfg.Factories,
		conditions: cfg.Conditions,
		store:      cfg.Store,
		submitter:  cfg.Submitter,
		queue:      cfg.Queue,
		settings:   cfg.Settings,
		seeder:     cfg.Seeder,
	}
}

// Dispatch runs all handlers registered for (desc.Kind, action) against the
// before/after snapshot pair, merges their partial batches, and submits the
// aggregate with rollback-on-error.
//
// Must be called inside an open transaction: handler reads, the batch
// submission, and deferred-job enqueueing all share it, so a handler error
// rolls everything back together.
//
// A handler error is not caught here; it propagates to the transaction
// boundary and aborts the whole dispatch. Before-phase handlers use this to
// reject the change entirely.
func (e *Engine) Dispatch(ctx context.Context, before, after []*entity.Record, action event.Action, desc entity.Descriptor) (*mutation.Report, error) {
	// Operator kill switch, not an error.
	if e.settings.IsEnabled(ctx, settings.FlagDispatchDisabled) {
		return &mutation.Report{}, nil
	}

	ctx, span := tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("entity.kind", desc.Kind),
			attribute.String("action", string(action)),
		))
	defer span.End()

	if e.seeder != nil {
		if err := e.seeder.EnsureDefaults(ctx); err != nil {
			return nil, err
		}
	}

	descriptors, err := e.lookup.HandlersFor(ctx, desc.Kind, action)
	if err != nil {
		return nil, err
	}
	if len(descriptors) == 0 {
		return &mutation.Report{}, nil
	}

	ev := &event.Change{
		Action: action,
		Entity: desc,
		Before: before,
		After:  after,
	}

	aggregate := mutation.NewBatch()

	for _, d := range descriptors {
		if !d.Active {
			continue
		}

		if d.Condition != "" && e.conditions != nil {
			matched, err := e.conditions.Matches(d.Condition, ev)
			if err != nil {
				// Configuration error: skip this handler, keep dispatching.
				logger.Warn(ctx, "handler condition failed, skipping",
					"handler", d.Name, "error", err)
				continue
			}
			if !matched {
				continue
			}
		}

		// Deferred execution is only eligible for after-phase handlers and
		// cannot itself schedule further deferred execution.
		if d.Async && action.IsAfter() && !deferred.InDeferred(ctx) {
			job := deferred.NewJob(d.Name, desc.Kind, string(action),
				entity.IDs(before), entity.IDs(after))
			if err := e.queue.Enqueue(ctx, job); err != nil {
				return nil, err
			}
			logger.Debug(ctx, "handler deferred", "handler", d.Name, "job_id", job.ID)
			continue
		}

		batch, err := e.invoke(ctx, d, ev)
		if err != nil {
			return nil, err
		}
		aggregate.Merge(batch)
	}

	return e.submitter.Submit(ctx, aggregate, true)
}

// invoke instantiates and runs one handler synchronously.
// An unresolvable handler name is a configuration error: logged, skipped.
func (e *Engine) invoke(ctx context.Context, d registry.Descriptor, ev *event.Change) (*mutation.Batch, error) {
	factory, ok := e.factories.Resolve(d.Name)
	if !ok {
		logger.Warn(ctx, "handler not registered, skipping", "handler", d.Name)
		return nil, nil
	}
	return factory().Run(ctx, ev)
}

// RunDeferred executes one deferred job: it re-fetches current record state
// by identifier and re-enters the synchronous path for exactly the named
// handler, submitting that handler's batch on its own.
//
// Runs in its own transaction (the caller opens it); the context is marked
// as deferred scope so the handler cannot be deferred again.
func (e *Engine) RunDeferred(ctx context.Context, job deferred.Job) error {
	ctx = deferred.WithScope(ctx)

	action, err := event.ParseAction(job.Action)
	if err != nil {
		return err
	}

	factory, ok := e.factories.Resolve(job.Handler)
	if !ok {
		// The descriptor changed between scheduling and execution.
		logger.Warn(ctx, "deferred handler not registered, dropping job",
			"handler", job.Handler, "job_id", job.ID)
		return nil
	}

	before, err := e.store.GetByIDs(ctx, job.EntityKind, job.BeforeIDs)
	if err != nil {
		return err
	}
	after, err := e.store.GetByIDs(ctx, job.EntityKind, job.AfterIDs)
	if err != nil {
		return err
	}

	ev := &event.Change{
		Action: action,
		Entity: entity.Descriptor{Kind: job.EntityKind},
		Before: before,
		After:  after,
	}

	batch, err := factory().Run(ctx, ev)
	if err != nil {
		return err
	}

	report, err := e.submitter.Submit(ctx, batch, true)
	if err != nil {
		return err
	}
	if report.HasErrors() {
		logger.Warn(ctx, "deferred dispatch completed with failures",
			"handler", job.Handler, "job_id", job.ID, "failed", len(report.Failures))
	}
	return nil
}
