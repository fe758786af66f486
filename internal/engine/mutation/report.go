package mutation

import (
	"context"

	"trigon/internal/core/entity"
	"trigon/internal/engine/store"
	"trigon/pkg/logger"
)

// Failure is one rejected record with the store's rejection messages.
type Failure struct {
	Record   *entity.Record
	Messages []string
}

// Report is the uniform error report produced by one batch submission.
type Report struct {
	Failures []Failure
}

// HasErrors reports whether any record failed.
func (r *Report) HasErrors() bool {
	return len(r.Failures) > 0
}

// Merge appends another report's failures.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Failures = append(r.Failures, other.Failures...)
}

// Collect converts per-record store outcomes into a Report.
// Successful outcomes are dropped; failures keep their source record and
// message so operators can inspect exactly what was rejected.
func Collect(outcomes ...store.Outcome) *Report {
	report := &Report{}
	for _, oc := range outcomes {
		if !oc.Failed() {
			continue
		}
		report.Failures = append(report.Failures, Failure{
			Record:   oc.Record,
			Messages: []string{oc.Err.Error()},
		})
	}
	return report
}

// Reporter persists failures for operator visibility, tagged with a context
// label naming the subsystem that produced them. Implementations are
// fire-and-forget: they must never panic or return an error, because a
// logging failure must not mask the original failure.
type Reporter interface {
	Report(ctx context.Context, failures []Failure, contextLabel string)
}

// LogReporter writes failures to the structured log. It is the fallback
// Reporter when no persistent sink is configured.
type LogReporter struct{}

// Report implements Reporter.
func (LogReporter) Report(ctx context.Context, failures []Failure, contextLabel string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(ctx, "error reporting panicked", "panic", rec)
		}
	}()

	for _, f := range failures {
		fields := []any{"context", contextLabel, "messages", f.Messages}
		if f.Record != nil {
			fields = append(fields, "record_id", f.Record.ID, "kind", f.Record.Kind)
		}
		logger.Error(ctx, "record operation failed", fields...)
	}
}
