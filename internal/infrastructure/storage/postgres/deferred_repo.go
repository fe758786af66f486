package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"trigon/internal/core/id"
	"trigon/internal/engine/deferred"
)

// JobStatus represents the state of a deferred job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// DeferredJobs is the durable deferred-execution queue. Enqueue happens in
// the dispatching transaction, so a rolled-back dispatch never leaks jobs;
// the worker claims and runs jobs in their own transactions.
type DeferredJobs struct {
	txManager *TxManager
}

// NewDeferredJobs creates the queue repository.
func NewDeferredJobs(txManager *TxManager) *DeferredJobs {
	return &DeferredJobs{txManager: txManager}
}

var _ deferred.Queue = (*DeferredJobs)(nil)

// Enqueue implements deferred.Queue. MUST be called inside a transaction
// context so the job commits atomically with the dispatch that scheduled it.
func (r *DeferredJobs) Enqueue(ctx context.Context, job deferred.Job) error {
	tx := r.txManager.GetTx(ctx)
	if tx == nil {
		return fmt.Errorf("deferred enqueue requires transaction context")
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO sys_deferred_jobs
			(id, handler, entity_kind, action, before_ids, after_ids, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
	`, job.ID, job.Handler, job.EntityKind, job.Action, job.BeforeIDs, job.AfterIDs,
		JobStatusPending, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert deferred job: %w", err)
	}
	return nil
}

// claimedJob is the scan target for Claim.
type claimedJob struct {
	ID         id.ID     `db:"id"`
	Handler    string    `db:"handler"`
	EntityKind string    `db:"entity_kind"`
	Action     string    `db:"action"`
	BeforeIDs  []id.ID   `db:"before_ids"`
	AfterIDs   []id.ID   `db:"after_ids"`
	Attempts   int       `db:"attempts"`
	CreatedAt  time.Time `db:"created_at"`
}

// Claim atomically moves up to limit due jobs to processing and returns
// them. SKIP LOCKED lets multiple workers poll without contention.
func (r *DeferredJobs) Claim(ctx context.Context, limit int) ([]deferred.Job, error) {
	querier := r.txManager.GetQuerier(ctx)

	var rows []claimedJob
	err := pgxscan.Select(ctx, querier, &rows, `
		UPDATE sys_deferred_jobs SET status = $1, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM sys_deferred_jobs
			WHERE status = $2 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, handler, entity_kind, action, before_ids, after_ids, attempts, created_at
	`, JobStatusProcessing, JobStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim deferred jobs: %w", err)
	}

	jobs := make([]deferred.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, deferred.Job{
			ID:         row.ID,
			Handler:    row.Handler,
			EntityKind: row.EntityKind,
			Action:     row.Action,
			BeforeIDs:  row.BeforeIDs,
			AfterIDs:   row.AfterIDs,
			Attempts:   row.Attempts,
			CreatedAt:  row.CreatedAt,
		})
	}
	return jobs, nil
}

// MarkDone finalizes a successfully executed job.
func (r *DeferredJobs) MarkDone(ctx context.Context, jobID id.ID) error {
	querier := r.txManager.GetQuerier(ctx)
	_, err := querier.Exec(ctx, `
		UPDATE sys_deferred_jobs SET status = $1, finished_at = now() WHERE id = $2
	`, JobStatusDone, jobID)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Jobs under the attempt limit return
// to pending with a retry delay; exhausted jobs stay failed for operator
// inspection.
func (r *DeferredJobs) MarkFailed(ctx context.Context, jobID id.ID, jobErr error, maxAttempts int, retryIn time.Duration) error {
	querier := r.txManager.GetQuerier(ctx)
	_, err := querier.Exec(ctx, `
		UPDATE sys_deferred_jobs
		SET status = CASE WHEN attempts >= $2 THEN $3::text ELSE $4::text END,
		    last_error = $5,
		    next_retry_at = now() + $6
		WHERE id = $1
	`, jobID, maxAttempts, JobStatusFailed, JobStatusPending, jobErr.Error(), retryIn)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}
