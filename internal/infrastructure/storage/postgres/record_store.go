package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"trigon/internal/core/apperror"
	"trigon/internal/core/entity"
	"trigon/internal/core/id"
	"trigon/internal/engine/store"
)

// Notifier delivers record-change notifications when a submission was made
// with the notify option. The transactional outbox implementation lives in
// notify.go; the channel itself is an external collaborator.
type Notifier interface {
	RecordsChanged(ctx context.Context, op store.Operation, kind string, records []*entity.Record) error
}

// RecordStore implements store.Store over per-kind tables with JSONB
// attributes. All operations run against the transaction in context.
type RecordStore struct {
	txManager *TxManager
	tables    map[string]string // entity kind -> table name
	notifier  Notifier          // optional
}

var _ store.Store = (*RecordStore)(nil)

// NewRecordStore creates a record store for the given kind->table mapping.
func NewRecordStore(txManager *TxManager, tables map[string]string, notifier Notifier) *RecordStore {
	return &RecordStore{txManager: txManager, tables: tables, notifier: notifier}
}

func (s *RecordStore) table(kind string) (string, error) {
	table, ok := s.tables[kind]
	if !ok {
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
	return table, nil
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Apply implements store.Store. Statements run one by one, each guarded by
// its own savepoint: a rejected record rolls back only its own statement,
// so siblings in the same submission are unaffected and the transaction
// stays usable. A plain pgx batch cannot do this — the first error would
// poison the whole transaction.
func (s *RecordStore) Apply(ctx context.Context, op store.Operation, kind string, records []*entity.Record, opts store.Options) ([]store.Outcome, error) {
	if len(records) == 0 {
		return nil, nil
	}

	table, err := s.table(kind)
	if err != nil {
		return nil, err
	}

	querier := s.txManager.GetQuerier(ctx)
	inTx := s.txManager.GetTx(ctx) != nil

	outcomes := make([]store.Outcome, 0, len(records))
	for _, rec := range records {
		sql, args, err := s.statement(op, table, rec)
		if err != nil {
			return nil, err
		}

		if inTx {
			if _, err := querier.Exec(ctx, "SAVEPOINT sp_record"); err != nil {
				return nil, fmt.Errorf("create record savepoint: %w", err)
			}
		}

		tag, execErr := querier.Exec(ctx, sql, args...)
		if execErr == nil && op != store.OpCreate && tag.RowsAffected() == 0 {
			execErr = apperror.NewConcurrentModification(kind, rec.ID)
		}

		if inTx {
			stmt := "RELEASE SAVEPOINT sp_record"
			if execErr != nil {
				stmt = "ROLLBACK TO SAVEPOINT sp_record"
			}
			if _, err := querier.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("settle record savepoint: %w", err)
			}
		}

		outcomes = append(outcomes, store.Outcome{Record: rec, Err: execErr})
	}

	if opts.Notify && s.notifier != nil {
		var succeeded []*entity.Record
		for _, oc := range outcomes {
			if !oc.Failed() {
				succeeded = append(succeeded, oc.Record)
			}
		}
		if len(succeeded) > 0 {
			if err := s.notifier.RecordsChanged(ctx, op, kind, succeeded); err != nil {
				return nil, err
			}
		}
	}

	return outcomes, nil
}

// statement builds the SQL for one record operation.
func (s *RecordStore) statement(op store.Operation, table string, rec *entity.Record) (string, []any, error) {
	now := time.Now().UTC()
	switch op {
	case store.OpCreate:
		return builder().
			Insert(table).
			Columns("id", "deletion_mark", "version", "attributes", "created_at", "updated_at").
			Values(rec.ID, rec.DeletionMark, rec.Version, rec.Attributes, rec.CreatedAt, rec.UpdatedAt).
			ToSql()

	case store.OpUpdate:
		// Optimistic lock: expect the version the snapshot was read at.
		return builder().
			Update(table).
			Set("deletion_mark", rec.DeletionMark).
			Set("attributes", rec.Attributes).
			Set("updated_at", now).
			Set("version", squirrel.Expr("version + 1")).
			Where(squirrel.Eq{"id": rec.ID, "version": rec.Version}).
			ToSql()

	case store.OpDelete:
		return builder().
			Update(table).
			Set("deletion_mark", true).
			Set("updated_at", now).
			Set("version", squirrel.Expr("version + 1")).
			Where(squirrel.Eq{"id": rec.ID}).
			ToSql()

	case store.OpRestore:
		return builder().
			Update(table).
			Set("deletion_mark", false).
			Set("updated_at", now).
			Set("version", squirrel.Expr("version + 1")).
			Where(squirrel.Eq{"id": rec.ID}).
			ToSql()
	}
	return "", nil, fmt.Errorf("unknown operation %q", op)
}

// GetByIDs implements store.Store.
func (s *RecordStore) GetByIDs(ctx context.Context, kind string, ids []id.ID) ([]*entity.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	table, err := s.table(kind)
	if err != nil {
		return nil, err
	}

	sql, args, err := builder().
		Select("id", "deletion_mark", "version", "attributes", "created_at", "updated_at").
		From(table).
		Where(squirrel.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var records []*entity.Record
	querier := s.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &records, sql, args...); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}

	for _, rec := range records {
		rec.Kind = kind
	}
	return records, nil
}
