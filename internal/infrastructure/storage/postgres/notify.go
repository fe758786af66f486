package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"trigon/internal/core/entity"
	"trigon/internal/core/id"
	"trigon/internal/engine/store"
)

// OutboxStatus represents the state of an outbox notification.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxNotifier implements the Notifier contract with a transactional
// outbox: notification events are written in the same transaction as the
// mutations that triggered them, so a rolled-back batch never notifies.
// Delivery (email, webhooks) is an external consumer of sys_outbox.
type OutboxNotifier struct {
	txManager *TxManager
}

// NewOutboxNotifier creates an outbox-backed notifier.
func NewOutboxNotifier(txManager *TxManager) *OutboxNotifier {
	return &OutboxNotifier{txManager: txManager}
}

var _ Notifier = (*OutboxNotifier)(nil)

// RecordsChanged writes one notification event per record within the
// current transaction. MUST be called inside a transaction context.
func (n *OutboxNotifier) RecordsChanged(ctx context.Context, op store.Operation, kind string, records []*entity.Record) error {
	tx := n.txManager.GetTx(ctx)
	if tx == nil {
		return fmt.Errorf("outbox notify requires transaction context")
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	eventType := fmt.Sprintf("%s.%s", kind, op)

	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal notification payload: %w", err)
		}
		batch.Queue(`
			INSERT INTO sys_outbox (id, entity_kind, record_id, event_type, payload, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id.New(), kind, rec.ID, eventType, payload, OutboxStatusPending, now)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert outbox notification: %w", err)
		}
	}
	return nil
}
