package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/klauspost/compress/zstd"

	"trigon/internal/core/id"
	"trigon/internal/engine/mutation"
	"trigon/pkg/logger"
)

// CompressionAlgo specifies the compression algorithm used for stored
// failure detail.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// zstdEncoder is shared: EncodeAll is safe for concurrent use.
var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

// ErrorLog persists mutation-batch failures to sys_error_log for operator
// inspection. It implements mutation.Reporter: fire-and-forget, never
// panics, never returns an error — a logging failure must not mask the
// failure being logged.
//
// Failure detail (the full rejected record) can be large; payloads above
// the threshold are zstd-compressed.
type ErrorLog struct {
	pool              *Pool
	compressThreshold int // bytes
}

var _ mutation.Reporter = (*ErrorLog)(nil)

// NewErrorLog creates the error log sink. It writes through the pool, not
// the transaction in context: reports are made on the rollback path, and a
// report written inside the aborting transaction would vanish with it.
func NewErrorLog(pool *Pool) *ErrorLog {
	return &ErrorLog{
		pool:              pool,
		compressThreshold: 10 * 1024,
	}
}

// Report implements mutation.Reporter.
func (l *ErrorLog) Report(ctx context.Context, failures []mutation.Failure, contextLabel string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(ctx, "error report persistence panicked", "panic", rec)
		}
	}()

	now := time.Now().UTC()

	for _, f := range failures {
		var recordID any
		var recordKind string
		var detail []byte
		if f.Record != nil {
			recordID = f.Record.ID
			recordKind = f.Record.Kind
			detail, _ = json.Marshal(f.Record)
		}

		messages, _ := json.Marshal(f.Messages)

		algo := CompressionNone
		if len(detail) > l.compressThreshold && zstdEncoder != nil {
			detail = zstdEncoder.EncodeAll(detail, nil)
			algo = CompressionZstd
		}

		_, err := l.pool.Exec(ctx, `
			INSERT INTO sys_error_log
				(id, context_label, record_id, record_kind, messages, detail, compression_algo, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, id.New(), contextLabel, recordID, recordKind, messages, detail, algo, now)
		if err != nil {
			logger.Error(ctx, "failed to persist error report",
				"context", contextLabel, "error", err)
		}
	}
}
