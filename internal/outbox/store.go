package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ordersys/fabric/internal/domain"
)

// CreateParams describes one outbox row to enqueue.
type CreateParams struct {
	EventID       string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	RoutingKey    string
	CorrelationID string
	CausationID   string
	Service       string
}

// Create writes a PENDING outbox row inside the caller's transaction.
// It becomes visible to the relay iff the enclosing transaction
// commits — the core correctness property of the pattern.
func Create(ctx context.Context, tx *sql.Tx, p CreateParams) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events
			(event_id, aggregate_id, aggregate_type, event_type, payload, routing_key,
			 correlation_id, causation_id, service, status, max_retries)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'PENDING',3)
		ON CONFLICT (event_id) DO NOTHING
	`, p.EventID, p.AggregateID, p.AggregateType, p.EventType, p.Payload, p.RoutingKey,
		p.CorrelationID, p.CausationID, p.Service)
	if err != nil {
		return fmt.Errorf("enqueue outbox event %s: %w", p.EventID, err)
	}
	return nil
}

type pendingRow struct {
	ID            int64
	EventID       string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	RoutingKey    string
	CorrelationID string
	CausationID   sql.NullString
	Service       string
	RetryCount    int
}

// getPendingBatch returns up to limit PENDING rows, FIFO by createdAt
// then id for determinism.
func getPendingBatch(ctx context.Context, db *sql.DB, limit int) ([]pendingRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, event_id, aggregate_id, aggregate_type, event_type, payload, routing_key,
		       correlation_id, causation_id, service, retry_count
		FROM outbox_events
		WHERE status = 'PENDING' AND next_attempt_at <= now()
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox rows: %w", err)
	}
	defer rows.Close()

	var out []pendingRow
	for rows.Next() {
		var r pendingRow
		if err := rows.Scan(&r.ID, &r.EventID, &r.AggregateID, &r.AggregateType, &r.EventType,
			&r.Payload, &r.RoutingKey, &r.CorrelationID, &r.CausationID, &r.Service, &r.RetryCount); err != nil {
			return nil, fmt.Errorf("scan pending outbox row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// claim performs the compare-and-set PENDING->PUBLISHING lease. It
// returns false if another relay instance already claimed the row.
func claim(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'PUBLISHING'
		WHERE id = $1 AND status = 'PENDING'
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim outbox row %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func markPublished(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'PUBLISHED', published_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark outbox row %d published: %w", id, err)
	}
	return nil
}

func markFailed(ctx context.Context, tx *sql.Tx, id int64, reason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'FAILED', last_error = $2
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark outbox row %d failed: %w", id, err)
	}
	return nil
}

func incrementRetry(ctx context.Context, tx *sql.Tx, id int64, newCount int, reason string, nextAttempt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'PENDING', retry_count = $2, last_error = $3, next_attempt_at = $4
		WHERE id = $1
	`, id, newCount, reason, nextAttempt)
	if err != nil {
		return fmt.Errorf("increment retry for outbox row %d: %w", id, err)
	}
	return nil
}

// Retryables returns FAILED rows for operator intervention.
func Retryables(ctx context.Context, db *sql.DB) ([]domain.OutboxEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, event_id, aggregate_id, aggregate_type, event_type, routing_key,
		       correlation_id, service, status, retry_count, max_retries, last_error, created_at
		FROM outbox_events WHERE status = 'FAILED' ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query retryables: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var lastErr sql.NullString
		if err := rows.Scan(&e.ID, &e.EventID, &e.AggregateID, &e.AggregateType, &e.EventType,
			&e.RoutingKey, &e.Metadata.CorrelationID, &e.Metadata.Service, &e.Status,
			&e.RetryCount, &e.MaxRetries, &lastErr, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan retryable row: %w", err)
		}
		e.LastError = lastErr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupProcessed deletes PUBLISHED rows older than retention. FAILED
// rows are never auto-deleted.
func CleanupProcessed(ctx context.Context, db *sql.DB, retention time.Duration) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM outbox_events WHERE status = 'PUBLISHED' AND published_at < $1
	`, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup published outbox rows: %w", err)
	}
	return res.RowsAffected()
}
