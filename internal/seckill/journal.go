package seckill

import (
	"context"
	"database/sql"
	"time"

	"github.com/ordersys/fabric/internal/apperr"
)

// Journal persists ghost orders: reservations whose seckill.order.won
// publish failed. The reservation is never rolled back; the journal
// exists purely so an operator can replay the publish later.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Append records a ghost order for later replay. A missing payload is
// stored as an empty object; replay reconstructs it from the row's
// identity columns.
func (j *Journal) Append(ctx context.Context, productID, userID, correlationID string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO seckill_ghost_orders (product_id, user_id, correlation_id, payload)
		VALUES ($1, $2, $3, $4)
	`, productID, userID, correlationID, payload)
	if err != nil {
		return apperr.Transient("append ghost order", err)
	}
	return nil
}

// GhostOrder is one unreplayed journal row.
type GhostOrder struct {
	ID            int64
	ProductID     string
	UserID        string
	CorrelationID string
	Payload       []byte
	CreatedAt     time.Time
}

// ListUnreplayed returns ghost orders an operator has not yet replayed,
// oldest first, bounded by limit.
func (j *Journal) ListUnreplayed(ctx context.Context, limit int) ([]GhostOrder, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, product_id, user_id, correlation_id, payload, created_at
		FROM seckill_ghost_orders
		WHERE replayed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apperr.Transient("list ghost orders", err)
	}
	defer rows.Close()

	var out []GhostOrder
	for rows.Next() {
		var g GhostOrder
		if err := rows.Scan(&g.ID, &g.ProductID, &g.UserID, &g.CorrelationID, &g.Payload, &g.CreatedAt); err != nil {
			return nil, apperr.Transient("scan ghost order", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkReplayed records that a ghost order's event has since been
// published successfully.
func (j *Journal) MarkReplayed(ctx context.Context, id int64) error {
	_, err := j.db.ExecContext(ctx, `UPDATE seckill_ghost_orders SET replayed_at = now() WHERE id = $1`, id)
	if err != nil {
		return apperr.Transient("mark ghost order replayed", err)
	}
	return nil
}
