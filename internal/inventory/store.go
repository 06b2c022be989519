package inventory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ordersys/fabric/internal/apperr"
	"github.com/ordersys/fabric/internal/domain"
)

// Line is one requested product/quantity pair in a batch operation.
type Line struct {
	ProductID string
	Quantity  int32
}

// Store is the Postgres-backed half of the engine. Mutations are
// atomic conditional UPDATEs so the non-negative counter invariant is
// enforced in the predicate itself, not by a read-then-write.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetRow returns the current row for a product, or apperr.Validation
// if it does not exist.
func (s *Store) GetRow(ctx context.Context, productID string) (domain.InventoryRow, error) {
	return getRow(ctx, s.db, productID)
}

func getRow(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}, productID string) (domain.InventoryRow, error) {
	var row domain.InventoryRow
	var restockedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT product_id, available, reserved, last_restocked_at FROM inventory_items WHERE product_id = $1
	`, productID).Scan(&row.ProductID, &row.Available, &row.Reserved, &restockedAt)
	if err == sql.ErrNoRows {
		return domain.InventoryRow{}, apperr.Validation(fmt.Sprintf("product %s not found", productID), err)
	}
	if err != nil {
		return domain.InventoryRow{}, apperr.Transient("read inventory row", err)
	}
	if restockedAt.Valid {
		row.LastRestockedAt = &restockedAt.Time
	}
	return row, nil
}

// Create inserts a product row, used by the product.created consumer.
// Re-creation of an existing productId resets available (product
// creation is an upsert).
func (s *Store) Create(ctx context.Context, productID string, available int32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_items (product_id, available, reserved)
		VALUES ($1, $2, 0)
		ON CONFLICT (product_id) DO UPDATE SET available = EXCLUDED.available, updated_at = now()
	`, productID, available)
	if err != nil {
		return apperr.Transient("create inventory row", err)
	}
	return nil
}

// Delete removes a product row, used by the product.deleted consumer.
func (s *Store) Delete(ctx context.Context, productID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM inventory_items WHERE product_id = $1`, productID)
	if err != nil {
		return apperr.Transient("delete inventory row", err)
	}
	return nil
}

// insufficientStockError identifies the first offending productId of a
// batch reserve pre-check failure.
type insufficientStockError struct {
	productID string
}

func (e *insufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s", e.productID)
}

// ReserveBatch performs the read-precheck-batched-update-audit sequence
// inside tx (the caller holds the distributed lock on every productId
// in lines for the duration). Returns an *insufficientStockError if the
// precheck fails, for which the caller writes inventory.reserved.failed;
// a concurrent-modification or db error is returned as a plain error,
// which the caller passes back so the event is redelivered.
func ReserveBatch(ctx context.Context, tx *sql.Tx, orderID, correlationID string, lines []Line) error {
	rowsByID := make(map[string]domain.InventoryRow, len(lines))
	for _, l := range lines {
		row, err := getRow(ctx, tx, l.ProductID)
		if err != nil {
			return err
		}
		rowsByID[l.ProductID] = row
	}

	for _, l := range lines {
		row := rowsByID[l.ProductID]
		if row.Available < l.Quantity {
			return &insufficientStockError{productID: l.ProductID}
		}
	}

	for _, l := range lines {
		res, err := tx.ExecContext(ctx, `
			UPDATE inventory_items
			SET available = available - $1, reserved = reserved + $1, updated_at = now()
			WHERE product_id = $2 AND available >= $1
		`, l.Quantity, l.ProductID)
		if err != nil {
			return apperr.Transient("reserve stock", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperr.Transient("reserve stock rows affected", err)
		}
		if n == 0 {
			return fmt.Errorf("concurrent modification reserving product %s", l.ProductID)
		}

		row := rowsByID[l.ProductID]
		if err := insertAudit(ctx, tx, auditParams{
			ProductID:     l.ProductID,
			Action:        domain.AuditReserve,
			PreviousValue: row.Available,
			NewValue:      row.Available - l.Quantity,
			Delta:         -l.Quantity,
			Reason:        "ORDER_RESERVE",
			OrderID:       orderID,
			CorrelationID: correlationID,
		}); err != nil {
			return err
		}
	}

	return nil
}

// ReleaseLine applies `available += q; reserved -= q` guarded by
// `reserved >= q`. Releasing more than reserved is treated as
// already-released: idempotent success, not an error.
func ReleaseLine(ctx context.Context, tx *sql.Tx, orderID, correlationID, reason string, l Line) error {
	row, err := getRow(ctx, tx, l.ProductID)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET available = available + $1, reserved = reserved - $1, updated_at = now()
		WHERE product_id = $2 AND reserved >= $1
	`, l.Quantity, l.ProductID)
	if err != nil {
		return apperr.Transient("release stock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Transient("release stock rows affected", err)
	}
	if n == 0 {
		// Already released (or never reserved).
		return nil
	}

	return insertAudit(ctx, tx, auditParams{
		ProductID:     l.ProductID,
		Action:        domain.AuditRelease,
		PreviousValue: row.Available,
		NewValue:      row.Available + l.Quantity,
		Delta:         l.Quantity,
		Reason:        reason,
		OrderID:       orderID,
		CorrelationID: correlationID,
	})
}

type auditParams struct {
	ProductID     string
	Action        domain.AuditAction
	PreviousValue int32
	NewValue      int32
	Delta         int32
	Reason        string
	OrderID       string
	CorrelationID string
}

func insertAudit(ctx context.Context, tx *sql.Tx, p auditParams) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_audit
			(product_id, action, previous_value, new_value, delta, reason, order_id, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, p.ProductID, string(p.Action), p.PreviousValue, p.NewValue, p.Delta, p.Reason, p.OrderID, p.CorrelationID)
	if err != nil {
		return apperr.Transient("insert inventory audit entry", err)
	}
	return nil
}
