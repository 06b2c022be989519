package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ordersys/fabric/internal/apperr"
	"github.com/ordersys/fabric/internal/domain"
)

// Store is the Postgres-backed half of the saga: the same
// read-then-guarded-update shape internal/inventory uses, applied to
// the Order aggregate's FSM instead of stock counters.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new order inside tx, alongside whatever outbox row
// the caller writes in the same transaction. Used both for a regular
// createOrder (status PENDING) and for a seckill-origin order entering
// the saga directly at CONFIRMED.
func Create(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	products, err := json.Marshal(o.Products)
	if err != nil {
		return apperr.Fatal("marshal order products", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, user_id, products, total_price, currency, status, origin, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, o.OrderID, o.UserID, products, o.TotalPrice, o.Currency, string(o.Status), string(o.Origin), o.CorrelationID)
	if err != nil {
		return apperr.Transient("insert order", err)
	}
	return nil
}

// CreateIfAbsent is Create's idempotent counterpart, used by the
// seckill.order.won handler: a campaign win is redeliverable, and the
// deterministic orderId it is keyed on means a retry must be a no-op
// rather than a duplicate-key error. Returns created=false when the
// row already existed.
func CreateIfAbsent(ctx context.Context, tx *sql.Tx, o domain.Order) (created bool, err error) {
	products, merr := json.Marshal(o.Products)
	if merr != nil {
		return false, apperr.Fatal("marshal order products", merr)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, user_id, products, total_price, currency, status, origin, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (order_id) DO NOTHING
	`, o.OrderID, o.UserID, products, o.TotalPrice, o.Currency, string(o.Status), string(o.Origin), o.CorrelationID)
	if err != nil {
		return false, apperr.Transient("insert order", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Transient("insert order rows affected", err)
	}
	return n == 1, nil
}

func scanOrder(row interface {
	Scan(...interface{}) error
}) (domain.Order, error) {
	var o domain.Order
	var products []byte
	var status, origin string
	var reason sql.NullString
	if err := row.Scan(&o.OrderID, &o.UserID, &products, &o.TotalPrice, &o.Currency, &status, &origin, &reason,
		&o.CorrelationID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Order{}, apperr.Validation("order not found", err)
		}
		return domain.Order{}, apperr.Transient("scan order", err)
	}
	o.Status = domain.OrderStatus(status)
	o.Origin = domain.OrderOrigin(origin)
	o.CancellationReason = reason.String
	if err := json.Unmarshal(products, &o.Products); err != nil {
		return domain.Order{}, apperr.Fatal("unmarshal order products", err)
	}
	return o, nil
}

// Get returns the order by id.
func (s *Store) Get(ctx context.Context, orderID string) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, user_id, products, total_price, currency, status, origin, cancellation_reason,
		       correlation_id, created_at, updated_at
		FROM orders WHERE order_id = $1
	`, orderID)
	return scanOrder(row)
}

func getTx(ctx context.Context, tx *sql.Tx, orderID string) (domain.Order, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT order_id, user_id, products, total_price, currency, status, origin, cancellation_reason,
		       correlation_id, created_at, updated_at
		FROM orders WHERE order_id = $1 FOR UPDATE
	`, orderID)
	return scanOrder(row)
}

// ErrNoTransition is returned by Transition when the order is already
// in a terminal state or the requested edge is not in the FSM. An
// event arriving in a terminal state is acknowledged and discarded.
var ErrNoTransition = fmt.Errorf("order: no valid transition")

// Transition reads the order FOR UPDATE, checks domain.Order.CanTransition,
// and applies the new status (plus an optional cancellation reason)
// inside tx — the same transaction the caller writes its outbox row
// in. Returns ErrNoTransition (not an error the caller should retry)
// when the guard fails.
func Transition(ctx context.Context, tx *sql.Tx, orderID string, to domain.OrderStatus, cancellationReason string) (domain.Order, error) {
	o, err := getTx(ctx, tx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !o.CanTransition(to) {
		return o, ErrNoTransition
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, cancellation_reason = $3, updated_at = now()
		WHERE order_id = $1
	`, orderID, string(to), nullIfEmpty(cancellationReason))
	if err != nil {
		return domain.Order{}, apperr.Transient("update order status", err)
	}
	o.Status = to
	o.CancellationReason = cancellationReason
	return o, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// UpsertCatalogPrice records/refreshes a product's unit price. It is
// called by Service.SeedCatalog at startup; no product event updates or
// deletes catalogue rows.
func UpsertCatalogPrice(ctx context.Context, db *sql.DB, productID string, price float64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO order_product_catalog (product_id, price)
		VALUES ($1, $2)
		ON CONFLICT (product_id) DO UPDATE SET price = EXCLUDED.price, updated_at = now()
	`, productID, price)
	if err != nil {
		return apperr.Transient("upsert catalog price", err)
	}
	return nil
}

// CatalogPrice resolves a product's current unit price.
func CatalogPrice(ctx context.Context, db *sql.DB, productID string) (float64, error) {
	var price float64
	err := db.QueryRowContext(ctx, `SELECT price FROM order_product_catalog WHERE product_id = $1`, productID).Scan(&price)
	if err == sql.ErrNoRows {
		return 0, apperr.Validation(fmt.Sprintf("unknown product %s", productID), err)
	}
	if err != nil {
		return 0, apperr.Transient("read catalog price", err)
	}
	return price, nil
}
