package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ordersys/fabric/internal/apperr"
	"github.com/ordersys/fabric/internal/domain"
)

// Store is the Postgres-backed half of the payment consumer: the same
// read-FOR-UPDATE-then-guarded-update shape internal/order and
// internal/inventory use.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ErrNoTransition mirrors internal/order's sentinel for a guard
// failure that is not itself an error condition.
var ErrNoTransition = fmt.Errorf("payment: no valid transition")

// CreateIfAbsent inserts a PENDING row unless one already exists for
// orderId; the resulting row (new or pre-existing) is returned either
// way, so the caller can branch on its Status.
func CreateIfAbsent(ctx context.Context, tx *sql.Tx, orderID string, amount float64, currency, correlationID string) (domain.Payment, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payments (order_id, status, amount, currency, correlation_id)
		VALUES ($1, 'PENDING', $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING
	`, orderID, amount, currency, correlationID)
	if err != nil {
		return domain.Payment{}, apperr.Transient("insert payment", err)
	}

	return getTx(ctx, tx, orderID)
}

func scanPayment(row interface{ Scan(...interface{}) error }) (domain.Payment, error) {
	var p domain.Payment
	var status string
	var txnID, reason sql.NullString
	var history []byte
	var processedAt sql.NullTime
	if err := row.Scan(&p.OrderID, &status, &p.Amount, &p.Currency, &txnID, &reason,
		&p.Attempts, &history, &p.CorrelationID, &processedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Payment{}, apperr.Validation("payment not found", err)
		}
		return domain.Payment{}, apperr.Transient("scan payment", err)
	}
	p.Status = domain.PaymentStatus(status)
	p.TransactionID = txnID.String
	p.Reason = reason.String
	if processedAt.Valid {
		t := processedAt.Time
		p.ProcessedAt = &t
	}
	if len(history) > 0 {
		_ = json.Unmarshal(history, &p.ErrorHistory)
	}
	return p, nil
}

func getTx(ctx context.Context, tx *sql.Tx, orderID string) (domain.Payment, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT order_id, status, amount, currency, transaction_id, reason, attempts, error_history, correlation_id, processed_at
		FROM payments WHERE order_id = $1 FOR UPDATE
	`, orderID)
	return scanPayment(row)
}

// Get returns the payment by orderId.
func (s *Store) Get(ctx context.Context, orderID string) (domain.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, status, amount, currency, transaction_id, reason, attempts, error_history, correlation_id, processed_at
		FROM payments WHERE order_id = $1
	`, orderID)
	return scanPayment(row)
}

// Transition reads the payment row FOR UPDATE, checks
// domain.Payment.CanTransition, and applies the new status inside tx.
// Returns ErrNoTransition when the guard fails — the row is already
// terminal (another instance completed it).
func Transition(ctx context.Context, tx *sql.Tx, orderID string, to domain.PaymentStatus) (domain.Payment, error) {
	p, err := getTx(ctx, tx, orderID)
	if err != nil {
		return domain.Payment{}, err
	}
	if !p.CanTransition(to) {
		return p, ErrNoTransition
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET status = $2, updated_at = now() WHERE order_id = $1
	`, orderID, string(to))
	if err != nil {
		return domain.Payment{}, apperr.Transient("update payment status", err)
	}
	p.Status = to
	return p, nil
}

// CompleteSuccess atomically transitions to SUCCEEDED and records the
// gateway result.
func CompleteSuccess(ctx context.Context, tx *sql.Tx, orderID string, result Result) (domain.Payment, error) {
	p, err := Transition(ctx, tx, orderID, domain.PaymentSucceeded)
	if err != nil {
		return p, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET transaction_id = $2, attempts = $3, processed_at = $4, updated_at = now()
		WHERE order_id = $1
	`, orderID, result.TransactionID, result.Attempts, result.ProcessedAt)
	if err != nil {
		return domain.Payment{}, apperr.Transient("record payment success", err)
	}
	p.TransactionID = result.TransactionID
	p.Attempts = result.Attempts
	return p, nil
}

// CompleteFailure atomically transitions to FAILED and appends the
// failure to the error history.
func CompleteFailure(ctx context.Context, tx *sql.Tx, orderID string, result Result) (domain.Payment, error) {
	p, err := Transition(ctx, tx, orderID, domain.PaymentFailed)
	if err != nil {
		return p, err
	}

	p.ErrorHistory = append(p.ErrorHistory, domain.PaymentAttempt{
		At:           result.ProcessedAt,
		ErrorCode:    result.ErrorCode,
		Reason:       result.Reason,
		Retryable:    result.Retryable,
		Compensation: true,
	})
	history, err := json.Marshal(p.ErrorHistory)
	if err != nil {
		return domain.Payment{}, apperr.Fatal("marshal payment error history", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET reason = $2, attempts = $3, error_history = $4, updated_at = now()
		WHERE order_id = $1
	`, orderID, result.Reason, result.Attempts, history)
	if err != nil {
		return domain.Payment{}, apperr.Transient("record payment failure", err)
	}
	p.Reason = result.Reason
	p.Attempts = result.Attempts
	return p, nil
}
