package payment

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ordersys/fabric/internal/domain"
	"github.com/ordersys/fabric/internal/eventrouter"
	"github.com/ordersys/fabric/internal/idempotency"
	"github.com/ordersys/fabric/internal/platform/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memFast struct{ values map[string]string }

func (m *memFast) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memFast) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.values[key] = value
	return nil
}

func newTestService(t *testing.T, successRate float64) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := &repository.Repository{DB: db}
	processor := NewProcessor(-1, -1, 1)
	processor.SuccessRate = successRate
	processor.TransientRate = 0
	idem := idempotency.New("payment", &memFast{values: map[string]string{}}, nil, testLogger())
	svc := NewService(repo, NewStore(db), processor, idem, nil, testLogger())
	return svc, mock
}

var paymentCols = []string{"order_id", "status", "amount", "currency", "transaction_id", "reason",
	"attempts", "error_history", "correlation_id", "processed_at"}

func paymentRow(status string) *sqlmock.Rows {
	return sqlmock.NewRows(paymentCols).
		AddRow("order-1", status, 100.0, "USD", nil, nil, 0, []byte(`[]`), "corr-1", nil)
}

func confirmedEnvelope() eventrouter.Envelope {
	return eventrouter.Envelope{
		Type:          "order.confirmed",
		OrderID:       "order-1",
		Amount:        100.0,
		Currency:      "USD",
		CorrelationID: "corr-1",
		Products:      []eventrouter.Item{{ProductID: "p1", Quantity: 2, Price: 50}},
	}
}

func TestHandleOrderConfirmedSucceedsAndEmitsExactlyOneEvent(t *testing.T) {
	svc, mock := newTestService(t, 1.0)

	// Claim transaction: create-if-absent, read, transition to
	// PROCESSING.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT order_id, status").
		WithArgs("order-1").
		WillReturnRows(paymentRow("PENDING"))
	mock.ExpectQuery("SELECT order_id, status").
		WithArgs("order-1").
		WillReturnRows(paymentRow("PENDING"))
	mock.ExpectExec("UPDATE payments SET status").
		WithArgs("order-1", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Commit transaction: terminal transition + gateway result +
	// deterministic outbox event, all-or-nothing.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT order_id, status").
		WithArgs("order-1").
		WillReturnRows(paymentRow("PROCESSING"))
	mock.ExpectExec("UPDATE payments SET status").
		WithArgs("order-1", "SUCCEEDED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payments SET transaction_id").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.HandleOrderConfirmed(context.Background(), confirmedEnvelope()))
	require.NoError(t, mock.ExpectationsWereMet())

	// A redelivery is absorbed by the idempotency marker without any
	// further database work.
	require.NoError(t, svc.HandleOrderConfirmed(context.Background(), confirmedEnvelope()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleOrderConfirmedAcksWhenPaymentAlreadySucceeded(t *testing.T) {
	svc, mock := newTestService(t, 1.0)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT order_id, status").
		WithArgs("order-1").
		WillReturnRows(paymentRow("SUCCEEDED"))
	mock.ExpectCommit()

	require.NoError(t, svc.HandleOrderConfirmed(context.Background(), confirmedEnvelope()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleOrderConfirmedReclaimsPaymentLeftInProcessing(t *testing.T) {
	svc, mock := newTestService(t, 1.0)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT order_id, status").
		WithArgs("order-1").
		WillReturnRows(paymentRow("PROCESSING"))
	mock.ExpectQuery("SELECT order_id, status").
		WithArgs("order-1").
		WillReturnRows(paymentRow("PROCESSING"))
	mock.ExpectExec("UPDATE payments SET status").
		WithArgs("order-1", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// PROCESSING -> PROCESSING is a valid re-claim here: the guard
	// admits PENDING and PROCESSING, and the terminal transition later
	// settles the winner. What matters is that a pre-existing terminal
	// row short-circuits (covered above) while PROCESSING continues.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT order_id, status").
		WithArgs("order-1").
		WillReturnRows(paymentRow("PROCESSING"))
	mock.ExpectExec("UPDATE payments SET status").
		WithArgs("order-1", "SUCCEEDED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payments SET transaction_id").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.HandleOrderConfirmed(context.Background(), confirmedEnvelope()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleOrderConfirmedFailureEmitsPaymentFailedWithProducts(t *testing.T) {
	svc, mock := newTestService(t, 0)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT order_id, status").
		WithArgs("order-1").
		WillReturnRows(paymentRow("PENDING"))
	mock.ExpectQuery("SELECT order_id, status").
		WithArgs("order-1").
		WillReturnRows(paymentRow("PENDING"))
	mock.ExpectExec("UPDATE payments SET status").
		WithArgs("order-1", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT order_id, status").
		WithArgs("order-1").
		WillReturnRows(paymentRow("PROCESSING"))
	mock.ExpectExec("UPDATE payments SET status").
		WithArgs("order-1", "FAILED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payments SET reason").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.HandleOrderConfirmed(context.Background(), confirmedEnvelope()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentFSMGuards(t *testing.T) {
	p := domain.Payment{Status: domain.PaymentSucceeded}
	require.False(t, p.CanTransition(domain.PaymentProcessing))
	require.False(t, p.CanTransition(domain.PaymentFailed))

	p.Status = domain.PaymentPending
	require.True(t, p.CanTransition(domain.PaymentProcessing))
	require.True(t, p.CanTransition(domain.PaymentFailed))
}
