package order

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

func testEnvelope(eventType, orderID string) eventrouter.Envelope {
	return eventrouter.Envelope{Type: eventType, OrderID: orderID, CorrelationID: "corr-1"}
}

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

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := &repository.Repository{DB: db}
	idem := idempotency.New("orders", &memFast{values: map[string]string{}}, nil, testLogger())
	svc := NewService(repo, NewStore(db), nil, idem, nil, testLogger())
	return svc, mock
}

func TestCreateOrderRejectsEmptyItems(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateOrder(context.Background(), "user-1", nil)
	require.Error(t, err)
}

func TestCreateOrderRejectsNonPositiveQuantity(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateOrder(context.Background(), "user-1", []RequestLine{{ProductID: "p1", Quantity: 0}})
	require.Error(t, err)
}

func TestCreateOrderPersistsOrderAndOutboxAtomically(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT price FROM order_product_catalog").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"price"}).AddRow(50.0))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	o, err := svc.CreateOrder(context.Background(), "user-1", []RequestLine{{ProductID: "p1", Quantity: 2}})
	require.NoError(t, err)
	require.Equal(t, domain.OrderPending, o.Status)
	require.Equal(t, 100.0, o.TotalPrice)
	require.NotEmpty(t, o.OrderID)
	require.NotEmpty(t, o.CorrelationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrderRollsBackWhenOutboxWriteFails(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT price FROM order_product_catalog").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"price"}).AddRow(50.0))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	_, err := svc.CreateOrder(context.Background(), "user-1", []RequestLine{{ProductID: "p1", Quantity: 2}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrderRejectsUnknownProduct(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT price FROM order_product_catalog").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"price"}))

	_, err := svc.CreateOrder(context.Background(), "user-1", []RequestLine{{ProductID: "ghost", Quantity: 1}})
	require.Error(t, err)
}

var orderCols = []string{"order_id", "user_id", "products", "total_price", "currency", "status",
	"origin", "cancellation_reason", "correlation_id", "created_at", "updated_at"}

func pendingOrderRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(orderCols).
		AddRow("order-1", "user-1", []byte(`[{"productId":"p1","quantity":2,"unitPrice":50}]`),
			100.0, "USD", "PENDING", "", nil, "corr-1", now, now)
}

func paidOrderRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(orderCols).
		AddRow("order-1", "user-1", []byte(`[{"productId":"p1","quantity":2,"unitPrice":50}]`),
			100.0, "USD", "PAID", "", nil, "corr-1", now, now)
}

func TestOnInventoryReservedSuccessConfirmsAndEmitsConfirmed(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT order_id, user_id").
		WithArgs("order-1").
		WillReturnRows(pendingOrderRow())
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs("order-1", "CONFIRMED", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	env := testEnvelope("inventory.reserved.success", "order-1")
	require.NoError(t, svc.OnInventoryReservedSuccess(context.Background(), env))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOnPaymentSucceededInTerminalStateIsNoOp(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT order_id, user_id").
		WithArgs("order-1").
		WillReturnRows(paidOrderRow())
	mock.ExpectCommit()

	env := testEnvelope("payment.succeeded", "order-1")
	require.NoError(t, svc.OnPaymentSucceeded(context.Background(), env))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDuplicatePaymentSucceededIsSuppressedWithoutTouchingTheStore(t *testing.T) {
	svc, mock := newTestService(t)
	env := testEnvelope("payment.succeeded", "order-1")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT order_id, user_id").
		WithArgs("order-1").
		WillReturnRows(pendingOrderRow())
	mock.ExpectCommit()

	// First delivery: PENDING order cannot go straight to PAID, the
	// guard absorbs it, and the marker is still written.
	require.NoError(t, svc.OnPaymentSucceeded(context.Background(), env))

	// Second delivery: suppressed by the idempotency marker — no
	// further database expectations.
	require.NoError(t, svc.OnPaymentSucceeded(context.Background(), env))
	require.NoError(t, mock.ExpectationsWereMet())
}
