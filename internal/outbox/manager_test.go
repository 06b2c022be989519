package outbox

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/ordersys/fabric/internal/platform/broker"
	"github.com/ordersys/fabric/internal/platform/repository"
)

type fakeBroker struct {
	published  []publishedMsg
	publishErr error
}

type publishedMsg struct {
	routingKey string
	body       []byte
	headers    amqp.Table
}

func (f *fakeBroker) Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{routingKey: routingKey, body: body, headers: headers})
	return nil
}

func (f *fakeBroker) Consume(queue, routingKey string) (<-chan amqp.Delivery, error) {
	return nil, errors.New("not implemented in fake")
}

func (f *fakeBroker) HandleRetry(d *amqp.Delivery) error { return nil }

func (f *fakeBroker) Close() error { return nil }

var _ broker.Broker = (*fakeBroker)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, b broker.Broker) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := NewManager(&repository.Repository{DB: db}, b, nil, testLogger(), time.Second)
	return m, mock
}

func samplePendingRow(retryCount int) pendingRow {
	return pendingRow{
		ID:            7,
		EventID:       "order-created:order-1",
		AggregateID:   "order-1",
		AggregateType: "order",
		EventType:     "order.created",
		Payload:       []byte(`{"orderId":"order-1"}`),
		RoutingKey:    "order.created",
		CorrelationID: "corr-1",
		Service:       "orders",
		RetryCount:    retryCount,
	}
}

func TestProcessOnePublishesAndMarksPublished(t *testing.T) {
	b := &fakeBroker{}
	m, mock := newTestManager(t, b)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events SET status = 'PUBLISHING'").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_events SET status = 'PUBLISHED'").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.processOne(context.Background(), samplePendingRow(0)))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, b.published, 1)
	require.Equal(t, "order.created", b.published[0].routingKey)
	require.Equal(t, "order-created:order-1", b.published[0].headers["messageId"])
	require.Equal(t, "corr-1", b.published[0].headers["correlationId"])
}

func TestProcessOneSkipsRowClaimedElsewhere(t *testing.T) {
	b := &fakeBroker{}
	m, mock := newTestManager(t, b)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events SET status = 'PUBLISHING'").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, m.processOne(context.Background(), samplePendingRow(0)))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Empty(t, b.published)
}

func TestProcessOneSchedulesRetryOnPublishFailure(t *testing.T) {
	b := &fakeBroker{publishErr: errors.New("broker down")}
	m, mock := newTestManager(t, b)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events SET status = 'PUBLISHING'").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_events SET status = 'PENDING', retry_count").
		WithArgs(int64(7), 1, "broker down", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.processOne(context.Background(), samplePendingRow(0)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOneMarksFailedAfterMaxRetries(t *testing.T) {
	b := &fakeBroker{publishErr: errors.New("broker still down")}
	m, mock := newTestManager(t, b)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events SET status = 'PUBLISHING'").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_events SET status = 'FAILED'").
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.processOne(context.Background(), samplePendingRow(2)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOutboxDrainsPendingBatch(t *testing.T) {
	b := &fakeBroker{}
	m, mock := newTestManager(t, b)

	cols := []string{"id", "event_id", "aggregate_id", "aggregate_type", "event_type", "payload",
		"routing_key", "correlation_id", "causation_id", "service", "retry_count"}
	mock.ExpectQuery("SELECT id, event_id").
		WithArgs(BatchSize).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(7), "order-created:order-1", "order-1", "order", "order.created",
				[]byte(`{}`), "order.created", "corr-1", sql.NullString{}, "orders", 0))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events SET status = 'PUBLISHING'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_events SET status = 'PUBLISHED'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.ProcessOutbox(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, b.published, 1)
}

func TestCleanupProcessedDeletesOnlyPublished(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM outbox_events WHERE status = 'PUBLISHED'").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := CleanupProcessed(context.Background(), db, RetentionWindow)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackoffDelayGrowsWithAttempts(t *testing.T) {
	require.Greater(t, backoffDelay(3), backoffDelay(1))
}
