package seckill

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ordersys/fabric/internal/domain"
	"github.com/ordersys/fabric/internal/platform/broker"
	"github.com/ordersys/fabric/internal/platform/kv"
)

type fakeBroker struct {
	published  []publishedMsg
	publishErr error
}

type publishedMsg struct {
	routingKey string
	body       []byte
}

func (f *fakeBroker) Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{routingKey: routingKey, body: body})
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

func newTestService(t *testing.T, b broker.Broker) (*Service, *miniredis.Miniredis, sqlmock.Sqlmock) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewStore(&kv.KeyValue{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
	store.RateLimit = 1000
	store.RateWindow = time.Second

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := NewService(store, NewJournal(db), b, nil, testLogger())
	require.NoError(t, svc.Init(context.Background(), "p1", 3, 19.99,
		time.Now().Add(-time.Minute), time.Now().Add(time.Hour)))
	return svc, mr, mock
}

func TestBuyPublishesWinEvent(t *testing.T) {
	b := &fakeBroker{}
	svc, _, mock := newTestService(t, b)

	outcome, correlationID, err := svc.Buy(context.Background(), "p1", "u1")
	require.NoError(t, err)
	require.Equal(t, domain.ReserveWon, outcome)
	require.NotEmpty(t, correlationID)

	require.Len(t, b.published, 1)
	require.Equal(t, "seckill.order.won", b.published[0].routingKey)

	var payload struct {
		ProductID     string  `json:"productId"`
		UserID        string  `json:"userId"`
		Price         float64 `json:"price"`
		CorrelationID string  `json:"correlationId"`
	}
	require.NoError(t, json.Unmarshal(b.published[0].body, &payload))
	require.Equal(t, "p1", payload.ProductID)
	require.Equal(t, "u1", payload.UserID)
	require.Equal(t, 19.99, payload.Price)
	require.Equal(t, correlationID, payload.CorrelationID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuyJournalsGhostOrderWhenPublishFails(t *testing.T) {
	b := &fakeBroker{publishErr: errors.New("broker down")}
	svc, mr, mock := newTestService(t, b)

	mock.ExpectExec("INSERT INTO seckill_ghost_orders").
		WithArgs("p1", "u1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	outcome, correlationID, err := svc.Buy(context.Background(), "p1", "u1")
	require.NoError(t, err)
	require.Equal(t, domain.ReserveWon, outcome)
	require.NotEmpty(t, correlationID)

	// The reservation stands: the win is not rolled back because the
	// side-effect event could not be published.
	stock, _ := mr.Get("seckill:stock:p1")
	require.Equal(t, "2", stock)
	isWinner, err := mr.SIsMember("seckill:winners:p1", "u1")
	require.NoError(t, err)
	require.True(t, isWinner)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuyDoesNotPublishOnRejection(t *testing.T) {
	b := &fakeBroker{}
	svc, _, _ := newTestService(t, b)

	_, _, err := svc.Buy(context.Background(), "p1", "u1")
	require.NoError(t, err)

	outcome, _, err := svc.Buy(context.Background(), "p1", "u1")
	require.NoError(t, err)
	require.Equal(t, domain.ReserveAlreadyPurchased, outcome)
	require.Len(t, b.published, 1)
}

func TestReleasePublishesReleasedEventOnce(t *testing.T) {
	b := &fakeBroker{}
	svc, _, _ := newTestService(t, b)

	_, _, err := svc.Buy(context.Background(), "p1", "u1")
	require.NoError(t, err)

	require.NoError(t, svc.Release(context.Background(), "p1", "u1"))
	require.NoError(t, svc.Release(context.Background(), "p1", "u1"))

	var released int
	for _, msg := range b.published {
		if msg.routingKey == "seckill.released" {
			released++
		}
	}
	require.Equal(t, 1, released)
}

func TestReplayGhostOrdersRepublishesAndMarks(t *testing.T) {
	b := &fakeBroker{}
	svc, _, mock := newTestService(t, b)

	cols := []string{"id", "product_id", "user_id", "correlation_id", "payload", "created_at"}
	mock.ExpectQuery("SELECT id, product_id").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "p1", "u9", "corr-9", []byte(`{"productId":"p1","userId":"u9"}`), time.Now()))
	mock.ExpectExec("UPDATE seckill_ghost_orders SET replayed_at").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := svc.ReplayGhostOrders(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, b.published, 1)
	require.Equal(t, "seckill.order.won", b.published[0].routingKey)
	require.NoError(t, mock.ExpectationsWereMet())
}
