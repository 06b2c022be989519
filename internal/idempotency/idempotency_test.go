package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFast struct {
	values map[string]string
	getErr error
	setErr error
}

func newFakeFast() *fakeFast { return &fakeFast{values: map[string]string{}} }

func (f *fakeFast) Get(ctx context.Context, key string) (string, bool, error) {
	if f.getErr != nil {
		return "", false, f.getErr
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeFast) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.values[key] = value
	return nil
}

type fakeDurable struct {
	processed map[string]bool
	checkErr  error
}

func newFakeDurable() *fakeDurable { return &fakeDurable{processed: map[string]bool{}} }

func (f *fakeDurable) IsProcessed(ctx context.Context, eventType, id string) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.processed[eventType+":"+id], nil
}

func (f *fakeDurable) MarkProcessed(ctx context.Context, eventType, id string, ttl time.Duration) error {
	f.processed[eventType+":"+id] = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServiceFastPathRoundTrip(t *testing.T) {
	fast := newFakeFast()
	svc := New("orders", fast, nil, testLogger())
	ctx := context.Background()

	require.False(t, svc.IsProcessed(ctx, "payment.succeeded", "order-1"))
	require.NoError(t, svc.MarkProcessed(ctx, "payment.succeeded", "order-1"))
	require.True(t, svc.IsProcessed(ctx, "payment.succeeded", "order-1"))
}

func TestServiceKeyFormat(t *testing.T) {
	fast := newFakeFast()
	svc := New("inventory", fast, nil, testLogger())
	require.NoError(t, svc.MarkProcessed(context.Background(), "order.created", "abc"))
	_, ok := fast.values["inventory:event:processed:order.created:abc"]
	require.True(t, ok)
}

func TestServiceFailsOpenOnFastPathError(t *testing.T) {
	fast := newFakeFast()
	fast.getErr = errors.New("connection refused")
	svc := New("orders", fast, nil, testLogger())

	require.False(t, svc.IsProcessed(context.Background(), "payment.succeeded", "order-1"))
}

func TestServiceFailsOpenOnDurableError(t *testing.T) {
	durable := newFakeDurable()
	durable.checkErr = errors.New("mongo unavailable")
	svc := New("orders", nil, durable, testLogger())

	require.False(t, svc.IsProcessed(context.Background(), "payment.succeeded", "order-1"))
}

func TestServiceDurableLayerConsultedWhenFastPathMisses(t *testing.T) {
	fast := newFakeFast()
	durable := newFakeDurable()
	durable.processed["payment.succeeded:order-9"] = true
	svc := New("orders", fast, durable, testLogger())

	require.True(t, svc.IsProcessed(context.Background(), "payment.succeeded", "order-9"))
}

func TestServiceMarkProcessedWritesThroughBothLayers(t *testing.T) {
	fast := newFakeFast()
	durable := newFakeDurable()
	svc := New("orders", fast, durable, testLogger())

	require.NoError(t, svc.MarkProcessed(context.Background(), "order.created", "order-5"))
	require.True(t, durable.processed["order.created:order-5"])
	_, ok := fast.values["orders:event:processed:order.created:order-5"]
	require.True(t, ok)
}
