package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProcessorAlwaysSucceedsAtRateOne(t *testing.T) {
	p := NewProcessor(1.0, 0.3, 3)

	for i := 0; i < 20; i++ {
		res := p.Process(context.Background(), Request{OrderID: "order-1", Amount: 100, Currency: "USD"})
		require.Equal(t, "SUCCEEDED", res.Status)
		require.Equal(t, 1, res.Attempts)
		require.NotEmpty(t, res.TransactionID)
		require.Equal(t, 100.0, res.Amount)
	}
}

func TestProcessorTerminalDeclineIsNotRetried(t *testing.T) {
	// successRate ~0 and transientRate ~0 forces PAYMENT_DECLINED on
	// the first attempt.
	p := NewProcessor(-1, -1, 3)
	p.SuccessRate = 0
	p.TransientRate = 0

	res := p.Process(context.Background(), Request{OrderID: "order-2", Amount: 50, Currency: "USD"})
	require.Equal(t, "FAILED", res.Status)
	require.Equal(t, "PAYMENT_DECLINED", res.ErrorCode)
	require.False(t, res.Retryable)
	require.Equal(t, 1, res.Attempts)
}

func TestProcessorTransientFailureExhaustsRetries(t *testing.T) {
	p := NewProcessor(-1, -1, 2)
	p.SuccessRate = 0
	p.TransientRate = 1

	res := p.Process(context.Background(), Request{OrderID: "order-3", Amount: 50, Currency: "USD"})
	require.Equal(t, "FAILED", res.Status)
	require.True(t, res.Retryable)
	require.Contains(t, transientErrorCodes, res.ErrorCode)
	require.Equal(t, p.MaxRetries+1, res.Attempts)
}

func TestProcessorHonorsContextCancellation(t *testing.T) {
	p := NewProcessor(-1, -1, 3)
	p.SuccessRate = 0
	p.TransientRate = 1

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := p.Process(ctx, Request{OrderID: "order-4", Amount: 50, Currency: "USD"})
	require.Equal(t, "FAILED", res.Status)
	require.True(t, res.Retryable)
}

func TestProcessorDefaults(t *testing.T) {
	p := NewProcessor(0, 0, 0)
	require.Equal(t, 0.9, p.SuccessRate)
	require.Equal(t, 0.3, p.TransientRate)
	require.Equal(t, 3, p.MaxRetries)
}

func TestBackoffDelayGrows(t *testing.T) {
	first := backoffDelay(1)
	third := backoffDelay(3)
	require.Greater(t, third, first)
}
