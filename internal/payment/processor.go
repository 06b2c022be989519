// Package payment provides a mock payment gateway with a configurable
// success rate, transient/terminal failure classification, and the
// idempotent consumer driving the Payment record's
// PENDING->PROCESSING->{SUCCEEDED,FAILED} progression.
package payment

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Request is the processor's public contract input.
type Request struct {
	OrderID  string
	Amount   float64
	Currency string
}

// Result is the processor's public contract output.
type Result struct {
	Status        string // SUCCEEDED | FAILED
	TransactionID string
	ProcessedAt   time.Time
	Amount        float64
	Currency      string
	Attempts      int
	Reason        string
	ErrorCode     string
	Retryable     bool
}

// transientErrorCodes classify a failure as retryable.
var transientErrorCodes = []string{"GATEWAY_TIMEOUT", "NETWORK_ERROR", "SERVICE_UNAVAILABLE", "RATE_LIMITED"}

// Processor is the mock payment gateway. SuccessRate and
// TransientRate default to 0.9/0.3; MaxRetries defaults to 3.
type Processor struct {
	SuccessRate   float64
	TransientRate float64
	MaxRetries    int
	rand          *rand.Rand
}

func NewProcessor(successRate, transientRate float64, maxRetries int) *Processor {
	if successRate == 0 {
		successRate = 0.9
	}
	if transientRate == 0 {
		transientRate = 0.3
	}
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &Processor{
		SuccessRate:   successRate,
		TransientRate: transientRate,
		MaxRetries:    maxRetries,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Process runs the mock gateway up to MaxRetries+1 attempts: each
// attempt that rolls a transient failure sleeps out an exponential
// backoff (base·2^attempt ±25% jitter) before retrying; a terminal
// failure or final attempt returns immediately.
func (p *Processor) Process(ctx context.Context, req Request) Result {
	attempts := 0
	for {
		attempts++
		if p.rand.Float64() < p.SuccessRate {
			return Result{
				Status:        "SUCCEEDED",
				TransactionID: "txn_" + randomHex(p.rand),
				ProcessedAt:   time.Now(),
				Amount:        req.Amount,
				Currency:      req.Currency,
				Attempts:      attempts,
			}
		}

		transient := p.rand.Float64() < p.TransientRate
		if !transient {
			return Result{
				Status:    "FAILED",
				Attempts:  attempts,
				Reason:    "card declined by issuer",
				ErrorCode: "PAYMENT_DECLINED",
				Retryable: false,
			}
		}

		errorCode := transientErrorCodes[p.rand.Intn(len(transientErrorCodes))]
		if attempts > p.MaxRetries {
			return Result{
				Status:    "FAILED",
				Attempts:  attempts,
				Reason:    "gateway unavailable after retries",
				ErrorCode: errorCode,
				Retryable: true,
			}
		}

		select {
		case <-ctx.Done():
			return Result{Status: "FAILED", Attempts: attempts, Reason: ctx.Err().Error(), ErrorCode: "NETWORK_ERROR", Retryable: true}
		case <-time.After(backoffDelay(attempts)):
		}
	}
}

func randomHex(r *rand.Rand) string {
	const alphabet = "0123456789abcdef"
	b := make([]byte, 16)
	for i := range b {
		b[i] = alphabet[r.Intn(len(alphabet))]
	}
	return string(b)
}

// backoffDelay mirrors internal/outbox's exponential-backoff-with-
// jitter computation, using the same cenkalti/backoff primitive.
func backoffDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0.25

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}
