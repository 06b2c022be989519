package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ordersys/fabric/internal/apperr"
	"github.com/ordersys/fabric/internal/domain"
	"github.com/ordersys/fabric/internal/eventrouter"
	"github.com/ordersys/fabric/internal/idempotency"
	"github.com/ordersys/fabric/internal/outbox"
	"github.com/ordersys/fabric/internal/platform/broker"
	"github.com/ordersys/fabric/internal/platform/metrics"
	"github.com/ordersys/fabric/internal/platform/repository"
)

const serviceName = "payment"

type resultPayload struct {
	OrderID   string             `json:"orderId"`
	Products  []eventrouter.Item `json:"products"`
	Amount    float64            `json:"amount"`
	Currency  string             `json:"currency"`
	Reason    string             `json:"reason,omitempty"`
	ErrorCode string             `json:"errorCode,omitempty"`
	Retryable bool               `json:"retryable,omitempty"`
}

// Service wires Store, Processor and the outbox into the
// order.confirmed consumer flow.
type Service struct {
	repo      *repository.Repository
	store     *Store
	processor *Processor
	idem      *idempotency.Service
	metrics   *metrics.BusinessMetrics
	log       *slog.Logger
}

func NewService(repo *repository.Repository, store *Store, processor *Processor, idem *idempotency.Service, m *metrics.BusinessMetrics, log *slog.Logger) *Service {
	return &Service{repo: repo, store: store, processor: processor, idem: idem, metrics: m, log: log}
}

// HandleOrderConfirmed is the consumer reacting to order.confirmed:
// dedupe, claim, process, then commit exactly one terminal outcome.
func (s *Service) HandleOrderConfirmed(ctx context.Context, env eventrouter.Envelope) error {
	// 1. Rejects duplicate order.confirmed via idempotency key = orderId.
	if s.idem.IsProcessed(ctx, "order.confirmed", env.OrderID) {
		return nil
	}

	// 2+3. Conditional create-if-absent + atomic transition to PROCESSING.
	shouldProcess, p, err := s.claimForProcessing(ctx, env)
	if err != nil {
		return err
	}
	if !shouldProcess {
		return s.idem.MarkProcessed(ctx, "order.confirmed", env.OrderID)
	}

	// 4. Invoke the processor.
	result := s.processor.Process(ctx, Request{OrderID: env.OrderID, Amount: p.Amount, Currency: p.Currency})
	if s.metrics != nil {
		outcome := "succeeded"
		if result.Status != "SUCCEEDED" {
			outcome = "failed"
		}
		s.metrics.PaymentAttempts.WithLabelValues(outcome).Inc()
	}

	// 5/6. Atomic terminal transition + outbox event, deterministic
	// eventId, tolerating a duplicate (another instance already won).
	if result.Status == "SUCCEEDED" {
		if err := s.commitSuccess(ctx, env, result); err != nil {
			return err
		}
	} else {
		if err := s.commitFailure(ctx, env, result); err != nil {
			return err
		}
	}

	return s.idem.MarkProcessed(ctx, "order.confirmed", env.OrderID)
}

// claimForProcessing returns shouldProcess=false when a prior
// SUCCEEDED/FAILED row already resolves the order. A PENDING or
// PROCESSING row is (re-)claimed as PROCESSING and processed.
func (s *Service) claimForProcessing(ctx context.Context, env eventrouter.Envelope) (bool, domain.Payment, error) {
	var shouldProcess bool
	var p domain.Payment

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		p, err = CreateIfAbsent(ctx, tx, env.OrderID, env.Amount, env.Currency, env.CorrelationID)
		if err != nil {
			return err
		}

		switch p.Status {
		case domain.PaymentSucceeded, domain.PaymentFailed:
			shouldProcess = false
			return nil
		}

		transitioned, err := Transition(ctx, tx, env.OrderID, domain.PaymentProcessing)
		if err == ErrNoTransition {
			shouldProcess = false
			return nil
		}
		if err != nil {
			return err
		}
		p = transitioned
		shouldProcess = true
		return nil
	})
	return shouldProcess, p, err
}

func (s *Service) commitSuccess(ctx context.Context, env eventrouter.Envelope, result Result) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := CompleteSuccess(ctx, tx, env.OrderID, result); err != nil {
			if err == ErrNoTransition {
				return nil
			}
			return err
		}
		payload, err := json.Marshal(resultPayload{
			OrderID: env.OrderID, Products: env.Products, Amount: result.Amount, Currency: result.Currency,
		})
		if err != nil {
			return apperr.Fatal("marshal payment.succeeded payload", err)
		}
		return outbox.Create(ctx, tx, outbox.CreateParams{
			EventID:       fmt.Sprintf("payment-succeeded:%s", env.OrderID),
			AggregateID:   env.OrderID,
			AggregateType: "payment",
			EventType:     broker.PaymentSucceeded,
			Payload:       payload,
			RoutingKey:    broker.PaymentSucceeded,
			CorrelationID: env.CorrelationID,
			Service:       serviceName,
		})
	})
	// A duplicate eventId on the outbox resolves via ON CONFLICT DO
	// NOTHING inside outbox.Create: another instance already
	// completed, so there is no distinct error path to special-case.
	return err
}

func (s *Service) commitFailure(ctx context.Context, env eventrouter.Envelope, result Result) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := CompleteFailure(ctx, tx, env.OrderID, result); err != nil {
			if err == ErrNoTransition {
				return nil
			}
			return err
		}
		payload, err := json.Marshal(resultPayload{
			OrderID: env.OrderID, Products: env.Products, Amount: env.Amount, Currency: env.Currency,
			Reason: result.Reason, ErrorCode: result.ErrorCode, Retryable: result.Retryable,
		})
		if err != nil {
			return apperr.Fatal("marshal payment.failed payload", err)
		}
		return outbox.Create(ctx, tx, outbox.CreateParams{
			EventID:       fmt.Sprintf("payment-failed:%s", env.OrderID),
			AggregateID:   env.OrderID,
			AggregateType: "payment",
			EventType:     broker.PaymentFailed,
			Payload:       payload,
			RoutingKey:    broker.PaymentFailed,
			CorrelationID: env.CorrelationID,
			Service:       serviceName,
		})
	})
}

// GetPayment exposes the current payment state for operator tooling
// and tests; the payment service has no HTTP surface of its own.
func (s *Service) GetPayment(ctx context.Context, orderID string) (domain.Payment, error) {
	return s.store.Get(ctx, orderID)
}
