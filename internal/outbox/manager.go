// Package outbox provides durable publication of domain events: rows
// are written in the same transaction as the business state change
// that caused them, then a relay claims, publishes, retries and
// garbage-collects them. One outbox table is shared by every
// aggregate type in this fabric.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ordersys/fabric/internal/platform/broker"
	"github.com/ordersys/fabric/internal/platform/metrics"
	"github.com/ordersys/fabric/internal/platform/repository"
)

// BatchSize bounds relay memory per poll.
const BatchSize = 50

// RetentionWindow is the default GC window for PUBLISHED rows.
const RetentionWindow = 7 * 24 * time.Hour

// Manager drains PENDING outbox rows and publishes them to the
// broker. It polls on a ticker; the claim step keeps duplicate
// triggering (or a second relay instance) from double-publishing.
type Manager struct {
	repo    *repository.Repository
	broker  broker.Broker
	metrics *metrics.BusinessMetrics
	log     *slog.Logger

	pollInterval time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func NewManager(repo *repository.Repository, b broker.Broker, m *metrics.BusinessMetrics, log *slog.Logger, pollInterval time.Duration) *Manager {
	return &Manager{
		repo:         repo,
		broker:       b,
		metrics:      m,
		log:          log,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
	}
}

// StartProcessor launches the polling relay loop.
func (m *Manager) StartProcessor() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()

		m.log.Info("outbox relay started", slog.Duration("interval", m.pollInterval))
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				if err := m.ProcessOutbox(context.Background()); err != nil {
					m.log.Error("outbox relay tick failed", slog.Any("error", err))
				}
			}
		}
	}()
}

// StopProcessor stops the relay loop and waits for it to drain.
func (m *Manager) StopProcessor() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// ProcessOutbox drains one batch of due PENDING rows.
func (m *Manager) ProcessOutbox(ctx context.Context) error {
	rows, err := getPendingBatch(ctx, m.repo.DB, BatchSize)
	if err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.OutboxPendingGauge.Set(float64(len(rows)))
	}
	for _, r := range rows {
		if err := m.processOne(ctx, r); err != nil {
			m.log.Error("failed processing outbox row", slog.Int64("id", r.ID), slog.Any("error", err))
		}
	}
	return nil
}

// processOne claims one row, publishes it, and transitions it to
// PUBLISHED/FAILED/retry-PENDING, all inside a single transaction.
func (m *Manager) processOne(ctx context.Context, r pendingRow) error {
	return m.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		claimed, err := claim(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return nil // another relay instance already owns this row
		}

		causationID := r.CausationID.String
		headers := amqp.Table{
			"eventType":     r.EventType,
			"aggregateId":   r.AggregateID,
			"correlationId": r.CorrelationID,
			"messageId":     r.EventID,
		}
		if causationID != "" {
			headers["causationId"] = causationID
		}

		pubErr := m.broker.Publish(ctx, r.RoutingKey, r.Payload, headers)
		if pubErr != nil {
			return m.handlePublishFailure(ctx, tx, r, pubErr)
		}

		if err := markPublished(ctx, tx, r.ID); err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.OutboxPublished.Inc()
		}
		return nil
	})
}

// handlePublishFailure schedules an exponential-backoff retry, or
// marks the row FAILED once retryCount reaches maxRetries. FAILED
// rows stay queryable for operator intervention, never dropped.
func (m *Manager) handlePublishFailure(ctx context.Context, tx *sql.Tx, r pendingRow, pubErr error) error {
	newCount := r.RetryCount + 1
	const maxRetries = 3

	if newCount >= maxRetries {
		if m.metrics != nil {
			m.metrics.OutboxFailed.Inc()
		}
		return markFailed(ctx, tx, r.ID, fmt.Sprintf("max retries exceeded: %v", pubErr))
	}

	delay := backoffDelay(newCount)
	m.log.Warn("outbox publish failed, scheduling retry",
		slog.Int64("id", r.ID), slog.Int("retry_count", newCount), slog.Duration("delay", delay), slog.Any("error", pubErr))

	return incrementRetry(ctx, tx, r.ID, newCount, pubErr.Error(), time.Now().Add(delay))
}

// backoffDelay computes an exponential delay with jitter for the
// attempt-th retry, using cenkalti/backoff's ExponentialBackOff.
func backoffDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0.25

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}
