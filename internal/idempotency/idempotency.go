// Package idempotency suppresses duplicate event deliveries: a fast
// fail-open key-value layer backed by an optional durable
// processed-message table. The saga handlers (order transitions,
// inventory reserve/release, payment) check IsProcessed before doing
// any side-effecting work and call MarkProcessed only after the handler
// has fully committed; the product create/delete handlers and the
// seckill release consumer do not use this layer.
package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTTL is the processed-marker lifetime.
const DefaultTTL = 24 * time.Hour

// Checker is the contract every consumer depends on.
type Checker interface {
	IsProcessed(ctx context.Context, eventType, id string) bool
	MarkProcessed(ctx context.Context, eventType, id string) error
}

// fastStore is the subset of internal/platform/kv.KeyValue the fast
// path needs. Declared locally so tests can substitute an in-memory
// fake without a real Redis instance.
type fastStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// durableStore is the subset of internal/platform/durable.ProcessedStore
// the write-through layer needs.
type durableStore interface {
	IsProcessed(ctx context.Context, eventType, id string) (bool, error)
	MarkProcessed(ctx context.Context, eventType, id string, ttl time.Duration) error
}

// Service combines the fast in-memory (Redis) path with an optional
// durable backing store. Pass a literal nil for durableStore when a
// component only needs the fast path (and relies on the outbox's
// eventId uniqueness as the secondary guard).
type Service struct {
	serviceName string
	fast        fastStore
	durable     durableStore
	log         *slog.Logger
}

func New(serviceName string, fast fastStore, durable durableStore, log *slog.Logger) *Service {
	return &Service{serviceName: serviceName, fast: fast, durable: durable, log: log}
}

func (s *Service) key(eventType, id string) string {
	return s.serviceName + ":event:processed:" + eventType + ":" + id
}

// IsProcessed reports whether (eventType, id) was already handled.
// Store errors fail open (return false): a transient Redis outage
// must not block legitimate events, and the outbox eventId uniqueness
// constraint remains as a secondary guard.
func (s *Service) IsProcessed(ctx context.Context, eventType, id string) bool {
	if s.fast != nil {
		v, found, err := s.fast.Get(ctx, s.key(eventType, id))
		if err != nil {
			s.log.Warn("idempotency fast-path check failed, failing open", slog.Any("error", err), slog.String("eventType", eventType), slog.String("id", id))
		} else if found && v != "" {
			return true
		}
	}

	if s.durable != nil {
		processed, err := s.durable.IsProcessed(ctx, eventType, id)
		if err != nil {
			s.log.Warn("idempotency durable check failed, failing open", slog.Any("error", err), slog.String("eventType", eventType), slog.String("id", id))
			return false
		}
		return processed
	}

	return false
}

// MarkProcessed records (eventType, id) as handled in both layers,
// fast path first, then the durable write-through.
func (s *Service) MarkProcessed(ctx context.Context, eventType, id string) error {
	if s.fast != nil {
		if err := s.fast.Set(ctx, s.key(eventType, id), "1", DefaultTTL); err != nil {
			s.log.Warn("idempotency fast-path mark failed", slog.Any("error", err), slog.String("eventType", eventType), slog.String("id", id))
		}
	}

	if s.durable != nil {
		if err := s.durable.MarkProcessed(ctx, eventType, id, DefaultTTL); err != nil {
			return err
		}
	}

	return nil
}

var _ Checker = (*Service)(nil)
