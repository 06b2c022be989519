// Package inventory implements the stock reservation engine:
// lock-guarded batched reserve/release over Postgres, cache-aside
// reads, and the consumers that drive them.
package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ordersys/fabric/internal/apperr"
	"github.com/ordersys/fabric/internal/eventrouter"
	"github.com/ordersys/fabric/internal/idempotency"
	"github.com/ordersys/fabric/internal/outbox"
	"github.com/ordersys/fabric/internal/platform/broker"
	"github.com/ordersys/fabric/internal/platform/metrics"
	"github.com/ordersys/fabric/internal/platform/repository"
)

const serviceName = "inventory"

// reservationPayload is the wire shape of inventory.reserved.{success,failed}.
type reservationPayload struct {
	OrderID  string             `json:"orderId"`
	Products []eventrouter.Item `json:"products"`
	Reason   string             `json:"reason,omitempty"`
}

// Service wires the lock, store, cache and idempotency layers into the
// operations the engine's consumers invoke.
type Service struct {
	repo    *repository.Repository
	store   *Store
	cache   *ItemCache
	lock    LockManager
	idem    *idempotency.Service
	metrics *metrics.BusinessMetrics
	log     *zap.Logger
}

func NewService(repo *repository.Repository, store *Store, cache *ItemCache, lock LockManager, idem *idempotency.Service, m *metrics.BusinessMetrics, log *zap.Logger) *Service {
	return &Service{repo: repo, store: store, cache: cache, lock: lock, idem: idem, metrics: m, log: log}
}

func linesOf(items []eventrouter.Item) []Line {
	lines := make([]Line, len(items))
	for i, it := range items {
		lines[i] = Line{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return lines
}

func productIDsOf(lines []Line) []string {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	return ids
}

// ReserveForOrder runs the batch reserve for an order.created event.
// It is idempotent on orderId.
func (s *Service) ReserveForOrder(ctx context.Context, env eventrouter.Envelope) error {
	if s.idem.IsProcessed(ctx, "order.created", env.OrderID) {
		return nil
	}

	lines := linesOf(env.Products)
	var businessErr *insufficientStockError

	lockErr := s.lock.WithLock(ctx, "product", productIDsOf(lines), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if err := ReserveBatch(ctx, tx, env.OrderID, env.CorrelationID, lines); err != nil {
				var ise *insufficientStockError
				if asInsufficientStock(err, &ise) {
					businessErr = ise
					return err
				}
				return err
			}

			payload, err := json.Marshal(reservationPayload{OrderID: env.OrderID, Products: env.Products})
			if err != nil {
				return apperr.Fatal("marshal reservation success payload", err)
			}
			return outbox.Create(ctx, tx, outbox.CreateParams{
				EventID:       fmt.Sprintf("inventory-reserved-success:%s", env.OrderID),
				AggregateID:   env.OrderID,
				AggregateType: "order",
				EventType:     broker.InventoryReservedOK,
				Payload:       payload,
				RoutingKey:    broker.InventoryReservedOK,
				CorrelationID: env.CorrelationID,
				Service:       serviceName,
			})
		})
	})

	if lockErr != nil {
		if businessErr != nil {
			if err := s.writeReservationFailed(ctx, env, businessErr.Error()); err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.InventoryReserveFailed.Inc()
			}
			return s.idem.MarkProcessed(ctx, "order.created", env.OrderID)
		}
		// Lock contention / transient datastore error: the nack path
		// redelivers and idempotency absorbs any partial work.
		return lockErr
	}

	for _, l := range lines {
		_ = s.cache.Invalidate(ctx, l.ProductID)
	}
	return s.idem.MarkProcessed(ctx, "order.created", env.OrderID)
}

func asInsufficientStock(err error, target **insufficientStockError) bool {
	if ise, ok := err.(*insufficientStockError); ok {
		*target = ise
		return true
	}
	return false
}

func (s *Service) writeReservationFailed(ctx context.Context, env eventrouter.Envelope, reason string) error {
	payload, err := json.Marshal(reservationPayload{OrderID: env.OrderID, Products: env.Products, Reason: reason})
	if err != nil {
		return apperr.Fatal("marshal reservation failed payload", err)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return outbox.Create(ctx, tx, outbox.CreateParams{
			EventID:       fmt.Sprintf("inventory-reserved-failed:%s", env.OrderID),
			AggregateID:   env.OrderID,
			AggregateType: "order",
			EventType:     broker.InventoryReservedFailed,
			Payload:       payload,
			RoutingKey:    broker.InventoryReservedFailed,
			CorrelationID: env.CorrelationID,
			Service:       serviceName,
		})
	})
}

// ReleaseForOrder is the compensation path: payment failure or
// explicit order cancellation releases every line, tolerating partial
// prior releases.
func (s *Service) ReleaseForOrder(ctx context.Context, env eventrouter.Envelope, reason string) error {
	idemKey := env.OrderID + ":" + reason
	if s.idem.IsProcessed(ctx, "order.released", idemKey) {
		return nil
	}

	lines := linesOf(env.Products)
	err := s.lock.WithLock(ctx, "product", productIDsOf(lines), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			for _, l := range lines {
				if err := ReleaseLine(ctx, tx, env.OrderID, env.CorrelationID, reason, l); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	for _, l := range lines {
		_ = s.cache.Invalidate(ctx, l.ProductID)
	}
	return s.idem.MarkProcessed(ctx, "order.released", idemKey)
}

// CreateProduct upserts a product row from a product.created event,
// resolving the initialStock/available alias (done upstream by
// eventrouter's productCreatedSchema).
func (s *Service) CreateProduct(ctx context.Context, env eventrouter.Envelope) error {
	if err := s.store.Create(ctx, env.ProductID, env.Available); err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, env.ProductID)
}

// DeleteProduct removes a product row from a product.deleted event.
func (s *Service) DeleteProduct(ctx context.Context, env eventrouter.Envelope) error {
	if err := s.store.Delete(ctx, env.ProductID); err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, env.ProductID)
}
