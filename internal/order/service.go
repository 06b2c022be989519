// Package order owns the saga: the order aggregate's FSM, its atomic
// create-with-outbox operation, and the consumers that drive
// PENDING->CONFIRMED->PAID|CANCELLED transitions. Order row and
// outbox row commit or roll back together, never separately.
package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ordersys/fabric/internal/apperr"
	"github.com/ordersys/fabric/internal/domain"
	"github.com/ordersys/fabric/internal/eventrouter"
	"github.com/ordersys/fabric/internal/idempotency"
	"github.com/ordersys/fabric/internal/outbox"
	"github.com/ordersys/fabric/internal/platform/broker"
	"github.com/ordersys/fabric/internal/platform/metrics"
	"github.com/ordersys/fabric/internal/platform/repository"
)

const serviceName = "orders"

// RequestLine is one line of a create-order request. It carries no
// price — the service resolves unit prices from the catalogue.
type RequestLine struct {
	ProductID string `json:"productId"`
	Quantity  int32  `json:"quantity"`
}

// Service exposes order creation and lookup plus the consumer
// handlers for the inbound saga events.
type Service struct {
	repo    *repository.Repository
	store   *Store
	broker  broker.Broker
	idem    *idempotency.Service
	metrics *metrics.BusinessMetrics
	log     *slog.Logger
}

func NewService(repo *repository.Repository, store *Store, b broker.Broker, idem *idempotency.Service, m *metrics.BusinessMetrics, log *slog.Logger) *Service {
	return &Service{repo: repo, store: store, broker: b, idem: idem, metrics: m, log: log}
}

// CreateOrder resolves unit prices, computes totalPrice, and persists
// the Order plus an outbox order.created row in a single transaction.
func (s *Service) CreateOrder(ctx context.Context, userID string, items []RequestLine) (domain.Order, error) {
	if len(items) == 0 {
		return domain.Order{}, apperr.Validation("order must have at least one item", nil)
	}

	lines := make([]domain.OrderLine, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return domain.Order{}, apperr.Validation(fmt.Sprintf("quantity for %s must be > 0", it.ProductID), nil)
		}
		price, err := CatalogPrice(ctx, s.repo.DB, it.ProductID)
		if err != nil {
			return domain.Order{}, err
		}
		lines = append(lines, domain.OrderLine{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: price})
	}

	o := domain.Order{
		OrderID:       uuid.New().String(),
		UserID:        userID,
		Products:      lines,
		Currency:      "USD",
		Status:        domain.OrderPending,
		CorrelationID: uuid.New().String(),
	}
	o.TotalPrice = o.Total()

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := Create(ctx, tx, o); err != nil {
			return err
		}
		payload, err := json.Marshal(createdPayload{
			OrderID: o.OrderID, UserID: o.UserID, Products: toItems(o.Products), TotalPrice: o.TotalPrice, Currency: o.Currency,
		})
		if err != nil {
			return apperr.Fatal("marshal order.created payload", err)
		}
		return outbox.Create(ctx, tx, outbox.CreateParams{
			EventID:       fmt.Sprintf("order-created:%s", o.OrderID),
			AggregateID:   o.OrderID,
			AggregateType: "order",
			EventType:     broker.OrderCreated,
			Payload:       payload,
			RoutingKey:    broker.OrderCreated,
			CorrelationID: o.CorrelationID,
			Service:       serviceName,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	if s.metrics != nil {
		s.metrics.OrdersCreated.Inc()
	}
	return o, nil
}

// OnSeckillOrderWon is the flash-sale handoff: a campaign win enters
// the saga directly at the CONFIRMED stage. The order is created in
// CONFIRMED (inventory never reserved anything for it) with a
// deterministic orderId, so redelivery of the same win is a no-op
// rather than a second order.
func (s *Service) OnSeckillOrderWon(ctx context.Context, env eventrouter.Envelope) error {
	orderID := fmt.Sprintf("seckill-%s-%s", env.ProductID, env.UserID)
	if s.idem.IsProcessed(ctx, "seckill.order.won", orderID) {
		return nil
	}

	o := domain.Order{
		OrderID:       orderID,
		UserID:        env.UserID,
		Products:      []domain.OrderLine{{ProductID: env.ProductID, Quantity: 1, UnitPrice: env.Amount}},
		Currency:      "USD",
		Status:        domain.OrderConfirmed,
		Origin:        domain.OriginSeckill,
		CorrelationID: env.CorrelationID,
	}
	o.TotalPrice = o.Total()

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		created, err := CreateIfAbsent(ctx, tx, o)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}

		payload, err := json.Marshal(confirmedPayload{
			OrderID: o.OrderID, TotalPrice: o.TotalPrice, Currency: o.Currency, Products: toItems(o.Products),
		})
		if err != nil {
			return apperr.Fatal("marshal order.confirmed payload", err)
		}
		return outbox.Create(ctx, tx, outbox.CreateParams{
			EventID:       fmt.Sprintf("order-confirmed:%s", o.OrderID),
			AggregateID:   o.OrderID,
			AggregateType: "order",
			EventType:     broker.OrderConfirmed,
			Payload:       payload,
			RoutingKey:    broker.OrderConfirmed,
			CorrelationID: o.CorrelationID,
			Service:       serviceName,
		})
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.OrdersCreated.Inc()
	}
	return s.idem.MarkProcessed(ctx, "seckill.order.won", orderID)
}

// GetOrder fetches an order by id.
func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return s.store.Get(ctx, orderID)
}

type createdPayload struct {
	OrderID    string             `json:"orderId"`
	UserID     string             `json:"userId"`
	Products   []eventrouter.Item `json:"products"`
	TotalPrice float64            `json:"totalPrice"`
	Currency   string             `json:"currency"`
}

type confirmedPayload struct {
	OrderID    string             `json:"orderId"`
	TotalPrice float64            `json:"totalPrice"`
	Currency   string             `json:"currency"`
	Products   []eventrouter.Item `json:"products"`
}

type cancelledPayload struct {
	OrderID  string             `json:"orderId"`
	Reason   string             `json:"reason"`
	Products []eventrouter.Item `json:"products"`
}

type seckillReleasePayload struct {
	ProductID string `json:"productId"`
	UserID    string `json:"userId"`
}

func toItems(lines []domain.OrderLine) []eventrouter.Item {
	items := make([]eventrouter.Item, len(lines))
	for i, l := range lines {
		items[i] = eventrouter.Item{ProductID: l.ProductID, Quantity: l.Quantity, Price: l.UnitPrice}
	}
	return items
}

// OnInventoryReservedSuccess drives the PENDING->CONFIRMED edge. It is
// idempotent on orderId: any event arriving once the order is no
// longer PENDING is acknowledged and discarded.
func (s *Service) OnInventoryReservedSuccess(ctx context.Context, env eventrouter.Envelope) error {
	if s.idem.IsProcessed(ctx, "inventory.reserved.success", env.OrderID) {
		return nil
	}

	var o domain.Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		transitioned, err := Transition(ctx, tx, env.OrderID, domain.OrderConfirmed, "")
		if err == ErrNoTransition {
			o = transitioned
			return nil
		}
		if err != nil {
			return err
		}
		o = transitioned

		payload, err := json.Marshal(confirmedPayload{
			OrderID: o.OrderID, TotalPrice: o.TotalPrice, Currency: o.Currency, Products: toItems(o.Products),
		})
		if err != nil {
			return apperr.Fatal("marshal order.confirmed payload", err)
		}
		return outbox.Create(ctx, tx, outbox.CreateParams{
			EventID:       fmt.Sprintf("order-confirmed:%s", o.OrderID),
			AggregateID:   o.OrderID,
			AggregateType: "order",
			EventType:     broker.OrderConfirmed,
			Payload:       payload,
			RoutingKey:    broker.OrderConfirmed,
			CorrelationID: o.CorrelationID,
			Service:       serviceName,
		})
	})
	if err != nil {
		return err
	}
	return s.idem.MarkProcessed(ctx, "inventory.reserved.success", env.OrderID)
}

// OnInventoryReservedFailed drives the PENDING->CANCELLED edge for
// insufficient stock.
func (s *Service) OnInventoryReservedFailed(ctx context.Context, env eventrouter.Envelope) error {
	reason := env.Reason
	if reason == "" {
		reason = "Insufficient stock"
	}
	return s.cancel(ctx, env, "inventory.reserved.failed", reason)
}

// OnPaymentFailed drives the CONFIRMED->CANCELLED edge, recording the
// gateway reason as cancellationReason. The inventory service's
// release of reserved stock is an independent, equally idempotent
// consumer of the same event — the two side effects do not coordinate.
func (s *Service) OnPaymentFailed(ctx context.Context, env eventrouter.Envelope) error {
	reason := env.Reason
	if reason == "" {
		reason = "Payment failed"
	}
	return s.cancel(ctx, env, "payment.failed", reason)
}

func (s *Service) cancel(ctx context.Context, env eventrouter.Envelope, idemType, reason string) error {
	if s.idem.IsProcessed(ctx, idemType, env.OrderID) {
		return nil
	}

	var o domain.Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		transitioned, err := Transition(ctx, tx, env.OrderID, domain.OrderCancelled, reason)
		if err == ErrNoTransition {
			o = transitioned
			return nil
		}
		if err != nil {
			return err
		}
		o = transitioned

		payload, err := json.Marshal(cancelledPayload{OrderID: o.OrderID, Reason: reason, Products: toItems(o.Products)})
		if err != nil {
			return apperr.Fatal("marshal order.cancelled payload", err)
		}
		if err := outbox.Create(ctx, tx, outbox.CreateParams{
			EventID:       fmt.Sprintf("order-cancelled:%s:%s", idemType, o.OrderID),
			AggregateID:   o.OrderID,
			AggregateType: "order",
			EventType:     broker.OrderCancelled,
			Payload:       payload,
			RoutingKey:    broker.OrderCancelled,
			CorrelationID: o.CorrelationID,
			Service:       serviceName,
		}); err != nil {
			return err
		}

		// Seckill-origin orders were never reserved through the
		// inventory engine, so its payment.failed compensation has
		// nothing to release. Instead the saga emits the
		// seckill-specific compensation event the flash-sale consumer
		// listens for.
		if o.Origin == domain.OriginSeckill && len(o.Products) == 1 {
			releasePayload, err := json.Marshal(seckillReleasePayload{ProductID: o.Products[0].ProductID, UserID: o.UserID})
			if err != nil {
				return apperr.Fatal("marshal order.seckill.release payload", err)
			}
			if err := outbox.Create(ctx, tx, outbox.CreateParams{
				EventID:       fmt.Sprintf("order-seckill-release:%s:%s", idemType, o.OrderID),
				AggregateID:   o.OrderID,
				AggregateType: "order",
				EventType:     broker.OrderSeckillRelease,
				Payload:       releasePayload,
				RoutingKey:    broker.OrderSeckillRelease,
				CorrelationID: o.CorrelationID,
				Service:       serviceName,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.OrdersCancelled.Inc()
	}
	return s.idem.MarkProcessed(ctx, idemType, env.OrderID)
}

// OnPaymentSucceeded drives the CONFIRMED->PAID edge. Applying the
// same event N times leaves the order in PAID exactly once — the
// idempotency check and the FSM guard both converge on that,
// independently of each other.
func (s *Service) OnPaymentSucceeded(ctx context.Context, env eventrouter.Envelope) error {
	if s.idem.IsProcessed(ctx, "payment.succeeded", env.OrderID) {
		return nil
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := Transition(ctx, tx, env.OrderID, domain.OrderPaid, "")
		if err == ErrNoTransition {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.OrdersPaid.Inc()
	}
	return s.idem.MarkProcessed(ctx, "payment.succeeded", env.OrderID)
}

// SeedCatalog bootstraps the unit-price catalogue CreateOrder resolves
// against. The canonical product.product.created envelope carries
// availability, not price, so there is no event to keep prices live —
// the catalogue is seeded once at process start instead.
func (s *Service) SeedCatalog(ctx context.Context, prices map[string]float64) error {
	for productID, price := range prices {
		if err := UpsertCatalogPrice(ctx, s.repo.DB, productID, price); err != nil {
			return err
		}
	}
	return nil
}
