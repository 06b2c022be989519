package seckill

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ordersys/fabric/internal/domain"
	"github.com/ordersys/fabric/internal/platform/broker"
	"github.com/ordersys/fabric/internal/platform/metrics"
)

const serviceName = "seckill"

// Service wires Store, the ghost-order Journal and the broker into
// the engine's reserve/release/init operations.
type Service struct {
	store   *Store
	journal *Journal
	broker  broker.Broker
	metrics *metrics.BusinessMetrics
	log     *slog.Logger
}

func NewService(store *Store, journal *Journal, b broker.Broker, m *metrics.BusinessMetrics, log *slog.Logger) *Service {
	return &Service{store: store, journal: journal, broker: b, metrics: m, log: log}
}

// Init runs an admin campaign (re)initialisation.
func (s *Service) Init(ctx context.Context, productID string, stock int64, price float64, start, end time.Time) error {
	return s.store.Init(ctx, productID, stock, price, start, end)
}

// Status returns the current campaign projection.
func (s *Service) Status(ctx context.Context, productID string) (domain.SeckillCampaign, error) {
	return s.store.Status(ctx, productID, time.Now())
}

type wonPayload struct {
	ProductID     string  `json:"productId"`
	UserID        string  `json:"userId"`
	Price         float64 `json:"price"`
	CorrelationID string  `json:"correlationId"`
}

// Buy runs the atomic reserve script and, on a win, publishes
// seckill.order.won. A publish failure does not roll the reservation
// back — it is journaled instead for operator replay.
func (s *Service) Buy(ctx context.Context, productID, userID string) (domain.ReserveOutcome, string, error) {
	outcome, err := s.store.Reserve(ctx, productID, userID)
	if err != nil {
		return 0, "", err
	}

	if s.metrics != nil {
		s.metrics.SeckillReservations.WithLabelValues(outcomeLabel(outcome)).Inc()
	}

	if outcome != domain.ReserveWon {
		return outcome, "", nil
	}

	campaign, err := s.store.Status(ctx, productID, time.Now())
	if err != nil {
		// The reservation already won; status lookup failing must not
		// undo it. Fall back to price 0 and let downstream reconcile.
		campaign.Price = 0
	}

	correlationID := correlationIDFromContext(ctx)
	payload, marshalErr := json.Marshal(wonPayload{
		ProductID: productID, UserID: userID, Price: campaign.Price, CorrelationID: correlationID,
	})
	if marshalErr != nil {
		s.log.Error("marshal seckill.order.won payload failed", slog.Any("error", marshalErr))
		s.journalGhost(ctx, productID, userID, correlationID, nil)
		return outcome, correlationID, nil
	}

	headers := broker.InjectTraceContext(ctx)
	if err := s.broker.Publish(ctx, broker.SeckillOrderWon, payload, headers); err != nil {
		s.log.Error("publish seckill.order.won failed, journaling ghost order",
			slog.String("productId", productID), slog.String("userId", userID), slog.Any("error", err))
		s.journalGhost(ctx, productID, userID, correlationID, payload)
	}

	return outcome, correlationID, nil
}

func (s *Service) journalGhost(ctx context.Context, productID, userID, correlationID string, payload []byte) {
	if s.metrics != nil {
		s.metrics.SeckillGhostEvents.Inc()
	}
	if err := s.journal.Append(ctx, productID, userID, correlationID, payload); err != nil {
		s.log.Error("ghost order journal append failed", slog.Any("error", err))
	}
}

type releasedPayload struct {
	ProductID string `json:"productId"`
	UserID    string `json:"userId"`
}

// Release runs the atomic release script (the compensation path, used
// by the order.seckill.release consumer and the admin release
// endpoint) and, when a reservation was actually held,
// publishes seckill.released so other components can react to the
// restored stock.
func (s *Service) Release(ctx context.Context, productID, userID string) error {
	released, err := s.store.Release(ctx, productID, userID)
	if err != nil {
		return err
	}
	if !released {
		return nil
	}

	payload, err := json.Marshal(releasedPayload{ProductID: productID, UserID: userID})
	if err != nil {
		s.log.Error("marshal seckill.released payload failed", slog.Any("error", err))
		return nil
	}
	if err := s.broker.Publish(ctx, broker.SeckillReleased, payload, broker.InjectTraceContext(ctx)); err != nil {
		s.log.Error("publish seckill.released failed", slog.String("productId", productID), slog.Any("error", err))
	}
	return nil
}

// ReplayGhostOrders re-attempts publish for journaled ghost orders,
// marking each replayed on success. Intended for operator-triggered
// or periodic invocation, not the request path.
func (s *Service) ReplayGhostOrders(ctx context.Context, limit int) (replayed int, err error) {
	orders, err := s.journal.ListUnreplayed(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, o := range orders {
		payload := o.Payload
		if len(payload) == 0 || string(payload) == "{}" {
			payload, err = json.Marshal(wonPayload{ProductID: o.ProductID, UserID: o.UserID, CorrelationID: o.CorrelationID})
			if err != nil {
				continue
			}
		}
		if pubErr := s.broker.Publish(ctx, broker.SeckillOrderWon, payload, nil); pubErr != nil {
			s.log.Error("ghost order replay publish failed", slog.Int64("id", o.ID), slog.Any("error", pubErr))
			continue
		}
		if markErr := s.journal.MarkReplayed(ctx, o.ID); markErr != nil {
			s.log.Error("ghost order mark-replayed failed", slog.Int64("id", o.ID), slog.Any("error", markErr))
			continue
		}
		replayed++
	}
	return replayed, nil
}

func outcomeLabel(o domain.ReserveOutcome) string {
	switch o {
	case domain.ReserveWon:
		return "won"
	case domain.ReserveOutOfStock:
		return "out_of_stock"
	case domain.ReserveAlreadyPurchased:
		return "already_purchased"
	case domain.ReserveCampaignNotStarted:
		return "campaign_not_started"
	case domain.ReserveRateLimitExceeded:
		return "rate_limit_exceeded"
	default:
		return "unknown"
	}
}

// correlationIDFromContext derives a correlationId from the active
// trace, falling back to a generated unique value.
func correlationIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.New().String()
}
