package seckill

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/ordersys/fabric/internal/eventrouter"
	"github.com/ordersys/fabric/internal/platform/broker"
)

// Consumer reacts to order.seckill.release — the compensation the
// orders service emits when a seckill-originated order is cancelled
// after CONFIRMED. Release is idempotent, so a release for a userId
// that never won (or already released) is a harmless no-op rather
// than an error.
type Consumer struct {
	svc    *Service
	broker broker.Broker
	log    *slog.Logger
}

func NewConsumer(svc *Service, b broker.Broker, log *slog.Logger) *Consumer {
	return &Consumer{svc: svc, broker: b, log: log}
}

var consumedRoutingKeys = []string{broker.OrderSeckillRelease}

func (c *Consumer) Listen(ctx context.Context) error {
	for _, rk := range consumedRoutingKeys {
		deliveries, err := c.broker.Consume("seckill."+rk, rk)
		if err != nil {
			return err
		}
		go c.drain(ctx, rk, deliveries)
	}
	return nil
}

func (c *Consumer) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) {
	tracer := otel.Tracer("seckill")
	for d := range deliveries {
		spanCtx := broker.ExtractTraceContext(ctx, d.Headers)
		spanCtx, span := tracer.Start(spanCtx, "AMQP - consume - "+queue)

		env, err := eventrouter.Resolve(d)
		if err != nil {
			c.log.Error("unrecognised seckill event, routing to DLQ", slog.Any("error", err))
			d.Nack(false, false)
			span.End()
			continue
		}

		if err := c.handle(spanCtx, env); err != nil {
			c.log.Error("seckill event handling failed, scheduling retry",
				slog.String("type", env.Type), slog.Any("error", err))
			if rerr := c.broker.HandleRetry(&d); rerr != nil {
				c.log.Error("retry handling failed", slog.Any("error", rerr))
			}
			d.Nack(false, false)
			span.End()
			continue
		}

		d.Ack(false)
		span.End()
	}
}

func (c *Consumer) handle(ctx context.Context, env eventrouter.Envelope) error {
	switch env.Type {
	case "order.seckill.release":
		return c.svc.Release(ctx, env.ProductID, env.UserID)
	default:
		return nil
	}
}
