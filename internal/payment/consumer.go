package payment

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/ordersys/fabric/internal/eventrouter"
	"github.com/ordersys/fabric/internal/platform/broker"
)

// Consumer dispatches order.confirmed deliveries to Service.
type Consumer struct {
	svc    *Service
	broker broker.Broker
	log    *slog.Logger
}

func NewConsumer(svc *Service, b broker.Broker, log *slog.Logger) *Consumer {
	return &Consumer{svc: svc, broker: b, log: log}
}

var consumedRoutingKeys = []string{broker.OrderConfirmed}

// Listen starts one goroutine per consumed routing key.
func (c *Consumer) Listen(ctx context.Context) error {
	for _, rk := range consumedRoutingKeys {
		deliveries, err := c.broker.Consume("payment."+rk, rk)
		if err != nil {
			return err
		}
		go c.drain(ctx, rk, deliveries)
	}
	return nil
}

func (c *Consumer) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) {
	tracer := otel.Tracer("payment")
	for d := range deliveries {
		spanCtx := broker.ExtractTraceContext(ctx, d.Headers)
		spanCtx, span := tracer.Start(spanCtx, "AMQP - consume - "+queue)

		env, err := eventrouter.Resolve(d)
		if err != nil {
			c.log.Error("unrecognised payment event, routing to DLQ", slog.Any("error", err))
			d.Nack(false, false)
			span.End()
			continue
		}

		if err := c.handle(spanCtx, env); err != nil {
			c.log.Error("payment event handling failed, scheduling retry",
				slog.String("type", env.Type), slog.String("orderId", env.OrderID), slog.Any("error", err))
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
	case "order.confirmed":
		return c.svc.HandleOrderConfirmed(ctx, env)
	default:
		return nil
	}
}
