package inventory

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/ordersys/fabric/internal/eventrouter"
	"github.com/ordersys/fabric/internal/platform/broker"
)

// Consumer dispatches order.created/order.cancelled/payment.failed/
// product.product.created/product.product.deleted deliveries to
// Service.
type Consumer struct {
	svc    *Service
	broker broker.Broker
	log    *zap.Logger
}

func NewConsumer(svc *Service, b broker.Broker, log *zap.Logger) *Consumer {
	return &Consumer{svc: svc, broker: b, log: log}
}

var consumedRoutingKeys = []string{
	broker.OrderCreated,
	broker.OrderCancelled,
	broker.PaymentFailed,
	broker.ProductCreated,
	broker.ProductDeleted,
}

// Listen starts one goroutine per consumed routing key.
func (c *Consumer) Listen(ctx context.Context) error {
	for _, rk := range consumedRoutingKeys {
		deliveries, err := c.broker.Consume("inventory."+rk, rk)
		if err != nil {
			return err
		}
		go c.drain(ctx, rk, deliveries)
	}
	return nil
}

func (c *Consumer) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) {
	tracer := otel.Tracer("inventory")
	for d := range deliveries {
		spanCtx := broker.ExtractTraceContext(ctx, d.Headers)
		spanCtx, span := tracer.Start(spanCtx, "AMQP - consume - "+queue)

		env, err := eventrouter.Resolve(d)
		if err != nil {
			c.log.Error("unrecognised inventory event, routing to DLQ", zap.Error(err))
			d.Nack(false, false)
			span.End()
			continue
		}

		if err := c.handle(spanCtx, env); err != nil {
			c.log.Error("inventory event handling failed, scheduling retry",
				zap.String("type", env.Type), zap.String("orderId", env.OrderID), zap.Error(err))
			if rerr := c.broker.HandleRetry(&d); rerr != nil {
				c.log.Error("retry handling failed", zap.Error(rerr))
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
	case "order.created":
		return c.svc.ReserveForOrder(ctx, env)
	case "order.cancelled":
		return c.svc.ReleaseForOrder(ctx, env, "ORDER_CANCELLED")
	case "payment.failed":
		return c.svc.ReleaseForOrder(ctx, env, "PAYMENT_FAILED")
	case "product.product.created":
		return c.svc.CreateProduct(ctx, env)
	case "product.product.deleted":
		return c.svc.DeleteProduct(ctx, env)
	default:
		return nil
	}
}
