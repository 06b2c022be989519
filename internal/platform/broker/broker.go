// Package broker is the fabric's Broker capability: a thin wrapper
// over RabbitMQ providing durable exchanges, a dead-letter-exchange
// per routing key, and header-based retry backoff. Nothing above this
// package talks to amqp directly.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Canonical routing keys.
const (
	OrderCreated            = "order.created"
	OrderConfirmed          = "order.confirmed"
	OrderCancelled          = "order.cancelled"
	InventoryReservedOK     = "inventory.reserved.success"
	InventoryReservedFailed = "inventory.reserved.failed"
	InventoryReleased       = "inventory.released"
	PaymentSucceeded        = "payment.succeeded"
	PaymentFailed           = "payment.failed"
	ProductCreated          = "product.product.created"
	ProductDeleted          = "product.product.deleted"
	SeckillOrderWon         = "seckill.order.won"
	SeckillReleased         = "seckill.released"
	OrderSeckillRelease     = "order.seckill.release"
)

// RoutingKeys is the full canonical set, used to provision exchanges
// and DLQs for every routing key at connect time.
var RoutingKeys = []string{
	OrderCreated, OrderConfirmed, OrderCancelled,
	InventoryReservedOK, InventoryReservedFailed, InventoryReleased,
	PaymentSucceeded, PaymentFailed,
	ProductCreated, ProductDeleted,
	SeckillOrderWon, SeckillReleased, OrderSeckillRelease,
}

// MaxRetryCount bounds in-queue retries before a message is routed to
// its dead-letter queue.
const MaxRetryCount = 3

// DLX is the name of the shared dead-letter exchange; every routing
// key gets its own DLQ, named "<routingKey>.dlq" and bound to the DLX
// under that routing key.
const DLX = "dlx"

// Broker is the capability surface the fabric's components consume.
// It intentionally exposes nothing about connection management beyond
// Close.
type Broker interface {
	Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error
	Consume(queue, routingKey string) (<-chan amqp.Delivery, error)
	HandleRetry(d *amqp.Delivery) error
	Close() error
}

type rabbitBroker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *slog.Logger
}

// Connect dials RabbitMQ, opens a channel, and provisions the
// canonical exchange + DLX/DLQ topology for every routing key.
func Connect(user, pass, host, port string, log *slog.Logger) (Broker, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := createDLQAndDLX(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("create dlq: %w", err)
	}

	if err := createExchanges(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("create exchanges: %w", err)
	}

	return &rabbitBroker{conn: conn, ch: ch, log: log}, nil
}

func (b *rabbitBroker) Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error {
	return b.ch.PublishWithContext(ctx, routingKey, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Headers:      headers,
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

func (b *rabbitBroker) Consume(queue, routingKey string) (<-chan amqp.Delivery, error) {
	q, err := b.ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DLX,
	})
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := b.ch.QueueBind(q.Name, routingKey, routingKey, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s to %s: %w", q.Name, routingKey, err)
	}
	return b.ch.Consume(q.Name, "", false, false, false, false, nil)
}

// HandleRetry increments the x-retry-count header and republishes
// with a linear backoff, or Nacks without requeue once the incremented
// count reaches MaxRetryCount so the per-routing-key DLX/DLQ can take
// over.
func (b *rabbitBroker) HandleRetry(d *amqp.Delivery) error {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}
	retryCount, _ := d.Headers["x-retry-count"].(int64)
	retryCount++
	d.Headers["x-retry-count"] = retryCount

	b.log.Warn("retrying delivery", slog.String("routing_key", d.RoutingKey), slog.Int64("retry_count", retryCount))

	if retryCount >= MaxRetryCount {
		b.log.Error("max retries exceeded, routing to dlq", slog.String("routing_key", d.RoutingKey))
		return d.Nack(false, false)
	}

	time.Sleep(time.Second * time.Duration(retryCount))

	return b.ch.PublishWithContext(context.Background(), d.Exchange, d.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Headers:      d.Headers,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
	})
}

func (b *rabbitBroker) Close() error {
	if err := b.ch.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}

func createDLQAndDLX(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DLX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}
	for _, key := range RoutingKeys {
		dlq := key + ".dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dlq %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, key, DLX, false, nil); err != nil {
			return fmt.Errorf("bind dlq %s: %w", dlq, err)
		}
	}
	return nil
}

func createExchanges(ch *amqp.Channel) error {
	for _, key := range RoutingKeys {
		if err := ch.ExchangeDeclare(key, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", key, err)
		}
	}
	return nil
}
