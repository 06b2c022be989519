// Package metrics provides the Prometheus counters/histograms shared
// across services. There is no synchronous RPC surface, so everything
// here is HTTP- or business-level.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics covers the services' HTTP surfaces.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// BusinessMetrics covers the saga/outbox/inventory/seckill domain
// counters this fabric actually emits.
type BusinessMetrics struct {
	OrdersCreated          prometheus.Counter
	OrdersPaid             prometheus.Counter
	OrdersCancelled        prometheus.Counter
	PaymentAttempts        *prometheus.CounterVec
	OutboxPublished        prometheus.Counter
	OutboxFailed           prometheus.Counter
	OutboxPendingGauge     prometheus.Gauge
	InventoryReserveFailed prometheus.Counter
	SeckillReservations    *prometheus.CounterVec
	SeckillGhostEvents     prometheus.Counter
}

func NewBusinessMetrics(serviceName string) *BusinessMetrics {
	return &BusinessMetrics{
		OrdersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_orders_created_total", Help: "Total number of orders created",
		}),
		OrdersPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_orders_paid_total", Help: "Total number of orders paid",
		}),
		OrdersCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_orders_cancelled_total", Help: "Total number of orders cancelled",
		}),
		PaymentAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_payment_attempts_total", Help: "Payment attempts by outcome",
		}, []string{"outcome"}),
		OutboxPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_outbox_published_total", Help: "Outbox rows successfully published",
		}),
		OutboxFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_outbox_failed_total", Help: "Outbox rows that exhausted retries",
		}),
		OutboxPendingGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: serviceName + "_outbox_pending", Help: "Outbox rows currently pending publish",
		}),
		InventoryReserveFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_inventory_reserve_failed_total", Help: "Reservation attempts rejected for insufficient stock",
		}),
		SeckillReservations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_seckill_reservations_total", Help: "Flash-sale reservation attempts by outcome",
		}, []string{"outcome"}),
		SeckillGhostEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_seckill_ghost_events_total", Help: "Flash-sale reservations whose win event failed to publish",
		}),
	}
}
