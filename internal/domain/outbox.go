package domain

import "time"

// OutboxStatus is the relay's claim/publish state machine.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxPublishing OutboxStatus = "PUBLISHING"
	OutboxPublished  OutboxStatus = "PUBLISHED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// OutboxMetadata travels with the event for tracing/correlation.
type OutboxMetadata struct {
	CorrelationID string    `json:"correlationId"`
	CausationID   string    `json:"causationId,omitempty"`
	Service       string    `json:"service"`
	Timestamp     time.Time `json:"timestamp"`
}

// OutboxEvent is one row of the durable outbox table. EventID carries
// the optional deterministic id ("payment-succeeded:{orderId}") whose
// unique constraint gives writers at-most-once enqueue.
type OutboxEvent struct {
	ID            int64          `json:"id"`
	EventID       string         `json:"eventId"`
	AggregateID   string         `json:"aggregateId"`
	AggregateType string         `json:"aggregateType"`
	EventType     string         `json:"eventType"`
	Payload       []byte         `json:"payload"`
	RoutingKey    string         `json:"routingKey"`
	Metadata      OutboxMetadata `json:"metadata"`
	Status        OutboxStatus   `json:"status"`
	RetryCount    int            `json:"retryCount"`
	MaxRetries    int            `json:"maxRetries"`
	LastError     string         `json:"lastError,omitempty"`
	PublishedAt   *time.Time     `json:"publishedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}
