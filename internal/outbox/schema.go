package outbox

// Schema is executed once at service startup. One outbox table serves
// all aggregate types (order/inventory/payment); AggregateType +
// AggregateID disambiguate. The unique index on event_id is what lets
// the payment consumer rely on deterministic ids — a duplicate
// eventId means another instance already completed.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	aggregate_id TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload BYTEA NOT NULL,
	routing_key TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	causation_id TEXT,
	service TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 3,
	last_error TEXT,
	published_at TIMESTAMPTZ,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (created_at, id) WHERE status = 'PENDING';
`
