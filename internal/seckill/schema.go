package seckill

// Schema creates the ghost-order journal: a durable local record of a
// reservation whose seckill.order.won publish failed, kept for
// operator replay. The reservation itself lives entirely in the
// KeyValue store; only the publish-failure fallback needs a durable,
// queryable home, so this is the one piece of the engine backed by
// Postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS seckill_ghost_orders (
	id BIGSERIAL PRIMARY KEY,
	product_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	replayed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS seckill_ghost_orders_unreplayed_idx
	ON seckill_ghost_orders (created_at) WHERE replayed_at IS NULL;
`
