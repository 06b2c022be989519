package payment

// Schema creates the payments table, unique on order_id — at most one
// payment row ever exists for an order.
const Schema = `
CREATE TABLE IF NOT EXISTS payments (
	order_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	amount NUMERIC(12,2) NOT NULL,
	currency TEXT NOT NULL,
	transaction_id TEXT,
	reason TEXT,
	attempts INT NOT NULL DEFAULT 0,
	error_history JSONB NOT NULL DEFAULT '[]',
	correlation_id TEXT NOT NULL,
	processed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
