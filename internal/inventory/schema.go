package inventory

// Schema creates the inventory row table and its audit trail. There is
// no expiring reservation record: compensation is driven entirely by
// explicit order.cancelled/payment.failed events, so available/reserved
// are mutated directly under the distributed lock rather than staged
// through a separate reservation row.
const Schema = `
CREATE TABLE IF NOT EXISTS inventory_items (
	product_id TEXT PRIMARY KEY,
	available INT NOT NULL DEFAULT 0,
	reserved INT NOT NULL DEFAULT 0,
	last_restocked_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS inventory_audit (
	id BIGSERIAL PRIMARY KEY,
	product_id TEXT NOT NULL,
	action TEXT NOT NULL,
	previous_value INT NOT NULL,
	new_value INT NOT NULL,
	delta INT NOT NULL,
	reason TEXT,
	order_id TEXT,
	correlation_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_inventory_audit_product ON inventory_audit (product_id, created_at);
`
