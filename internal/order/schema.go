package order

// Schema creates the order aggregate table plus the lightweight
// product-price catalogue CreateOrder resolves unit prices from.
// The canonical product.product.created envelope carries availability,
// not price, so the catalogue is bootstrapped once at startup
// (Service.SeedCatalog) rather than kept live by an event.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	products JSONB NOT NULL,
	total_price NUMERIC(12,2) NOT NULL,
	currency TEXT NOT NULL DEFAULT 'USD',
	status TEXT NOT NULL,
	origin TEXT NOT NULL DEFAULT '',
	cancellation_reason TEXT,
	correlation_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS order_product_catalog (
	product_id TEXT PRIMARY KEY,
	price NUMERIC(12,2) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
