package eventrouter

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// rawCore is the superset of fields any canonical schema may read out
// of the wire payload's core object.
// Identifiers are kept as json.RawMessage so coerceID can normalise
// whichever concrete shape a given publisher used.
type rawCore struct {
	OrderID       json.RawMessage `json:"orderId,omitempty"`
	ProductID     json.RawMessage `json:"productId,omitempty"`
	UserID        json.RawMessage `json:"userId,omitempty"`
	Products      []Item          `json:"products,omitempty"`
	Amount        float64         `json:"amount,omitempty"`
	Price         *float64        `json:"price,omitempty"`
	TotalPrice    *float64        `json:"totalPrice,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
	Available     *float64        `json:"available,omitempty"`
	InitialStock  *float64        `json:"initialStock,omitempty"`
	EventID       string          `json:"eventId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
}

// coerceID normalises an identifier field that may arrive as a plain
// string, a JSON number, or a Mongo-style extended-JSON ObjectID
// (`{"$oid":"..."}`) into a plain string.
func coerceID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}

	var oid struct {
		OID string `json:"$oid"`
	}
	if err := json.Unmarshal(raw, &oid); err == nil && oid.OID != "" {
		return oid.OID, nil
	}

	return "", fmt.Errorf("unrecognised identifier shape: %s", string(raw))
}

// clampNonNegative clamps negative or non-finite available/initialStock
// values to 0.
func clampNonNegative(v float64) int32 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return int32(v)
}

// normalizeCore parses a core payload (the `data` object for wrapped
// messages, or the whole body for flat messages) into the fields every
// schema shares, applying the orderId/productId/userId ObjectID
// coercion uniformly.
func normalizeCore(body []byte) (rawCore, error) {
	var c rawCore
	if err := json.Unmarshal(body, &c); err != nil {
		return rawCore{}, fmt.Errorf("parse event payload: %w", err)
	}
	return c, nil
}

func applyCore(env *Envelope, c rawCore) error {
	orderID, err := coerceID(c.OrderID)
	if err != nil {
		return fmt.Errorf("orderId: %w", err)
	}
	productID, err := coerceID(c.ProductID)
	if err != nil {
		return fmt.Errorf("productId: %w", err)
	}
	userID, err := coerceID(c.UserID)
	if err != nil {
		return fmt.Errorf("userId: %w", err)
	}

	env.OrderID = orderID
	env.ProductID = productID
	env.UserID = userID
	env.Products = c.Products
	env.Amount = c.Amount
	env.Currency = c.Currency
	env.Reason = c.Reason
	env.EventID = c.EventID
	env.CorrelationID = c.CorrelationID
	env.CausationID = c.CausationID
	if c.Timestamp != nil {
		env.Timestamp = *c.Timestamp
	} else {
		env.Timestamp = time.Now()
	}
	return nil
}

// schemaFunc validates+normalises one recognised event type's core
// payload into the canonical envelope.
type schemaFunc func(env *Envelope, c rawCore) error

// schemas is the registry of recognised event types — one entry per
// routing key in internal/platform/broker.RoutingKeys. Most types
// share the generic core mapping; product-created additionally
// resolves the initialStock/available alias.
var schemas = map[string]schemaFunc{
	"order.created":                 genericSchema,
	"order.confirmed":               orderConfirmedSchema,
	"order.cancelled":               orderCancelledSchema,
	"inventory.reserved.success":    genericSchema,
	"inventory.reserved.failed":     genericSchema,
	"inventory.released":            genericSchema,
	"payment.succeeded":             genericSchema,
	"payment.failed":                genericSchema,
	"product.product.created":       productCreatedSchema,
	"product.product.deleted":       genericSchema,
	"seckill.order.won":             seckillOrderWonSchema,
	"seckill.released":              genericSchema,
	"order.seckill.release":         genericSchema,
}

func genericSchema(env *Envelope, c rawCore) error {
	return applyCore(env, c)
}

// orderConfirmedSchema maps order.confirmed's totalPrice field onto
// the envelope's generic Amount field, the same alias technique
// productCreatedSchema uses for initialStock/available, so the payment
// consumer reads the order's value through the one field name every
// other monetary event already uses.
func orderConfirmedSchema(env *Envelope, c rawCore) error {
	if err := applyCore(env, c); err != nil {
		return err
	}
	if c.TotalPrice != nil {
		env.Amount = *c.TotalPrice
	}
	return nil
}

// orderCancelledSchema reuses the generic core mapping and defaults
// Reason, since a cancellation without one is not actionable by the
// inventory release handler.
func orderCancelledSchema(env *Envelope, c rawCore) error {
	if err := applyCore(env, c); err != nil {
		return err
	}
	if env.Reason == "" {
		env.Reason = "unspecified"
	}
	return nil
}

// seckillOrderWonSchema maps seckill.order.won's price field onto the
// envelope's generic Amount field, the same alias technique
// orderConfirmedSchema uses for totalPrice.
func seckillOrderWonSchema(env *Envelope, c rawCore) error {
	if err := applyCore(env, c); err != nil {
		return err
	}
	if c.Price != nil {
		env.Amount = *c.Price
	}
	return nil
}

// productCreatedSchema resolves the initialStock/available alias and
// clamps invalid values.
func productCreatedSchema(env *Envelope, c rawCore) error {
	if err := applyCore(env, c); err != nil {
		return err
	}
	switch {
	case c.Available != nil:
		env.Available = clampNonNegative(*c.Available)
	case c.InitialStock != nil:
		env.Available = clampNonNegative(*c.InitialStock)
	default:
		env.Available = 0
	}
	return nil
}
