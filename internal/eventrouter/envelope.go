// Package eventrouter normalises heterogeneous inbound payload shapes
// into the canonical envelope every consumer handles. It is the one
// place in the fabric that looks at raw JSON before a typed domain
// object exists.
package eventrouter

import (
	"encoding/json"
	"time"
)

// Item is the canonical line-item shape inside Products.
type Item struct {
	ProductID string  `json:"productId"`
	Quantity  int32   `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
}

// Envelope is the canonical, post-normalisation record every handler
// in the fabric receives.
type Envelope struct {
	Type      string
	RawType   string
	OrderID   string
	ProductID string
	UserID    string
	Products  []Item
	Amount    float64
	Currency  string
	Reason    string
	Timestamp time.Time

	EventID       string
	CorrelationID string
	CausationID   string
	RoutingKey    string
	MessageID     string

	// Available holds product-created stock after alias resolution
	// (legacy initialStock is accepted) and clamping.
	Available int32
}

// wireEnvelope is the two-historical-shapes wire format schemas
// accept: wrapped {type?, data:{...}} or flat {...}. json.RawMessage
// lets Resolve peek at `type`/`rawType` before deciding which schema
// applies.
type wireEnvelope struct {
	Type    string          `json:"type,omitempty"`
	RawType string          `json:"rawType,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
