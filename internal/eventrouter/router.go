package eventrouter

import (
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrUnknownType is returned when no schema recognises the resolved
// event type. Callers must route the delivery to its dead-letter
// queue rather than silently dropping it.
var ErrUnknownType = errors.New("eventrouter: unknown event type")

// Resolve determines a delivery's event type and normalises its body
// into the canonical Envelope. Resolution order: explicit `type`
// field, then `rawType`, then the broker routing key.
func Resolve(d amqp.Delivery) (Envelope, error) {
	var wire wireEnvelope
	// A delivery whose body isn't even a JSON object can't carry a
	// `type`/`rawType` field; fall through to routing-key resolution
	// and treat the whole body as the core payload.
	_ = json.Unmarshal(d.Body, &wire)

	eventType := wire.Type
	if eventType == "" {
		eventType = wire.RawType
	}
	if eventType == "" {
		eventType = d.RoutingKey
	}

	schema, ok := schemas[eventType]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}

	core := d.Body
	if len(wire.Data) > 0 {
		core = wire.Data
	}

	c, err := normalizeCore(core)
	if err != nil {
		return Envelope{}, fmt.Errorf("normalise %q: %w", eventType, err)
	}

	env := Envelope{
		Type:       eventType,
		RawType:    wire.RawType,
		RoutingKey: d.RoutingKey,
		MessageID:  d.MessageId,
	}
	if err := schema(&env, c); err != nil {
		return Envelope{}, fmt.Errorf("validate %q: %w", eventType, err)
	}

	if env.CorrelationID == "" {
		if v, ok := d.Headers["correlationId"]; ok {
			if s, ok := v.(string); ok {
				env.CorrelationID = s
			}
		}
	}
	if env.EventID == "" {
		if v, ok := d.Headers["messageId"]; ok {
			if s, ok := v.(string); ok {
				env.EventID = s
			}
		}
	}
	if env.CausationID == "" {
		if v, ok := d.Headers["causationId"]; ok {
			if s, ok := v.(string); ok {
				env.CausationID = s
			}
		}
	}

	return env, nil
}
