package pubsub

import (
	"context"
	"encoding/json"
	"time"
)

// Event is the envelope carried on an order topic. Payload stays raw so the
// bus never needs to know the concrete event types.
type Event struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// NewEvent marshals payload into an Event of the given type. Marshal errors
// are returned rather than panicking because payloads cross a trust boundary.
func NewEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Payload: raw, At: time.Now().UTC()}, nil
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// Bus is the transport-agnostic publish/subscribe contract. Delivery is
// best-effort: durable facts must already be stored before publishing.
type Bus interface {
	// Publish sends the event to every current subscriber of topic.
	Publish(ctx context.Context, topic string, event Event) error
	// Subscribe returns a channel of events for topic and a cancel func
	// that releases the subscription. The channel closes after cancel.
	Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error)
}
