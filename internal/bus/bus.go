// Package bus defines the message-bus port the outbox publishes to, plus the
// in-process and websocket implementations.
package bus

import "context"

// Header names set on every published message.
const (
	HeaderTenantID  = "tenant-id"
	HeaderEventType = "event-type"
)

// Message is one published event: the serialized event JSON plus routing
// metadata. Key carries the aggregate id so consumers can partition per
// stream.
type Message struct {
	Topic   string
	Key     string
	Headers map[string]string
	Payload []byte
}

// Publisher is the outbound port. Publish must be safe for concurrent use;
// delivery is at-least-once and consumers dedupe by the event id inside the
// payload.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Fanout publishes to every wrapped publisher in order, stopping at the first
// error so the outbox retries the whole message. Consumers dedupe, so a
// partial fan-out only causes redelivery, never loss.
type Fanout []Publisher

// Publish delivers the message to each publisher.
func (f Fanout) Publish(ctx context.Context, msg Message) error {
	for _, p := range f {
		if err := p.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
