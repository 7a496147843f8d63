package broker

import "context"

// Publisher is a convenience wrapper that publishes string payloads on
// behalf of an identified producer.
type Publisher struct {
	id     string
	broker *Broker
}

// NewPublisher creates a publisher bound to b.
func NewPublisher(id string, b *Broker) *Publisher {
	return &Publisher{id: id, broker: b}
}

// ID returns the publisher identifier.
func (p *Publisher) ID() string {
	return p.id
}

// Publish wraps payload in a Message tagged with the publisher ID and
// publishes it to topic. It returns the message that was sent.
func (p *Publisher) Publish(ctx context.Context, topic, payload string) (Message, error) {
	msg := NewMessage(payload, WithMetadata(map[string]string{MetaPublisherID: p.id}))
	return msg, p.broker.Publish(ctx, topic, msg)
}
