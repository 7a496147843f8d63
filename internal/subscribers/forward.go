package subscribers

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/nfrund/topicbus/internal/broker"
)

// Metadata keys used to carry broker fields through a watermill message.
const (
	MetaKeyTopic     = "topic"
	MetaKeyCreatedAt = "created_at"
)

// Forwarder re-publishes consumed messages onto a watermill publisher,
// bridging the in-process broker to any watermill transport.
type Forwarder struct {
	name      string
	publisher message.Publisher
	target    string
}

// NewForwarder creates a forwarding subscriber. An empty target publishes
// to a watermill topic named after the broker topic of each delivery.
func NewForwarder(name string, publisher message.Publisher, target string) *Forwarder {
	return &Forwarder{name: name, publisher: publisher, target: target}
}

// mapToWatermillMessage converts a broker message to a watermill message.
// The broker message ID becomes the watermill UUID.
func mapToWatermillMessage(ctx context.Context, topic string, msg broker.Message) *message.Message {
	wmMsg := message.NewMessage(msg.ID(), msg.Bytes())
	for k, v := range msg.MetadataMap() {
		wmMsg.Metadata.Set(k, v)
	}
	wmMsg.Metadata.Set(MetaKeyTopic, topic)
	wmMsg.Metadata.Set(MetaKeyCreatedAt, msg.CreatedAt().Format(time.RFC3339Nano))
	wmMsg.SetContext(ctx)
	return wmMsg
}

// Consume implements broker.Subscriber.
func (f *Forwarder) Consume(ctx context.Context, msg broker.Message) error {
	topic, _ := broker.TopicFromContext(ctx)
	target := f.target
	if target == "" {
		target = topic
	}
	if target == "" {
		return fmt.Errorf("forwarder %s: no target topic", f.name)
	}

	if err := f.publisher.Publish(target, mapToWatermillMessage(ctx, topic, msg)); err != nil {
		return fmt.Errorf("forward to %s: %w", target, err)
	}
	return nil
}

// Name implements broker.Named.
func (f *Forwarder) Name() string {
	return f.name
}
