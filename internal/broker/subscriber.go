package broker

import (
	"context"
	"fmt"
	"reflect"
)

// Subscriber is the consumption capability every subscriber variant implements.
//
// Consume is invoked on an arbitrary worker goroutine, possibly concurrently
// with other deliveries to the same subscriber. It must not block
// indefinitely and should honour ctx, which carries the delivery timeout when
// one is configured. A returned error or a panic is confined to this single
// delivery.
type Subscriber interface {
	Consume(ctx context.Context, msg Message) error
}

// Named is implemented by subscribers that want a stable name in logs and traces.
type Named interface {
	Name() string
}

// SubscriberName returns the name used to identify s in logs.
func SubscriberName(s Subscriber) string {
	if n, ok := s.(Named); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%T", s)
}

// checkSubscriber verifies s can be stored in a topic's membership set.
// Membership is by identity, so the dynamic type must be comparable.
func checkSubscriber(s Subscriber) error {
	if s == nil {
		return ErrNilSubscriber
	}
	if t := reflect.TypeOf(s); !t.Comparable() {
		return fmt.Errorf("%w: %s", ErrSubscriberNotComparable, t)
	}
	return nil
}

type topicKey struct{}

// ContextWithTopic returns a context carrying the name of the topic a
// delivery originates from.
func ContextWithTopic(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, topicKey{}, topic)
}

// TopicFromContext returns the topic of the delivery being consumed.
func TopicFromContext(ctx context.Context) (string, bool) {
	topic, ok := ctx.Value(topicKey{}).(string)
	return topic, ok
}
