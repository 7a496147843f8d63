package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Metadata written on messages published through an Event.
const (
	MetaContentType = "content_type"
	MetaEventType   = "event_type"
)

const contentTypeJSON = "application/json"

// Event[T] binds a topic name to a payload type and provides type-safe
// publishing of JSON-encoded messages.
type Event[T any] struct {
	topic    string
	typeName string
}

// NewEvent defines a typed event on topic, which must match
// HierarchicalTopicPattern. It panics on an invalid name because events are
// usually declared at package level, where a bad name is a programming error.
func NewEvent[T any](topic string) Event[T] {
	if err := ValidateTopicNamePattern(topic, HierarchicalTopicPattern); err != nil {
		panic(fmt.Sprintf("broker: NewEvent: %v", err))
	}
	return Event[T]{topic: topic, typeName: typeName[T]()}
}

func typeName[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	// Handle both struct and pointer to struct
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// Topic returns the topic name.
func (e Event[T]) Topic() string {
	return e.topic
}

// Message encodes payload into a message tagged with the event type.
func (e Event[T]) Message(payload T, opts ...MessageOption) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", e.typeName, err)
	}
	md := WithMetadata(map[string]string{
		MetaContentType: contentTypeJSON,
		MetaEventType:   e.typeName,
	})
	return NewBytesMessage(data, append([]MessageOption{md}, opts...)...), nil
}

// Decode parses msg back into the event payload.
func (e Event[T]) Decode(msg Message) (T, error) {
	var payload T
	if err := json.Unmarshal(msg.Bytes(), &payload); err != nil {
		return payload, fmt.Errorf("decode %s from message %s: %w", e.typeName, msg.ID(), err)
	}
	return payload, nil
}

// PublishEvent sends a typed event. The compiler ensures payload matches T.
func PublishEvent[T any](ctx context.Context, b *Broker, event Event[T], payload T) (Message, error) {
	msg, err := event.Message(payload)
	if err != nil {
		return Message{}, err
	}
	return msg, b.Publish(ctx, event.Topic(), msg)
}

// Handle adapts a typed handler to a Subscriber. Messages that fail to
// decode are reported as delivery errors.
func Handle[T any](name string, event Event[T], fn func(ctx context.Context, payload T) error) *EventHandler[T] {
	return &EventHandler[T]{name: name, event: event, fn: fn}
}

// EventHandler is the Subscriber returned by Handle.
type EventHandler[T any] struct {
	name  string
	event Event[T]
	fn    func(ctx context.Context, payload T) error
}

// Consume implements Subscriber.
func (h *EventHandler[T]) Consume(ctx context.Context, msg Message) error {
	payload, err := h.event.Decode(msg)
	if err != nil {
		return err
	}
	return h.fn(ctx, payload)
}

// Name implements Named.
func (h *EventHandler[T]) Name() string {
	return h.name
}
