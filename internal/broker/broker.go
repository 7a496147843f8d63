// Package broker implements an in-process publish/subscribe broker.
//
// A Broker owns a registry of named topics. Subscribers attach to a topic and
// receive every message published to it afterwards. Publishing never waits
// for subscribers: each delivery is handed to a dispatch.Dispatcher and runs
// on a shared worker pool.
//
// Usage:
//
//	pool := dispatch.NewPool(dispatch.DefaultConfig())
//	b := broker.New(pool)
//	defer b.Close(context.Background())
//
//	_ = b.CreateTopic("orders")
//	_ = b.Subscribe("orders", auditSubscriber)
//	_ = b.Publish(ctx, "orders", broker.NewMessage("order-42 created"))
package broker

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/topicbus/internal/dispatch"
)

// Broker is the single entry point for topic lifecycle and
// publish/subscribe operations. It is safe for concurrent use.
type Broker struct {
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
	tracer     trace.Tracer
	namePolicy *regexp.Regexp

	mu     sync.RWMutex // guards topics and closed; lookups vastly outnumber inserts
	topics map[string]*Topic
	closed bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger used by the broker and its topics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTracer sets the tracer used for publish spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(b *Broker) {
		if tracer != nil {
			b.tracer = tracer
		}
	}
}

// WithTopicNamePattern restricts CreateTopic to names matching pattern,
// for example HierarchicalTopicPattern. Without it any non-empty name is
// accepted.
func WithTopicNamePattern(pattern *regexp.Regexp) Option {
	return func(b *Broker) {
		b.namePolicy = pattern
	}
}

// New creates a broker that schedules deliveries on d. The broker takes
// ownership of d and shuts it down in Close.
func New(d dispatch.Dispatcher, opts ...Option) *Broker {
	b := &Broker{
		dispatcher: d,
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("topicbus"),
		topics:     make(map[string]*Topic),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateTopic registers a topic under name. Creating a topic that already
// exists is a no-op and leaves its subscribers untouched.
func (b *Broker) CreateTopic(name string) error {
	if err := ValidateTopicNamePattern(name, b.namePolicy); err != nil {
		return &TopicError{
			Type:    ErrorInvalidName,
			Op:      "create",
			Topic:   name,
			Message: "invalid topic name",
			Cause:   err,
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return brokerClosed("create", name)
	}
	if _, exists := b.topics[name]; exists {
		return nil
	}
	b.topics[name] = newTopic(name, b.dispatcher, b.logger)
	b.logger.Debug("Topic created", "topic", name)
	return nil
}

// DeleteTopic removes a topic from the registry and reports whether it
// existed. Deliveries already scheduled still run; later operations on the
// name behave as if the topic was never created.
func (b *Broker) DeleteTopic(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.topics[name]; !exists {
		return false
	}
	delete(b.topics, name)
	b.logger.Debug("Topic deleted", "topic", name)
	return true
}

// Subscribe attaches s to the named topic. s receives messages published
// from this point on. Subscribing twice is a no-op.
func (b *Broker) Subscribe(topicName string, s Subscriber) error {
	if err := checkSubscriber(s); err != nil {
		return &TopicError{
			Type:    ErrorInvalidSubscriber,
			Op:      "subscribe",
			Topic:   topicName,
			Message: "invalid subscriber",
			Cause:   err,
		}
	}

	t, err := b.lookup("subscribe", topicName)
	if err != nil {
		return err
	}
	if t.add(s) {
		b.logger.Debug("Subscriber attached",
			"topic", topicName,
			"subscriber", SubscriberName(s),
			"total_subscribers", t.Len())
	}
	return nil
}

// Unsubscribe detaches s from the named topic. It never fails: an unknown
// topic, a subscriber that is not a member and a closed broker are all no-ops.
func (b *Broker) Unsubscribe(topicName string, s Subscriber) {
	if s == nil || checkSubscriber(s) != nil {
		return
	}

	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return
	}
	if t.remove(s) {
		b.logger.Debug("Subscriber detached",
			"topic", topicName,
			"subscriber", SubscriberName(s),
			"total_subscribers", t.Len())
	}
}

// Publish broadcasts msg to every current subscriber of the named topic.
// It returns once the deliveries are scheduled; subscribers may not have
// started consuming yet. ctx bounds only the wait for dispatcher capacity.
func (b *Broker) Publish(ctx context.Context, topicName string, msg Message) (err error) {
	ctx, span := b.tracer.Start(ctx, "topicbus.publish."+topicName,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "topicbus"),
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.destination", topicName),
			attribute.String("messaging.message_id", msg.ID()),
			attribute.Int("messaging.message_payload_size_bytes", len(msg.Content())),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	t, err := b.lookup("publish", topicName)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("messaging.subscriber_count", t.Len()))

	if err := t.Broadcast(ctx, msg); err != nil {
		if errors.Is(err, dispatch.ErrDispatcherClosed) {
			return brokerClosed("publish", topicName)
		}
		return &TopicError{
			Type:    ErrorDispatchFailed,
			Op:      "publish",
			Topic:   topicName,
			Message: "dispatch failed",
			Cause:   err,
		}
	}
	return nil
}

// Topic returns the named topic.
func (b *Broker) Topic(name string) (*Topic, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.topics[name]
	return t, ok
}

// HasTopic reports whether name is registered.
func (b *Broker) HasTopic(name string) bool {
	_, ok := b.Topic(name)
	return ok
}

// Topics returns the registered topic names in sorted order.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SubscriberCount returns the number of subscribers attached to name.
func (b *Broker) SubscriberCount(name string) (int, error) {
	t, err := b.lookup("count", name)
	if err != nil {
		return 0, err
	}
	return t.Len(), nil
}

// Close rejects further operations and shuts the dispatcher down, letting
// queued deliveries drain until ctx expires.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.closed = true
	topicCount := len(b.topics)
	b.mu.Unlock()

	b.logger.Info("Broker closing", "topics", topicCount)
	return b.dispatcher.Shutdown(ctx)
}

func (b *Broker) lookup(op, name string) (*Topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, brokerClosed(op, name)
	}
	t, ok := b.topics[name]
	if !ok {
		return nil, topicNotFound(op, name)
	}
	return t, nil
}
