// Package bridge connects the in-process broker to watermill transports.
//
// Forward attaches a subscriber that copies a broker topic onto a watermill
// topic. Ingest runs the other direction: it consumes a watermill topic and
// publishes every message into a broker topic. The default transport is
// watermill's in-memory GoChannel.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/topicbus/internal/broker"
	"github.com/nfrund/topicbus/internal/subscribers"
)

// MetaKeySourceTopic records the watermill topic an ingested message came from.
const MetaKeySourceTopic = "source_topic"

// ErrClosed is returned by operations on a closed bridge.
var ErrClosed = errors.New("bridge is closed")

// Bridge moves messages between a Broker and a watermill Pub/Sub.
type Bridge struct {
	broker *broker.Broker
	pub    message.Publisher
	sub    message.Subscriber
	logger *slog.Logger
	tracer trace.Tracer

	mu         sync.Mutex
	closed     bool
	forwarders []forwarding
	loops      sync.WaitGroup
}

type forwarding struct {
	topic string
	sub   *subscribers.Forwarder
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger for bridge events.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTracer traces forwarded and ingested messages.
func WithTracer(tracer trace.Tracer) Option {
	return func(b *Bridge) {
		if tracer != nil {
			b.tracer = tracer
		}
	}
}

// New creates a bridge over an existing watermill publisher and subscriber.
// The bridge takes ownership of both and closes them in Close.
func New(bk *broker.Broker, pub message.Publisher, sub message.Subscriber, opts ...Option) *Bridge {
	b := &Bridge{
		broker: bk,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("topicbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.pub = newTracingPublisher(pub, b.tracer)
	b.sub = sub
	return b
}

// NewInMemory creates a bridge backed by a watermill GoChannel.
func NewInMemory(bk *broker.Broker, opts ...Option) *Bridge {
	// GoChannel is a simple in-memory pub/sub implementation.
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{},
		watermill.NewStdLogger(false, false),
	)
	return New(bk, goChannel, goChannel, opts...)
}

// Publisher returns the traced watermill publisher used for forwarding.
func (b *Bridge) Publisher() message.Publisher {
	return b.pub
}

// Forward subscribes a forwarder to topic that publishes every message to
// the watermill topic target. An empty target reuses the broker topic name.
func (b *Bridge) Forward(topic, target string) (*subscribers.Forwarder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	name := "forward:" + topic + "->" + target
	if target == "" {
		name = "forward:" + topic
	}
	f := subscribers.NewForwarder(name, b.pub, target)
	if err := b.broker.Subscribe(topic, f); err != nil {
		return nil, err
	}
	b.forwarders = append(b.forwarders, forwarding{topic: topic, sub: f})
	b.logger.Debug("Forwarding started", "topic", topic, "target", target)
	return f, nil
}

// Ingest consumes the watermill topic source and publishes each message to
// the broker topic. It returns once the subscription is active; the
// consuming loop runs until ctx is cancelled or the bridge is closed.
//
// A message is acked once it is scheduled on the broker. It is nacked for
// redelivery when publishing fails, unless the topic is gone or the broker
// is closed.
func (b *Bridge) Ingest(ctx context.Context, source, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if !b.broker.HasTopic(topic) {
		return fmt.Errorf("ingest %s: %w", source, broker.ErrTopicNotFound)
	}

	messages, err := b.sub.Subscribe(ctx, source)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", source, err)
	}

	b.loops.Add(1)
	go func() {
		defer b.loops.Done()
		for wmMsg := range messages {
			err := b.ingest(ctx, source, topic, wmMsg)
			if err == nil {
				wmMsg.Ack()
				continue
			}
			b.logger.Error("Failed to ingest message",
				"source", source,
				"topic", topic,
				"msg_id", wmMsg.UUID,
				"error", err)
			if permanent(err) {
				// Redelivery cannot succeed; drop the message.
				wmMsg.Ack()
				continue
			}
			wmMsg.Nack()
		}
		b.logger.Debug("Ingest loop ended", "source", source, "topic", topic)
	}()

	b.logger.Debug("Ingest started", "source", source, "topic", topic)
	return nil
}

func (b *Bridge) ingest(ctx context.Context, source, topic string, wmMsg *message.Message) error {
	if msgCtx := wmMsg.Context(); msgCtx != nil && trace.SpanContextFromContext(msgCtx).IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, trace.SpanContextFromContext(msgCtx))
	}
	ctx, span := b.tracer.Start(ctx, "topicbus.ingest."+source,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "watermill"),
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.source", source),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.message_id", wmMsg.UUID),
		),
	)
	defer span.End()

	if err := b.broker.Publish(ctx, topic, mapToBrokerMessage(source, wmMsg)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// mapToBrokerMessage converts a watermill message back to a broker message.
// The watermill UUID is kept as the message ID so a forwarded and re-ingested
// message can be correlated.
func mapToBrokerMessage(source string, wmMsg *message.Message) broker.Message {
	metadata := make(map[string]string, len(wmMsg.Metadata)+1)
	for k, v := range wmMsg.Metadata {
		if k != subscribers.MetaKeyTopic && k != subscribers.MetaKeyCreatedAt {
			metadata[k] = v
		}
	}
	metadata[MetaKeySourceTopic] = source

	opts := []broker.MessageOption{broker.WithMetadata(metadata)}
	if wmMsg.UUID != "" {
		opts = append(opts, broker.WithID(wmMsg.UUID))
	}
	if createdAt, err := time.Parse(time.RFC3339Nano, wmMsg.Metadata.Get(subscribers.MetaKeyCreatedAt)); err == nil {
		opts = append(opts, broker.WithCreatedAt(createdAt))
	}
	return broker.NewBytesMessage(wmMsg.Payload, opts...)
}

// Close detaches every forwarder, closes the watermill subscriber and
// publisher and waits for the ingest loops to end.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	forwarders := b.forwarders
	b.forwarders = nil
	b.mu.Unlock()

	for _, f := range forwarders {
		b.broker.Unsubscribe(f.topic, f.sub)
	}

	var errs []error
	if err := b.sub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close subscriber: %w", err))
	}
	b.loops.Wait()
	if err := b.pub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	return errors.Join(errs...)
}

func permanent(err error) bool {
	return errors.Is(err, broker.ErrTopicNotFound) || errors.Is(err, broker.ErrBrokerClosed)
}
