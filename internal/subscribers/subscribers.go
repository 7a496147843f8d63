// Package subscribers contains ready-made broker.Subscriber variants:
// console printing, structured logging, file logging, forwarding onto a
// watermill publisher and in-memory recording.
package subscribers

import (
	"context"
	"fmt"

	"github.com/nfrund/topicbus/internal/broker"
)

// FuncSubscriber adapts a plain function to broker.Subscriber.
// Always use it through the pointer returned by Func so that it can be
// unsubscribed by identity.
type FuncSubscriber struct {
	name string
	fn   func(ctx context.Context, msg broker.Message) error
}

// Compile-time interface compliance check
var (
	_ broker.Subscriber = (*FuncSubscriber)(nil)
	_ broker.Named      = (*FuncSubscriber)(nil)
)

// Func wraps fn in a named subscriber.
func Func(name string, fn func(ctx context.Context, msg broker.Message) error) *FuncSubscriber {
	return &FuncSubscriber{name: name, fn: fn}
}

// Consume implements broker.Subscriber.
func (f *FuncSubscriber) Consume(ctx context.Context, msg broker.Message) error {
	if f.fn == nil {
		return fmt.Errorf("subscriber %s has no handler", f.name)
	}
	return f.fn(ctx, msg)
}

// Name implements broker.Named.
func (f *FuncSubscriber) Name() string {
	return f.name
}
