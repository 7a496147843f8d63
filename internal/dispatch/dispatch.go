// Package dispatch provides the asynchronous execution facility that sits
// between a topic broadcast and the subscribers that consume it.
//
// A broadcast turns every (subscriber, message) pair into a Task and hands it
// to a Dispatcher. The Dispatcher decides when and on which worker goroutine
// the task runs. Dispatch is fire-and-forget: callers never wait for a task to
// finish, and a failing task never affects its siblings.
//
// The Pool implementation is a bounded queue drained by a fixed number of
// workers:
//
//	pool := dispatch.NewPool(dispatch.Config{Workers: 8, QueueSize: 1024})
//	defer pool.Shutdown(context.Background())
//
//	err := pool.Dispatch(ctx, dispatch.Task{
//		Topic:      "orders",
//		Subscriber: "audit",
//		MessageID:  msg.ID(),
//		Run:        func(ctx context.Context) error { return sub.Consume(ctx, msg) },
//	})
package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrDispatcherClosed is returned when work is submitted after Shutdown.
	ErrDispatcherClosed = errors.New("dispatch: dispatcher is closed")

	// ErrQueueFull is returned under OverflowDrop when the queue has no room.
	ErrQueueFull = errors.New("dispatch: queue is full")

	// ErrDeliveryTimeout marks a delivery that exceeded the configured timeout.
	ErrDeliveryTimeout = errors.New("dispatch: delivery timed out")

	// ErrSubscriberPanic marks a delivery whose subscriber panicked.
	ErrSubscriberPanic = errors.New("dispatch: subscriber panicked")
)

// Task is one independent unit of delivery work.
// The descriptive fields are used for logging and tracing only.
type Task struct {
	Topic      string
	Subscriber string
	MessageID  string
	Run        func(ctx context.Context) error
}

// Dispatcher schedules tasks for asynchronous execution.
type Dispatcher interface {
	// Dispatch enqueues task and returns once it is scheduled, never once it
	// has run. ctx bounds only the time spent waiting for queue capacity.
	Dispatch(ctx context.Context, task Task) error

	// Shutdown stops accepting work and drains what is already queued.
	// If ctx expires first, remaining queued work is abandoned.
	Shutdown(ctx context.Context) error
}

// DeliveryError describes a failed delivery. It is captured by the
// dispatcher, reported and then discarded.
type DeliveryError struct {
	Topic      string
	Subscriber string
	MessageID  string
	Cause      error
}

// Error implements the error interface
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of message %s on topic %q to %s failed: %v",
		e.MessageID, e.Topic, e.Subscriber, e.Cause)
}

// Unwrap returns the underlying error
func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// ErrorHandler is notified of every failed delivery after it has been logged.
type ErrorHandler func(err *DeliveryError)
