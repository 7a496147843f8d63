package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nfrund/topicbus/internal/dispatch"
)

// Topic owns the subscriber set of one topic name and broadcasts messages
// to it.
//
// Membership is copy-on-write: Subscribe and Unsubscribe build a new slice
// under mu and publish it atomically, so Broadcast reads a consistent
// snapshot without taking any lock.
type Topic struct {
	name       string
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger

	mu   sync.Mutex // serializes writers only
	subs atomic.Pointer[[]Subscriber]
}

func newTopic(name string, d dispatch.Dispatcher, logger *slog.Logger) *Topic {
	t := &Topic{
		name:       name,
		dispatcher: d,
		logger:     logger,
	}
	t.subs.Store(&[]Subscriber{})
	return t
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Subscribers returns the current membership snapshot.
func (t *Topic) Subscribers() []Subscriber {
	snap := *t.subs.Load()
	out := make([]Subscriber, len(snap))
	copy(out, snap)
	return out
}

// Len returns the number of subscribers.
func (t *Topic) Len() int {
	return len(*t.subs.Load())
}

// Has reports whether s is a member.
func (t *Topic) Has(s Subscriber) bool {
	if checkSubscriber(s) != nil {
		return false
	}
	for _, cur := range *t.subs.Load() {
		if cur == s {
			return true
		}
	}
	return false
}

// add inserts s and reports whether it was not already present.
func (t *Topic) add(s Subscriber) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.subs.Load()
	for _, cur := range old {
		if cur == s {
			return false
		}
	}
	next := make([]Subscriber, len(old), len(old)+1)
	copy(next, old)
	next = append(next, s)
	t.subs.Store(&next)
	return true
}

// remove deletes s and reports whether it was present.
func (t *Topic) remove(s Subscriber) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.subs.Load()
	idx := -1
	for i, cur := range old {
		if cur == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	next := make([]Subscriber, 0, len(old)-1)
	next = append(next, old[:idx]...)
	next = append(next, old[idx+1:]...)
	t.subs.Store(&next)
	return true
}

// Broadcast submits one delivery per subscriber in the current snapshot and
// returns once all of them are scheduled. Subscribers added while the loop
// runs are not part of the snapshot and do not receive msg.
//
// A full queue under the drop policy only loses that one delivery. A closed
// dispatcher or a cancelled ctx stops the loop and is returned.
func (t *Topic) Broadcast(ctx context.Context, msg Message) error {
	snap := *t.subs.Load()
	if len(snap) == 0 {
		t.logger.Debug("Broadcast with no subscribers", "topic", t.name, "message_id", msg.ID())
		return nil
	}

	for i, s := range snap {
		err := t.dispatcher.Dispatch(ctx, t.task(s, msg))
		switch {
		case err == nil:
		case errors.Is(err, dispatch.ErrQueueFull):
			// Dropped and counted by the dispatcher.
		default:
			return fmt.Errorf("broadcast to %d of %d subscribers: %w", i, len(snap), err)
		}
	}
	return nil
}

func (t *Topic) task(s Subscriber, msg Message) dispatch.Task {
	topic := t.name
	return dispatch.Task{
		Topic:      topic,
		Subscriber: SubscriberName(s),
		MessageID:  msg.ID(),
		Run: func(ctx context.Context) error {
			return s.Consume(ContextWithTopic(ctx, topic), msg)
		},
	}
}
