package subscribers

import (
	"context"
	"sync"

	"github.com/nfrund/topicbus/internal/broker"
)

// Recorder keeps every consumed message in memory. It is used by the demo
// command and by tests that need to observe deliveries.
type Recorder struct {
	name string
	err  error

	mu       sync.Mutex
	messages []broker.Message
	notify   chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder(name string) *Recorder {
	return &Recorder{name: name, notify: make(chan struct{}, 1)}
}

// NewFailingRecorder records messages but fails every delivery with err.
func NewFailingRecorder(name string, err error) *Recorder {
	r := NewRecorder(name)
	r.err = err
	return r
}

// Consume implements broker.Subscriber.
func (r *Recorder) Consume(_ context.Context, msg broker.Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return r.err
}

// Name implements broker.Named.
func (r *Recorder) Name() string {
	return r.name
}

// Messages returns a copy of the recorded messages in arrival order.
func (r *Recorder) Messages() []broker.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]broker.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Contents returns the recorded payloads in arrival order.
func (r *Recorder) Contents() []string {
	msgs := r.Messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content()
	}
	return out
}

// Count returns the number of recorded messages.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.messages)
}

// Received signals, without blocking the consumer, that at least one new
// message arrived since the last receive.
func (r *Recorder) Received() <-chan struct{} {
	return r.notify
}

// Reset drops all recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = nil
}
