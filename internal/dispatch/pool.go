package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle state of a Pool.
type State int32

const (
	StateAccepting State = iota
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
	Workers   int    `json:"workers"`
}

type job struct {
	task Task
	link trace.Link
}

// Pool is a Dispatcher backed by a bounded queue and a fixed set of workers.
type Pool struct {
	cfg Config

	queue   chan job
	closing chan struct{} // closed when Shutdown starts, unblocks waiting senders
	done    chan struct{} // closed when every worker has returned

	// mu orders the accepting -> shutting down transition against senders.
	mu      sync.RWMutex
	state   atomic.Int32
	senders sync.WaitGroup
	workers sync.WaitGroup

	// baseCtx is handed to deliveries; cancelled when queued work is abandoned.
	baseCtx context.Context
	abandon context.CancelFunc

	submitted atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Compile-time interface compliance check
var _ Dispatcher = (*Pool)(nil)

// NewPool starts cfg.Workers goroutines and returns a pool ready for work.
func NewPool(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:     cfg,
		queue:   make(chan job, cfg.QueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		baseCtx: ctx,
		abandon: cancel,
	}

	p.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.work()
	}

	go func() {
		p.workers.Wait()
		p.state.Store(int32(StateStopped))
		close(p.done)
	}()

	cfg.Logger.Debug("Dispatcher started",
		"workers", cfg.Workers,
		"queue_size", cfg.QueueSize,
		"overflow", string(cfg.Overflow),
		"delivery_timeout", cfg.DeliveryTimeout)

	return p
}

// Dispatch implements Dispatcher.
func (p *Pool) Dispatch(ctx context.Context, task Task) error {
	if task.Run == nil {
		return fmt.Errorf("dispatch: task for topic %q has no Run function", task.Topic)
	}

	p.mu.RLock()
	if State(p.state.Load()) != StateAccepting {
		p.mu.RUnlock()
		return ErrDispatcherClosed
	}
	p.senders.Add(1)
	p.mu.RUnlock()
	defer p.senders.Done()

	j := job{task: task, link: trace.LinkFromContext(ctx)}

	// Fast path: room in the queue.
	select {
	case p.queue <- j:
		p.submitted.Add(1)
		return nil
	default:
	}

	if p.cfg.Overflow == OverflowDrop {
		p.dropped.Add(1)
		p.cfg.Logger.Warn("Dispatch queue full, dropping delivery",
			"topic", task.Topic,
			"subscriber", task.Subscriber,
			"message_id", task.MessageID)
		return ErrQueueFull
	}

	select {
	case p.queue <- j:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrDispatcherClosed
	}
}

// Shutdown implements Dispatcher. It may be called once; later calls return
// ErrDispatcherClosed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if State(p.state.Load()) != StateAccepting {
		p.mu.Unlock()
		return ErrDispatcherClosed
	}
	p.state.Store(int32(StateShuttingDown))
	close(p.closing)
	p.mu.Unlock()

	// No sender can start after the state change, so once the in-flight
	// ones return the queue can be closed and the workers drain it.
	p.senders.Wait()
	close(p.queue)

	p.cfg.Logger.Debug("Dispatcher shutting down", "queued", len(p.queue))

	select {
	case <-p.done:
		p.abandon()
		p.cfg.Logger.Debug("Dispatcher stopped", "delivered", p.delivered.Load(), "failed", p.failed.Load())
		return nil
	case <-ctx.Done():
		p.abandon()
		p.cfg.Logger.Warn("Dispatcher shutdown deadline reached, abandoning queued deliveries",
			"queued", len(p.queue))
		return fmt.Errorf("dispatch: shutdown: %w", ctx.Err())
	}
}

// State returns the current lifecycle state.
func (p *Pool) State() State {
	return State(p.state.Load())
}

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Delivered: p.delivered.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
		Workers:   p.cfg.Workers,
	}
}

func (p *Pool) work() {
	defer p.workers.Done()

	for j := range p.queue {
		if p.baseCtx.Err() != nil {
			p.dropped.Add(1)
			continue
		}
		p.run(j)
	}
}

// run executes one delivery. Every error, including a panic or a timeout,
// stays inside this function.
func (p *Pool) run(j job) {
	t := j.task

	ctx := p.baseCtx
	if p.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
		defer cancel()
	}

	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "topicbus"),
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.destination", t.Topic),
			attribute.String("messaging.message_id", t.MessageID),
			attribute.String("messaging.consumer", t.Subscriber),
		),
	}
	if j.link.SpanContext.IsValid() {
		opts = append(opts, trace.WithLinks(j.link))
	}
	ctx, span := p.cfg.Tracer.Start(ctx, "topicbus.deliver."+t.Topic, opts...)
	defer span.End()

	err := p.invoke(ctx, t.Run)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = ErrDeliveryTimeout
	} else if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrDeliveryTimeout) {
		err = fmt.Errorf("%w: %w", ErrDeliveryTimeout, err)
	}

	if err == nil {
		p.delivered.Add(1)
		return
	}

	p.failed.Add(1)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	derr := &DeliveryError{
		Topic:      t.Topic,
		Subscriber: t.Subscriber,
		MessageID:  t.MessageID,
		Cause:      err,
	}
	p.cfg.Logger.Error("Delivery failed",
		"topic", t.Topic,
		"subscriber", t.Subscriber,
		"message_id", t.MessageID,
		"error", err)

	if p.cfg.ErrorHandler != nil {
		p.notify(derr)
	}
}

// notify guards the pool against a panicking error handler.
func (p *Pool) notify(derr *DeliveryError) {
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.Error("Delivery error handler panicked", "panic", r)
		}
	}()
	p.cfg.ErrorHandler(derr)
}

func (p *Pool) invoke(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.Debug("Recovered subscriber panic", "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrSubscriberPanic, r)
		}
	}()
	return run(ctx)
}
