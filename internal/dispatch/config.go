package dispatch

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// OverflowPolicy decides what Dispatch does when the queue is full.
type OverflowPolicy string

const (
	// OverflowBlock waits for queue capacity or for the caller's context.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDrop rejects the task with ErrQueueFull.
	OverflowDrop OverflowPolicy = "drop"
)

// ParseOverflowPolicy converts a configuration string into a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case OverflowBlock, "":
		return OverflowBlock, nil
	case OverflowDrop:
		return OverflowDrop, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q (want block or drop)", s)
	}
}

// Config holds the tunable capacity of a Pool.
type Config struct {
	// Workers is the number of goroutines executing deliveries.
	Workers int
	// QueueSize is the number of tasks that may wait for a worker.
	QueueSize int
	// Overflow selects the behaviour when the queue is full.
	Overflow OverflowPolicy
	// DeliveryTimeout bounds a single delivery. Zero means no timeout.
	DeliveryTimeout time.Duration

	Logger       *slog.Logger
	Tracer       trace.Tracer
	ErrorHandler ErrorHandler
}

// DefaultConfig returns one worker per CPU and a queue of 1024 tasks.
func DefaultConfig() Config {
	return Config{
		Workers:   runtime.NumCPU(),
		QueueSize: 1024,
		Overflow:  OverflowBlock,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Overflow == "" {
		c.Overflow = def.Overflow
	}
	if c.DeliveryTimeout < 0 {
		c.DeliveryTimeout = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("topicbus-dispatch")
	}
	return c
}
