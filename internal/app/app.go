// Package app wires the broker, its dispatcher and the ambient services
// together with an explicit construction and shutdown lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/do/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/topicbus/internal/broker"
	"github.com/nfrund/topicbus/internal/config"
	"github.com/nfrund/topicbus/internal/dispatch"
	"github.com/nfrund/topicbus/internal/logging"
	"github.com/nfrund/topicbus/internal/telemetry"
)

// Version is reported in traces and by the CLI. Set at build time with
// -ldflags "-X github.com/nfrund/topicbus/internal/app.Version=1.2.3".
var Version = "0.1.0"

// App holds the constructed services.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Broker *broker.Broker
	Pool   *dispatch.Pool

	injector *do.RootScope
	tracing  *tracing

	shutdownOnce sync.Once
	shutdownErr  error
}

type tracing struct {
	tracer   trace.Tracer
	shutdown telemetry.ShutdownFunc
}

// Option customizes construction.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	errorHandler dispatch.ErrorHandler
}

// WithLogger uses logger instead of building one from the configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithErrorHandler registers a hook for failed deliveries.
func WithErrorHandler(h dispatch.ErrorHandler) Option {
	return func(o *options) {
		o.errorHandler = h
	}
}

// New builds every service described by cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	injector := do.New()
	do.ProvideValue(injector, cfg)
	do.Provide(injector, func(i do.Injector) (*slog.Logger, error) {
		if o.logger != nil {
			return o.logger, nil
		}
		c := do.MustInvoke[*config.Config](i)
		return logging.New(c.Log.Format, c.Log.Level), nil
	})
	do.Provide(injector, func(i do.Injector) (*tracing, error) {
		c := do.MustInvoke[*config.Config](i)
		tracer, shutdown, err := telemetry.Setup(ctx, telemetry.Config{
			Enabled:     c.Tracing.Enabled,
			ServiceName: c.Tracing.ServiceName,
			ZipkinURL:   c.Tracing.ZipkinURL,
			Version:     Version,
		})
		if err != nil {
			return nil, fmt.Errorf("setup tracing: %w", err)
		}
		return &tracing{tracer: tracer, shutdown: shutdown}, nil
	})
	do.Provide(injector, func(i do.Injector) (*dispatch.Pool, error) {
		c := do.MustInvoke[*config.Config](i)
		overflow, err := dispatch.ParseOverflowPolicy(c.Dispatcher.Overflow)
		if err != nil {
			return nil, err
		}
		tr, err := do.Invoke[*tracing](i)
		if err != nil {
			return nil, err
		}
		return dispatch.NewPool(dispatch.Config{
			Workers:         c.Dispatcher.Workers,
			QueueSize:       c.Dispatcher.QueueSize,
			Overflow:        overflow,
			DeliveryTimeout: c.Dispatcher.DeliveryTimeout,
			Logger:          do.MustInvoke[*slog.Logger](i),
			Tracer:          tr.tracer,
			ErrorHandler:    o.errorHandler,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (*broker.Broker, error) {
		pool, err := do.Invoke[*dispatch.Pool](i)
		if err != nil {
			return nil, err
		}
		return broker.New(pool,
			broker.WithLogger(do.MustInvoke[*slog.Logger](i)),
			broker.WithTracer(do.MustInvoke[*tracing](i).tracer),
		), nil
	})

	b, err := do.Invoke[*broker.Broker](injector)
	if err != nil {
		return nil, fmt.Errorf("build broker: %w", err)
	}

	a := &App{
		Config:   cfg,
		Logger:   do.MustInvoke[*slog.Logger](injector),
		Broker:   b,
		Pool:     do.MustInvoke[*dispatch.Pool](injector),
		injector: injector,
		tracing:  do.MustInvoke[*tracing](injector),
	}
	a.Logger.Info("Broker ready",
		"workers", cfg.Dispatcher.Workers,
		"queue_size", cfg.Dispatcher.QueueSize,
		"overflow", cfg.Dispatcher.Overflow,
		"tracing", cfg.Tracing.Enabled)
	return a, nil
}

// Tracer returns the tracer shared by the broker and the dispatcher.
func (a *App) Tracer() trace.Tracer {
	return a.tracing.tracer
}

// Injector exposes the container so callers can resolve or add services.
func (a *App) Injector() do.Injector {
	return a.injector
}

// Shutdown closes the broker, drains the dispatcher within the configured
// shutdown timeout and flushes traces. Later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.Config.Dispatcher.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Broker.Close(ctx); err != nil && !errors.Is(err, broker.ErrBrokerClosed) {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}
	if err := a.tracing.shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}

	stats := a.Pool.Stats()
	a.Logger.Info("Broker stopped",
		"submitted", stats.Submitted,
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped)
	return errors.Join(errs...)
}
