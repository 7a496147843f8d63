package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the broker process.
type Config struct {
	Dispatcher DispatcherConfig
	Log        LogConfig
	Tracing    TracingConfig
}

// DispatcherConfig sizes the delivery worker pool.
type DispatcherConfig struct {
	Workers         int           `validate:"min=1"`
	QueueSize       int           `validate:"min=1"`
	Overflow        string        `validate:"oneof=block drop"`
	DeliveryTimeout time.Duration `validate:"min=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Format string `validate:"oneof=text json"`
	Level  string `validate:"oneof=debug info warn error"`
}

// TracingConfig holds configuration for OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool
	ServiceName string `validate:"required"`
	ZipkinURL   string `validate:"omitempty,url"`
}

// Default returns the configuration used when no variables are set.
func Default() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			Workers:         runtime.NumCPU(),
			QueueSize:       1024,
			Overflow:        "block",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "topicbus",
			ZipkinURL:   "http://localhost:9411/api/v2/spans",
		},
	}
}

// Load reads a .env file if present, then environment variables, and
// validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
		slog.Debug("No .env file found, relying on environment variables")
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, starting from Default.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	p := envParser{lookup: lookup}

	p.intVar("TOPICBUS_WORKERS", &cfg.Dispatcher.Workers)
	p.intVar("TOPICBUS_QUEUE_SIZE", &cfg.Dispatcher.QueueSize)
	p.lowerVar("TOPICBUS_OVERFLOW", &cfg.Dispatcher.Overflow)
	p.durationVar("TOPICBUS_DELIVERY_TIMEOUT", &cfg.Dispatcher.DeliveryTimeout)
	p.durationVar("TOPICBUS_SHUTDOWN_TIMEOUT", &cfg.Dispatcher.ShutdownTimeout)
	p.lowerVar("LOG_FORMAT", &cfg.Log.Format)
	p.lowerVar("LOG_LEVEL", &cfg.Log.Level)
	p.boolVar("TOPICBUS_TRACING_ENABLED", &cfg.Tracing.Enabled)
	p.strVar("TOPICBUS_TRACING_SERVICE_NAME", &cfg.Tracing.ServiceName)
	p.strVar("TOPICBUS_TRACING_ZIPKIN_URL", &cfg.Tracing.ZipkinURL)

	if len(p.errs) > 0 {
		return nil, fmt.Errorf("parse environment: %w", errors.Join(p.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Tracing.Enabled && c.Tracing.ZipkinURL == "" {
		return errors.New("invalid configuration: tracing is enabled but no Zipkin URL is set")
	}
	return nil
}

type envParser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *envParser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *envParser) strVar(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *envParser) lowerVar(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = strings.ToLower(v)
	}
}

func (p *envParser) intVar(key string, dst *int) {
	if v, ok := p.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (p *envParser) boolVar(key string, dst *bool) {
	if v, ok := p.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (p *envParser) durationVar(key string, dst *time.Duration) {
	if v, ok := p.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}
