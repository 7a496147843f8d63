// Package testutils holds helpers shared by the broker's integration tests.
package testutils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/nfrund/topicbus/internal/broker"
	"github.com/nfrund/topicbus/internal/config"
	"github.com/nfrund/topicbus/internal/dispatch"
	"github.com/nfrund/topicbus/internal/logging"
)

// Wait and Tick are the defaults for require.Eventually in delivery tests.
const (
	Wait = 2 * time.Second
	Tick = 5 * time.Millisecond
)

// ConfigForTests returns a small, valid configuration. When the module root
// holds a .env.test file its variables are applied for the duration of t.
func ConfigForTests(t *testing.T) *config.Config {
	t.Helper()

	if root, ok := projectRoot(); ok {
		env, err := godotenv.Read(filepath.Join(root, ".env.test"))
		switch {
		case err == nil:
			for key, value := range env {
				t.Setenv(key, value)
			}
		case !errors.Is(err, os.ErrNotExist):
			t.Fatalf("failed to load .env.test file: %v", err)
		}
	}

	cfg, err := config.FromEnv(os.LookupEnv)
	if err != nil {
		t.Fatalf("invalid test configuration: %v", err)
	}
	cfg.Dispatcher.Workers = 2
	cfg.Dispatcher.QueueSize = 64
	cfg.Dispatcher.ShutdownTimeout = 5 * time.Second
	return cfg
}

// projectRoot walks up from the working directory to the directory holding go.mod.
func projectRoot() (string, bool) {
	path, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		if _, err := os.Stat(filepath.Join(path, "go.mod")); err == nil {
			return path, true
		}
		if path == filepath.Dir(path) {
			return "", false
		}
		path = filepath.Dir(path)
	}
}

// NewBroker returns a broker on a fresh worker pool with logging discarded.
// The broker is closed, draining pending deliveries, when t finishes.
func NewBroker(t *testing.T, cfg dispatch.Config) *broker.Broker {
	t.Helper()

	logger := logging.Discard()
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	b := broker.New(dispatch.NewPool(cfg), broker.WithLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Close(ctx); err != nil && !errors.Is(err, broker.ErrBrokerClosed) {
			t.Errorf("close broker: %v", err)
		}
	})
	return b
}

// NewTopic is NewBroker with one topic already created.
func NewTopic(t *testing.T, cfg dispatch.Config, topic string) *broker.Broker {
	t.Helper()

	b := NewBroker(t, cfg)
	if err := b.CreateTopic(topic); err != nil {
		t.Fatalf("create topic %s: %v", topic, err)
	}
	return b
}
