package cmd

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/topicbus/internal/app"
	"github.com/nfrund/topicbus/internal/config"
)

// syncBuffer lets concurrent subscribers share one output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")

	out := &syncBuffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		resetFlags(t)
	})

	require.NoError(t, rootCmd.Execute())
	return out.String()
}

// resetFlags restores the package-level flag values between runs.
func resetFlags(t *testing.T) {
	t.Helper()
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if err := f.Value.Set(f.DefValue); err != nil {
			t.Errorf("reset --%s: %v", f.Name, err)
		}
		f.Changed = false
	})
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.Equal(t, "topicbus v"+app.Version+"\n", out)
}

func TestConfigCommand(t *testing.T) {
	out := execute(t, "config", "--workers", "3", "--overflow", "drop")

	var cfg struct {
		Dispatcher struct {
			Workers  int
			Overflow string
		}
	}
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 3, cfg.Dispatcher.Workers)
	assert.Equal(t, "drop", cfg.Dispatcher.Overflow)
}

func TestDemoCommand(t *testing.T) {
	out := execute(t, "demo", "--forward", "--workers", "2")

	assert.Contains(t, out, `A received: ["order-42 created"]`)
	assert.Contains(t, out, `B received: ["order-42 created" "order-43 created"]`)
	assert.Contains(t, out, "console received on orders: order-43 created")
	assert.Contains(t, out, "forwarded received on audit: order-42 created")
	assert.Contains(t, out, "forwarded received on audit: order-43 created")
}

func TestFlagsDoNotLeakBetweenRuns(t *testing.T) {
	t.Run("with flags", func(t *testing.T) {
		execute(t, "config", "--overflow", "drop", "--workers", "7")
	})

	t.Run("without flags", func(t *testing.T) {
		out := execute(t, "config")
		var cfg struct {
			Dispatcher struct {
				Workers  int
				Overflow string
			}
		}
		require.NoError(t, json.Unmarshal([]byte(out), &cfg))

		want, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, want.Dispatcher.Overflow, cfg.Dispatcher.Overflow)
		assert.Equal(t, want.Dispatcher.Workers, cfg.Dispatcher.Workers)
		assert.False(t, rootCmd.PersistentFlags().Changed("overflow"))
	})
}
