package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/topicbus/internal/config"
)

var (
	flagWorkers         int
	flagQueueSize       int
	flagOverflow        string
	flagDeliveryTimeout time.Duration
	flagLogLevel        string
)

var rootCmd = &cobra.Command{
	Use:   "topicbus",
	Short: "In-process publish/subscribe broker",
	Long: `topicbus is a command-line driver for the in-process publish/subscribe broker.

Available commands:
  demo      Run the orders scenario against a live broker
  bench     Publish concurrently while subscribers churn, then report stats
  config    Print the resolved configuration
  version   Print the version

Configuration is read from the environment (and a .env file if present);
the persistent flags below override it.

Use "topicbus [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.IntVarP(&flagWorkers, "workers", "w", 0, "Number of delivery workers (overrides TOPICBUS_WORKERS)")
	flags.IntVarP(&flagQueueSize, "queue-size", "q", 0, "Dispatcher queue depth (overrides TOPICBUS_QUEUE_SIZE)")
	flags.StringVar(&flagOverflow, "overflow", "", "Queue overflow policy: block or drop (overrides TOPICBUS_OVERFLOW)")
	flags.DurationVar(&flagDeliveryTimeout, "delivery-timeout", 0, "Per-delivery timeout, 0 disables (overrides TOPICBUS_DELIVERY_TIMEOUT)")
	flags.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
}

// loadConfig resolves the environment and applies flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Dispatcher.Workers = flagWorkers
	}
	if flags.Changed("queue-size") {
		cfg.Dispatcher.QueueSize = flagQueueSize
	}
	if flags.Changed("overflow") {
		cfg.Dispatcher.Overflow = flagOverflow
	}
	if flags.Changed("delivery-timeout") {
		cfg.Dispatcher.DeliveryTimeout = flagDeliveryTimeout
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("flags: %w", err)
	}
	return cfg, nil
}
