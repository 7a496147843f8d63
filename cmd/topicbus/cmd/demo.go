package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/topicbus/internal/app"
	"github.com/nfrund/topicbus/internal/bridge"
	"github.com/nfrund/topicbus/internal/broker"
	"github.com/nfrund/topicbus/internal/subscribers"
)

const demoTopic = "orders"

var (
	demoLogFile string
	demoForward bool
	demoTimeout time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the orders scenario against a live broker",
	Long: `Creates the "orders" topic, attaches subscribers A and B, publishes
"order-42 created", detaches A and publishes "order-43 created".
Only B receives the second message.

Examples:
  topicbus demo
  topicbus demo --log-file ./logs/orders.log
  topicbus demo --forward --workers 2`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().StringVar(&demoLogFile, "log-file", "", "Also append every order to this file")
	demoCmd.Flags().BoolVar(&demoForward, "forward", false, "Also forward orders through a watermill channel into the audit topic")
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 5*time.Second, "How long to wait for deliveries")
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Shutdown(context.Background()); err != nil {
			a.Logger.Error("Shutdown failed", "error", err)
		}
	}()

	out := cmd.OutOrStdout()
	b := a.Broker

	if err := b.CreateTopic(demoTopic); err != nil {
		return err
	}

	subA := subscribers.NewRecorder("A")
	subB := subscribers.NewRecorder("B")
	console := subscribers.NewPrinter("console", out)
	for _, s := range []broker.Subscriber{subA, subB, console} {
		if err := b.Subscribe(demoTopic, s); err != nil {
			return err
		}
	}

	if demoLogFile != "" {
		fileLogger, err := subscribers.NewFileLogger("file", afero.NewOsFs(), demoLogFile)
		if err != nil {
			return err
		}
		defer fileLogger.Close()
		if err := b.Subscribe(demoTopic, fileLogger); err != nil {
			return err
		}
	}

	stopForwarding := func(int) error { return nil }
	if demoForward {
		stopForwarding, err = startForwarding(ctx, a, out)
		if err != nil {
			return err
		}
	}

	publisher := broker.NewPublisher("demo", b)

	if _, err := publisher.Publish(ctx, demoTopic, "order-42 created"); err != nil {
		return err
	}
	if err := waitFor(ctx, demoTimeout, func() bool { return subA.Count() >= 1 && subB.Count() >= 1 }); err != nil {
		return fmt.Errorf("waiting for order-42: %w", err)
	}

	b.Unsubscribe(demoTopic, subA)

	if _, err := publisher.Publish(ctx, demoTopic, "order-43 created"); err != nil {
		return err
	}
	if err := waitFor(ctx, demoTimeout, func() bool { return subB.Count() >= 2 }); err != nil {
		return fmt.Errorf("waiting for order-43: %w", err)
	}

	// Both orders have to make the round trip before the bridge goes away.
	if err := stopForwarding(2); err != nil {
		return fmt.Errorf("waiting for forwarded orders: %w", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "A received: %q\n", subA.Contents())
	fmt.Fprintf(out, "B received: %q\n", subB.Contents())
	return nil
}

// startForwarding bridges the orders topic onto an in-memory watermill
// channel and ingests that channel back into the "audit" topic, where a
// console subscriber prints what made the round trip. The returned
// function waits until want messages arrived and tears the bridge down.
func startForwarding(ctx context.Context, a *app.App, out io.Writer) (func(want int) error, error) {
	const (
		target     = "orders.audit"
		auditTopic = "audit"
	)
	b := a.Broker

	if err := b.CreateTopic(auditTopic); err != nil {
		return nil, err
	}
	audit := subscribers.NewRecorder("audit")
	for _, s := range []broker.Subscriber{audit, subscribers.NewPrinter("forwarded", out)} {
		if err := b.Subscribe(auditTopic, s); err != nil {
			return nil, err
		}
	}

	br := bridge.NewInMemory(b, bridge.WithLogger(a.Logger), bridge.WithTracer(a.Tracer()))
	if err := br.Ingest(ctx, target, auditTopic); err != nil {
		br.Close()
		return nil, err
	}
	if _, err := br.Forward(demoTopic, target); err != nil {
		br.Close()
		return nil, err
	}

	return func(want int) error {
		defer br.Close()
		return waitFor(ctx, demoTimeout, func() bool { return audit.Count() >= want })
	}, nil
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
