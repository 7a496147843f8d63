package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/topicbus/internal/app"
	"github.com/nfrund/topicbus/internal/broker"
	"github.com/nfrund/topicbus/internal/dispatch"
	"github.com/nfrund/topicbus/internal/subscribers"
)

var (
	benchPublishers  int
	benchSubscribers int
	benchMessages    int
	benchChurn       int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Publish concurrently while subscribers attach and detach",
	Long: `Runs N publishers against one topic while M churning subscribers
repeatedly subscribe and unsubscribe, plus one stable subscriber that stays
attached for the whole run. Prints throughput and dispatcher statistics.

Examples:
  topicbus bench
  topicbus bench --publishers 8 --messages 10000 --overflow drop`,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().IntVarP(&benchPublishers, "publishers", "p", 4, "Concurrent publishers")
	benchCmd.Flags().IntVarP(&benchSubscribers, "subscribers", "s", 4, "Churning subscribers")
	benchCmd.Flags().IntVarP(&benchMessages, "messages", "n", 1000, "Messages per publisher")
	benchCmd.Flags().IntVar(&benchChurn, "churn", 100, "Subscribe/unsubscribe cycles per churning subscriber")
}

type benchReport struct {
	Published      int            `json:"published"`
	StableReceived int            `json:"stable_received"`
	Elapsed        time.Duration  `json:"elapsed_ns"`
	PerSecond      float64        `json:"published_per_second"`
	Dispatcher     dispatch.Stats `json:"dispatcher"`
}

func runBench(cmd *cobra.Command, args []string) error {
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
	defer a.Shutdown(context.Background())

	const topic = "bench"
	b := a.Broker
	if err := b.CreateTopic(topic); err != nil {
		return err
	}

	stable := subscribers.NewRecorder("stable")
	if err := b.Subscribe(topic, stable); err != nil {
		return err
	}

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < benchSubscribers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s := subscribers.Func("churn-"+strconv.Itoa(id), func(context.Context, broker.Message) error { return nil })
			for j := 0; j < benchChurn; j++ {
				if err := b.Subscribe(topic, s); err != nil {
					a.Logger.Error("Subscribe failed", "error", err)
					return
				}
				b.Unsubscribe(topic, s)
			}
		}(i)
	}

	var pubErrs sync.Map
	for i := 0; i < benchPublishers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p := broker.NewPublisher("publisher-"+strconv.Itoa(id), b)
			for j := 0; j < benchMessages; j++ {
				if _, err := p.Publish(ctx, topic, strconv.Itoa(j)); err != nil {
					pubErrs.Store(id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var firstErr error
	pubErrs.Range(func(_, v any) bool {
		firstErr = v.(error)
		return false
	})
	if firstErr != nil {
		return fmt.Errorf("publish: %w", firstErr)
	}

	if err := a.Shutdown(ctx); err != nil {
		return err
	}

	published := benchPublishers * benchMessages
	report := benchReport{
		Published:      published,
		StableReceived: stable.Count(),
		Elapsed:        elapsed,
		PerSecond:      float64(published) / elapsed.Seconds(),
		Dispatcher:     a.Pool.Stats(),
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
