package broker_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nfrund/topicbus/internal/broker"
	"github.com/nfrund/topicbus/internal/dispatch"
	"github.com/nfrund/topicbus/internal/logging"
	"github.com/nfrund/topicbus/internal/testutils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = testutils.Wait
	tick    = testutils.Tick
)

// recorder is a minimal thread-safe subscriber used across these tests.
type recorder struct {
	name string
	err  error

	mu       sync.Mutex
	contents []string
	ids      []string
}

func newRecorder(name string) *recorder {
	return &recorder{name: name}
}

func (r *recorder) Consume(_ context.Context, msg broker.Message) error {
	r.mu.Lock()
	r.contents = append(r.contents, msg.Content())
	r.ids = append(r.ids, msg.ID())
	r.mu.Unlock()
	return r.err
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.contents...)
}

func (r *recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contents)
}

func (r *recorder) countOf(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.ids {
		if v == id {
			n++
		}
	}
	return n
}

func newBroker(t *testing.T, cfg dispatch.Config) *broker.Broker {
	t.Helper()
	return testutils.NewBroker(t, cfg)
}

func TestBroker_UnknownTopic(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 2})
	s := newRecorder("s")

	t.Run("Subscribe fails", func(t *testing.T) {
		err := b.Subscribe("missing", s)
		require.Error(t, err)
		assert.ErrorIs(t, err, broker.ErrTopicNotFound)

		var topicErr *broker.TopicError
		require.ErrorAs(t, err, &topicErr)
		assert.Equal(t, broker.ErrorTopicNotFound, topicErr.Type)
		assert.Equal(t, "missing", topicErr.Topic)
	})

	t.Run("Publish fails", func(t *testing.T) {
		err := b.Publish(context.Background(), "missing", broker.NewMessage("x"))
		assert.ErrorIs(t, err, broker.ErrTopicNotFound)
	})

	t.Run("Unsubscribe is a silent no-op", func(t *testing.T) {
		assert.NotPanics(t, func() { b.Unsubscribe("missing", s) })
	})

	t.Run("SubscriberCount fails", func(t *testing.T) {
		_, err := b.SubscriberCount("missing")
		assert.ErrorIs(t, err, broker.ErrTopicNotFound)
	})
}

func TestBroker_CreateTopicIsIdempotent(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 2})

	require.NoError(t, b.CreateTopic("orders"))
	first, ok := b.Topic("orders")
	require.True(t, ok)

	s := newRecorder("s")
	require.NoError(t, b.Subscribe("orders", s))

	require.NoError(t, b.CreateTopic("orders"), "second create must not be an error")
	second, ok := b.Topic("orders")
	require.True(t, ok)

	assert.Same(t, first, second, "exactly one Topic instance per name")
	n, err := b.SubscriberCount("orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "existing subscribers survive a duplicate create")
	assert.Equal(t, []string{"orders"}, b.Topics())
}

func TestBroker_CreateTopicRejectsInvalidNames(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 1})

	for _, name := range []string{"", strings.Repeat("a", broker.MaxTopicNameLength+1)} {
		t.Run(fmt.Sprintf("len %d", len(name)), func(t *testing.T) {
			err := b.CreateTopic(name)
			assert.ErrorIs(t, err, broker.ErrInvalidTopicName)
			assert.False(t, b.HasTopic(name))

			var topicErr *broker.TopicError
			require.ErrorAs(t, err, &topicErr)
			assert.Equal(t, broker.ErrorInvalidName, topicErr.Type)
			assert.Equal(t, 1, strings.Count(err.Error(), "invalid topic name"), err.Error())
		})
	}
}

func TestBroker_CreateTopicAcceptsArbitraryNames(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 2})

	for _, name := range []string{"Orders", "user/42", "order events", "orders:eu", "  "} {
		t.Run(fmt.Sprintf("%q", name), func(t *testing.T) {
			require.NoError(t, b.CreateTopic(name))
			assert.True(t, b.HasTopic(name))

			s := newRecorder("s")
			require.NoError(t, b.Subscribe(name, s))
			require.NoError(t, b.Publish(context.Background(), name, broker.NewMessage("hello")))
			require.Eventually(t, func() bool { return s.Count() == 1 }, waitFor, tick)
		})
	}
}

func TestBroker_WithTopicNamePattern(t *testing.T) {
	b := broker.New(
		dispatch.NewPool(dispatch.Config{Workers: 1, Logger: logging.Discard()}),
		broker.WithLogger(logging.Discard()),
		broker.WithTopicNamePattern(broker.HierarchicalTopicPattern),
	)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	require.NoError(t, b.CreateTopic("orders.created"))

	err := b.CreateTopic("Orders")
	require.ErrorIs(t, err, broker.ErrInvalidTopicName)
	assert.Equal(t, 1, strings.Count(err.Error(), "invalid topic name"), err.Error())
	assert.Contains(t, err.Error(), `create Orders: invalid topic name: "Orders" does not match`)
	assert.False(t, b.HasTopic("Orders"))
}

func TestBroker_PublishDeliversExactlyOnce(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 4})
	require.NoError(t, b.CreateTopic("orders"))

	s := newRecorder("s")
	require.NoError(t, b.Subscribe("orders", s))

	msg := broker.NewMessage("hello")
	require.NoError(t, b.Publish(context.Background(), "orders", msg))

	require.Eventually(t, func() bool { return s.countOf(msg.ID()) == 1 }, waitFor, tick)

	// No duplicate shows up later.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.countOf(msg.ID()))
}

func TestBroker_SubscribeIsNotRetroactive(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 1})
	require.NoError(t, b.CreateTopic("news"))

	early := newRecorder("early")
	require.NoError(t, b.Subscribe("news", early))
	require.NoError(t, b.Publish(context.Background(), "news", broker.NewMessage("first")))
	require.Eventually(t, func() bool { return early.Count() == 1 }, waitFor, tick)

	late := newRecorder("late")
	require.NoError(t, b.Subscribe("news", late))
	require.NoError(t, b.Publish(context.Background(), "news", broker.NewMessage("second")))

	require.Eventually(t, func() bool { return late.Count() == 1 && early.Count() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"second"}, late.Contents())
}

func TestBroker_SubscribeTwiceDeliversOnce(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 2})
	require.NoError(t, b.CreateTopic("orders"))

	s := newRecorder("s")
	require.NoError(t, b.Subscribe("orders", s))
	require.NoError(t, b.Subscribe("orders", s))

	n, _ := b.SubscriberCount("orders")
	assert.Equal(t, 1, n)

	require.NoError(t, b.Publish(context.Background(), "orders", broker.NewMessage("x")))
	require.Eventually(t, func() bool { return s.Count() == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.Count())
}

func TestBroker_FailingSubscriberDoesNotAffectOthers(t *testing.T) {
	var failures atomic.Int32
	b := newBroker(t, dispatch.Config{
		Workers:      3,
		ErrorHandler: func(*dispatch.DeliveryError) { failures.Add(1) },
	})
	require.NoError(t, b.CreateTopic("orders"))

	s1 := newRecorder("s1")
	s2 := newRecorder("s2")
	s2.err = errors.New("s2 is broken")
	s3 := newRecorder("s3")
	for _, s := range []*recorder{s1, s2, s3} {
		require.NoError(t, b.Subscribe("orders", s))
	}

	require.NoError(t, b.Publish(context.Background(), "orders", broker.NewMessage("M")),
		"a subscriber error never reaches the publisher")

	require.Eventually(t, func() bool {
		return s1.Count() == 1 && s3.Count() == 1 && failures.Load() == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"M"}, s1.Contents())
	assert.Equal(t, []string{"M"}, s3.Contents())
}

type panicker struct{}

func (panicker) Consume(context.Context, broker.Message) error { panic("subscriber exploded") }

func TestBroker_PanickingSubscriberIsIsolated(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 2})
	require.NoError(t, b.CreateTopic("orders"))

	ok := newRecorder("ok")
	require.NoError(t, b.Subscribe("orders", panicker{}))
	require.NoError(t, b.Subscribe("orders", ok))

	require.NoError(t, b.Publish(context.Background(), "orders", broker.NewMessage("a")))
	require.NoError(t, b.Publish(context.Background(), "orders", broker.NewMessage("b")))
	require.Eventually(t, func() bool { return ok.Count() == 2 }, waitFor, tick)
}

// The concrete scenario: orders topic, subscribers A and B, unsubscribe A.
func TestBroker_OrdersScenario(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 4})
	ctx := context.Background()

	require.NoError(t, b.CreateTopic("orders"))
	a := newRecorder("A")
	bb := newRecorder("B")
	require.NoError(t, b.Subscribe("orders", a))
	require.NoError(t, b.Subscribe("orders", bb))

	require.NoError(t, b.Publish(ctx, "orders", broker.NewMessage("order-42 created")))
	require.Eventually(t, func() bool { return a.Count() == 1 && bb.Count() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"order-42 created"}, a.Contents())
	assert.Equal(t, []string{"order-42 created"}, bb.Contents())

	b.Unsubscribe("orders", a)
	require.NoError(t, b.Publish(ctx, "orders", broker.NewMessage("order-43 created")))
	require.Eventually(t, func() bool { return bb.Count() == 2 }, waitFor, tick)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"order-42 created"}, a.Contents(), "A must not see messages after unsubscribe")
	assert.Equal(t, []string{"order-42 created", "order-43 created"}, bb.Contents())
}

func TestBroker_UnsubscribeIsIdempotent(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 1})
	require.NoError(t, b.CreateTopic("orders"))
	s := newRecorder("s")

	b.Unsubscribe("orders", s) // never subscribed
	require.NoError(t, b.Subscribe("orders", s))
	b.Unsubscribe("orders", s)
	b.Unsubscribe("orders", s)

	n, err := b.SubscriberCount("orders")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBroker_SourceOrderPreservedWithSingleWorker(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 1, QueueSize: 256})
	require.NoError(t, b.CreateTopic("seq"))
	s := newRecorder("s")
	require.NoError(t, b.Subscribe("seq", s))

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), "seq", broker.NewMessage(fmt.Sprint(i))))
	}
	require.Eventually(t, func() bool { return s.Count() == n }, waitFor, tick)

	for i, c := range s.Contents() {
		require.Equal(t, fmt.Sprint(i), c, "FIFO broken at %d", i)
	}
}

type funcSubscriber func(ctx context.Context, msg broker.Message) error

func (f funcSubscriber) Consume(ctx context.Context, msg broker.Message) error { return f(ctx, msg) }

func TestBroker_RejectsUncomparableSubscriber(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 1})
	require.NoError(t, b.CreateTopic("orders"))

	fn := funcSubscriber(func(context.Context, broker.Message) error { return nil })
	err := b.Subscribe("orders", fn)
	assert.ErrorIs(t, err, broker.ErrSubscriberNotComparable)
	assert.NotPanics(t, func() { b.Unsubscribe("orders", fn) })

	assert.ErrorIs(t, b.Subscribe("orders", nil), broker.ErrNilSubscriber)
}

func TestBroker_DeleteTopic(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 1})
	require.NoError(t, b.CreateTopic("temp"))
	require.NoError(t, b.Subscribe("temp", newRecorder("s")))

	assert.True(t, b.DeleteTopic("temp"))
	assert.False(t, b.DeleteTopic("temp"))
	assert.ErrorIs(t, b.Publish(context.Background(), "temp", broker.NewMessage("x")), broker.ErrTopicNotFound)

	// Recreating starts with an empty subscriber set.
	require.NoError(t, b.CreateTopic("temp"))
	n, err := b.SubscriberCount("temp")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBroker_TopicIsPassedToSubscriber(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 1})
	require.NoError(t, b.CreateTopic("billing.invoice"))

	got := make(chan string, 1)
	s := &topicSpy{got: got}
	require.NoError(t, b.Subscribe("billing.invoice", s))
	require.NoError(t, b.Publish(context.Background(), "billing.invoice", broker.NewMessage("paid")))

	select {
	case topic := <-got:
		assert.Equal(t, "billing.invoice", topic)
	case <-time.After(waitFor):
		t.Fatal("no delivery")
	}
}

type topicSpy struct{ got chan string }

func (s *topicSpy) Consume(ctx context.Context, _ broker.Message) error {
	topic, _ := broker.TopicFromContext(ctx)
	s.got <- topic
	return nil
}

func TestBroker_Close(t *testing.T) {
	b := broker.New(dispatch.NewPool(dispatch.Config{Workers: 2, Logger: logging.Discard()}),
		broker.WithLogger(logging.Discard()))
	require.NoError(t, b.CreateTopic("orders"))

	s := newRecorder("s")
	require.NoError(t, b.Subscribe("orders", s))
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), "orders", broker.NewMessage(fmt.Sprint(i))))
	}

	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, 10, s.Count(), "queued deliveries drain on close")

	assert.ErrorIs(t, b.Publish(context.Background(), "orders", broker.NewMessage("late")), broker.ErrBrokerClosed)
	assert.ErrorIs(t, b.Subscribe("orders", s), broker.ErrBrokerClosed)
	assert.ErrorIs(t, b.CreateTopic("other"), broker.ErrBrokerClosed)
	assert.ErrorIs(t, b.Close(context.Background()), broker.ErrBrokerClosed)
	assert.NotPanics(t, func() { b.Unsubscribe("orders", s) })
}

func TestBroker_PublishWithNoSubscribers(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 1})
	require.NoError(t, b.CreateTopic("quiet"))
	assert.NoError(t, b.Publish(context.Background(), "quiet", broker.NewMessage("nobody listens")))
}

func TestBroker_DropPolicyDoesNotFailPublish(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 1, QueueSize: 1, Overflow: dispatch.OverflowDrop})
	require.NoError(t, b.CreateTopic("burst"))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocker := &blockingSubscriber{started: started, release: release, once: &once}
	require.NoError(t, b.Subscribe("burst", blocker))

	require.NoError(t, b.Publish(context.Background(), "burst", broker.NewMessage("1")))
	<-started
	for i := 0; i < 5; i++ {
		assert.NoError(t, b.Publish(context.Background(), "burst", broker.NewMessage("more")))
	}
	close(release)
}

type blockingSubscriber struct {
	started chan struct{}
	release chan struct{}
	once    *sync.Once
}

func (s *blockingSubscriber) Consume(context.Context, broker.Message) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return nil
}

func TestBroker_ConcurrentPublishAndChurn(t *testing.T) {
	b := newBroker(t, dispatch.Config{Workers: 8, QueueSize: 4096})
	require.NoError(t, b.CreateTopic("load"))

	stable := newRecorder("stable")
	require.NoError(t, b.Subscribe("load", stable))

	const (
		publishers   = 8
		perPublisher = 250
		churners     = 8
		cycles       = 200
		after        = 50
	)

	churned := make([]*recorder, churners)
	for i := range churned {
		churned[i] = newRecorder(fmt.Sprintf("churn-%d", i))
	}

	var wg sync.WaitGroup
	for _, s := range churned {
		wg.Add(1)
		go func(s *recorder) {
			defer wg.Done()
			for j := 0; j < cycles; j++ {
				assert.NoError(t, b.Subscribe("load", s))
				b.Unsubscribe("load", s)
			}
		}(s)
	}
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				assert.NoError(t, b.Publish(context.Background(), "load", broker.NewMessage("during")))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deadlock: publishers and churners did not finish")
	}

	// Every churner has returned from its final Unsubscribe.
	for i := 0; i < after; i++ {
		require.NoError(t, b.Publish(context.Background(), "load", broker.NewMessage("after")))
	}

	// Close drains every scheduled delivery before the counts are read.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	// Every message published while "stable" was subscribed reaches it.
	assert.Equal(t, publishers*perPublisher+after, stable.Count())

	for _, s := range churned {
		assert.NotContains(t, s.Contents(), "after", "%s received a message published after it unsubscribed", s.name)
		assert.LessOrEqual(t, s.Count(), publishers*perPublisher)
	}
}
