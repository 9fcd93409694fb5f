package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/betlink/betlinkd/internal/storage/eventlog"
)

func newTestBus(t *testing.T, cfg Config, journal *eventlog.Journal) *Bus {
	t.Helper()
	b := NewBus(cfg, journal, zaptest.NewLogger(t))
	return b
}

func TestBusDeliversToSubscriber(t *testing.T) {
	b := newTestBus(t, Config{Workers: 2, QueueSize: 16}, nil)

	received := make(chan Event, 1)
	require.NoError(t, b.Subscribe(TopicTransactionCreated, func(ctx context.Context, ev Event) error {
		received <- ev
		return nil
	}))
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	ev := Event{Topic: TopicTransactionCreated, Key: "player-1", Payload: []byte("p")}
	require.NoError(t, b.Publish(context.Background(), ev))

	select {
	case got := <-received:
		assert.Equal(t, ev.Payload, got.Payload)
		assert.False(t, got.At.IsZero(), "publish stamps the event time")
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBusKeyAffinityPreservesOrder(t *testing.T) {
	b := newTestBus(t, Config{Workers: 4, QueueSize: 256}, nil)

	var mu sync.Mutex
	perKey := make(map[string][]int)
	require.NoError(t, b.Subscribe(TopicTransactionCreated, func(ctx context.Context, ev Event) error {
		mu.Lock()
		perKey[ev.Key] = append(perKey[ev.Key], len(ev.Payload))
		mu.Unlock()
		return nil
	}))
	require.NoError(t, b.Start(context.Background()))

	for i := 1; i <= 20; i++ {
		for _, key := range []string{"a", "b", "c"} {
			require.NoError(t, b.Publish(context.Background(), Event{
				Topic:   TopicTransactionCreated,
				Key:     key,
				Payload: make([]byte, i),
			}))
		}
	}
	require.NoError(t, b.Close())

	mu.Lock()
	defer mu.Unlock()
	for key, sizes := range perKey {
		require.Len(t, sizes, 20, "key %s", key)
		for i, size := range sizes {
			assert.Equal(t, i+1, size, "key %s out of order at %d", key, i)
		}
	}
}

func TestBusHandlerPanicIsIsolated(t *testing.T) {
	b := newTestBus(t, Config{Workers: 1, QueueSize: 16}, nil)

	delivered := make(chan struct{}, 1)
	require.NoError(t, b.Subscribe(TopicTransactionCreated, func(ctx context.Context, ev Event) error {
		if ev.Key == "bad" {
			panic("boom")
		}
		delivered <- struct{}{}
		return nil
	}))
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), Event{Topic: TopicTransactionCreated, Key: "bad"}))
	require.NoError(t, b.Publish(context.Background(), Event{Topic: TopicTransactionCreated, Key: "ok"}))

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestBusSpillsToJournalWhenQueueFull(t *testing.T) {
	journal, err := eventlog.Open(t.TempDir())
	require.NoError(t, err)
	defer journal.Close()

	b := newTestBus(t, Config{Workers: 1, QueueSize: 1, PublishTimeout: 50 * time.Millisecond}, journal)

	block := make(chan struct{})
	require.NoError(t, b.Subscribe(TopicTransactionCreated, func(ctx context.Context, ev Event) error {
		<-block
		return nil
	}))
	require.NoError(t, b.Start(context.Background()))
	defer func() {
		close(block)
		b.Close()
	}()

	// Saturate the single worker: one event in flight, one queued, the rest
	// must spill.
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{
			Topic:   TopicTransactionCreated,
			Key:     "player-1",
			Payload: []byte(fmt.Sprintf("%d", i)),
		}))
	}

	require.Eventually(t, func() bool {
		n, err := journal.Len(context.Background())
		return err == nil && n >= 1
	}, 2*time.Second, 20*time.Millisecond, "overflow events reach the journal")

	require.NoError(t, journal.Replay(context.Background(), func(seq uint64, e eventlog.Entry) error {
		assert.Equal(t, "queue-full", e.Reason)
		return nil
	}))
}

func TestBusDeadLettersFailedHandler(t *testing.T) {
	journal, err := eventlog.Open(t.TempDir())
	require.NoError(t, err)
	defer journal.Close()

	b := newTestBus(t, Config{Workers: 1, QueueSize: 16}, journal)
	require.NoError(t, b.Subscribe(TopicAlertCreated, func(ctx context.Context, ev Event) error {
		return errors.New("downstream unavailable")
	}))
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Publish(context.Background(), Event{Topic: TopicAlertCreated, Key: "p"}))
	require.NoError(t, b.Close())

	n, err := journal.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, journal.Replay(context.Background(), func(seq uint64, e eventlog.Entry) error {
		assert.Equal(t, "handler-failed", e.Reason)
		assert.Equal(t, 1, e.Attempts)
		return nil
	}))
}

func TestBusReplayDeadLetters(t *testing.T) {
	journal, err := eventlog.Open(t.TempDir())
	require.NoError(t, err)
	defer journal.Close()

	for i := 0; i < 3; i++ {
		_, err := journal.Append(context.Background(), eventlog.Entry{
			Topic:   TopicTransactionCreated,
			Key:     "player-1",
			Payload: []byte(fmt.Sprintf("%d", i)),
			Reason:  "queue-full",
		})
		require.NoError(t, err)
	}

	b := newTestBus(t, Config{Workers: 1, QueueSize: 16}, journal)

	var mu sync.Mutex
	var payloads []string
	require.NoError(t, b.Subscribe(TopicTransactionCreated, func(ctx context.Context, ev Event) error {
		mu.Lock()
		payloads = append(payloads, string(ev.Payload))
		mu.Unlock()
		return nil
	}))
	require.NoError(t, b.Start(context.Background()))

	n, err := b.ReplayDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, b.Close())

	mu.Lock()
	assert.Equal(t, []string{"0", "1", "2"}, payloads, "replay keeps journal order")
	mu.Unlock()

	left, err := journal.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, left, "replayed entries are truncated")
}

func TestBusPublishAfterClose(t *testing.T) {
	b := newTestBus(t, Config{Workers: 1, QueueSize: 4}, nil)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), Event{Topic: TopicTransactionCreated, Key: "p"})
	assert.ErrorIs(t, err, ErrBusClosed)
}
