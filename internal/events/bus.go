// Package events implements the in-process event bus connecting the wallet
// engine to its asynchronous consumers (AML analysis, alert streaming).
//
// Events carry a partition key, normally the player id. All events sharing a
// key are handled by the same worker in publish order, so per-player analysis
// never races with itself. Publishing blocks briefly when a worker queue is
// full; past the deadline the event is spilled to the dead-letter journal
// instead of being dropped.
package events

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/betlink/betlinkd/internal/storage/eventlog"
)

// Topics published on the bus.
const (
	TopicTransactionCreated = "wallet.transaction.created"
	TopicAlertCreated       = "aml.alert.created"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus is closed")

// Event is one message on the bus.
type Event struct {
	Topic   string
	Key     string // partition key; events with the same key stay ordered
	Payload []byte
	At      time.Time
}

// Handler consumes one event. A non-nil error sends the event to the
// dead-letter journal; the bus does not retry.
type Handler func(ctx context.Context, ev Event) error

// Config sizes the bus.
type Config struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"` // total across workers
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      10000,
		PublishTimeout: 250 * time.Millisecond,
	}
}

// Bus fans events out to topic subscribers across a fixed worker pool.
type Bus struct {
	cfg     Config
	log     *zap.Logger
	journal *eventlog.Journal // nil disables dead-lettering

	deadLetterHook func() // optional instrumentation, set before Start

	mu       sync.RWMutex
	handlers map[string][]Handler
	queues   []chan Event
	started  bool
	closed   bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// NewBus creates an unstarted bus. journal may be nil, in which case
// undeliverable events are logged and dropped.
func NewBus(cfg Config, journal *eventlog.Journal, log *zap.Logger) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	return &Bus{
		cfg:      cfg,
		log:      log,
		journal:  journal,
		handlers: make(map[string][]Handler),
	}
}

// OnDeadLetter registers a callback invoked once per dead-lettered event.
// Must be set before Start.
func (b *Bus) OnDeadLetter(fn func()) {
	b.deadLetterHook = fn
}

// Subscribe registers a handler for a topic. All subscriptions must happen
// before Start.
func (b *Bus) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("cannot subscribe after the bus has started")
	}
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

// Start launches the worker pool.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("event bus already started")
	}
	b.started = true

	b.baseCtx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))

	perWorker := b.cfg.QueueSize / b.cfg.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	b.queues = make([]chan Event, b.cfg.Workers)
	for i := range b.queues {
		b.queues[i] = make(chan Event, perWorker)
		b.wg.Add(1)
		go b.runWorker(i, b.queues[i])
	}
	return nil
}

// Publish enqueues an event on the worker owning its key. When the queue
// stays full past the publish timeout the event goes to the dead-letter
// journal instead.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	if b.closed || !b.started {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	queue := b.queues[b.workerFor(ev.Key)]
	b.mu.RUnlock()

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	select {
	case queue <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case queue <- ev:
		return nil
	case <-ctx.Done():
		return b.deadLetter(ev, "publish-canceled", 0)
	case <-timer.C:
		return b.deadLetter(ev, "queue-full", 0)
	}
}

// ReplayDeadLetters re-publishes journaled events in their original order and
// truncates the journal past the last one that went through. An event that
// still cannot be enqueued stops the replay; already-replayed entries stay
// truncated, so the operation is safe to repeat.
func (b *Bus) ReplayDeadLetters(ctx context.Context) (int, error) {
	if b.journal == nil {
		return 0, nil
	}
	b.mu.RLock()
	running := b.started && !b.closed
	b.mu.RUnlock()
	if !running {
		return 0, ErrBusClosed
	}

	var replayed int
	var lastSeq uint64
	err := b.journal.Replay(ctx, func(seq uint64, e eventlog.Entry) error {
		queue := b.queues[b.workerFor(e.Key)]
		select {
		case queue <- Event{Topic: e.Topic, Key: e.Key, Payload: e.Payload, At: e.At}:
			replayed++
			lastSeq = seq
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if replayed > 0 {
		if terr := b.journal.Truncate(ctx, lastSeq); terr != nil {
			return replayed, terr
		}
	}
	return replayed, err
}

// Close stops accepting events, drains the queues and waits for the workers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.started || b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.cancel()
	return nil
}

func (b *Bus) workerFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.queues)))
}

func (b *Bus) runWorker(id int, queue <-chan Event) {
	defer b.wg.Done()
	for ev := range queue {
		b.dispatch(ev)
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	handlers := b.handlers[ev.Topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.invoke(h, ev); err != nil {
			b.log.Warn("event handler failed",
				zap.String("topic", ev.Topic),
				zap.String("key", ev.Key),
				zap.Error(err))
			b.deadLetter(ev, "handler-failed", 1)
		}
	}
}

// invoke isolates handler panics so one bad consumer cannot take down the
// worker that other players' events are riding on.
func (b *Bus) invoke(h Handler, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(b.baseCtx, ev)
}

func (b *Bus) deadLetter(ev Event, reason string, attempts int) error {
	if b.deadLetterHook != nil {
		b.deadLetterHook()
	}
	if b.journal == nil {
		b.log.Error("dropping undeliverable event",
			zap.String("topic", ev.Topic),
			zap.String("key", ev.Key),
			zap.String("reason", reason))
		return fmt.Errorf("event undeliverable: %s", reason)
	}

	_, err := b.journal.Append(context.Background(), eventlog.Entry{
		Topic:    ev.Topic,
		Key:      ev.Key,
		Payload:  ev.Payload,
		Reason:   reason,
		Attempts: attempts,
		At:       ev.At,
	})
	if err != nil {
		b.log.Error("failed to dead-letter event",
			zap.String("topic", ev.Topic),
			zap.String("key", ev.Key),
			zap.Error(err))
		return err
	}

	b.log.Warn("event dead-lettered",
		zap.String("topic", ev.Topic),
		zap.String("key", ev.Key),
		zap.String("reason", reason))
	return nil
}
