// Package memqueue implements the message queue port in process, for tests
// and single-node development. Messages live only as long as the process.
package memqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/Runplane/internal/logger"
	"github.com/Strob0t/Runplane/internal/port/messagequeue"
)

// ErrClosed is returned by Publish after Drain or Close.
var ErrClosed = errors.New("memqueue: closed")

// ErrFull is returned by Publish when a subject's buffer is at capacity.
var ErrFull = errors.New("memqueue: buffer full")

const (
	defaultBuffer     = 1024
	defaultConsumers  = 1
	defaultMaxRetries = 5
	drainTimeout      = 30 * time.Second
)

// Options configures the in-memory queue.
type Options struct {
	Buffer     int           // per-subject capacity
	Consumers  int           // goroutines per subscription
	MaxRetries int           // deliveries before a message moves to <subject>.dlq
	RetryDelay func(attempt int) time.Duration
}

type envelope struct {
	id        uint64
	data      []byte
	requestID string
	attempt   int
	enqueued  time.Time
}

type topic struct {
	ch      chan *envelope
	pending map[uint64]time.Time // published and not yet acked
	subs    int
}

// Queue is a buffered FIFO per subject with at-least-once delivery:
// a handler error redelivers the message after a delay.
type Queue struct {
	opts Options

	mu      sync.Mutex
	topics  map[string]*topic
	nextID  uint64
	closed  bool
	stops   map[int]context.CancelFunc
	nextSub int

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // consumer goroutines and scheduled redeliveries
}

var _ messagequeue.Queue = (*Queue)(nil)

// New creates an in-memory queue.
func New(opts Options) *Queue {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Consumers <= 0 {
		opts.Consumers = defaultConsumers
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay == nil {
		opts.RetryDelay = func(attempt int) time.Duration {
			return time.Duration(attempt) * 10 * time.Millisecond
		}
	}
	return &Queue{
		opts:   opts,
		topics: make(map[string]*topic),
		stops:  make(map[int]context.CancelFunc),
		done:   make(chan struct{}),
	}
}

// topicLocked returns the topic for subject, creating it. Caller holds q.mu.
func (q *Queue) topicLocked(subject string) *topic {
	t, ok := q.topics[subject]
	if !ok {
		t = &topic{
			ch:      make(chan *envelope, q.opts.Buffer),
			pending: make(map[uint64]time.Time),
		}
		q.topics[subject] = t
	}
	return t
}

// Publish enqueues data on subject. It never blocks: a full buffer is
// reported as ErrFull so callers can back off.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	t := q.topicLocked(subject)
	q.nextID++
	env := &envelope{
		id:        q.nextID,
		data:      append([]byte(nil), data...),
		requestID: logger.RequestID(ctx),
		attempt:   1,
		enqueued:  time.Now(),
	}
	select {
	case t.ch <- env:
		t.pending[env.id] = env.enqueued
		return nil
	default:
		return fmt.Errorf("publish %s: %w", subject, ErrFull)
	}
}

// Subscribe starts Options.Consumers goroutines handling subject. Several
// subscriptions to one subject compete for its messages.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	t := q.topicLocked(subject)
	t.subs++
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	id := q.nextSub
	q.nextSub++
	q.stops[id] = cancel
	for range q.opts.Consumers {
		q.wg.Add(1)
		go q.consume(subCtx, subject, t, handler)
	}
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			q.mu.Lock()
			t.subs--
			delete(q.stops, id)
			q.mu.Unlock()
		})
	}, nil
}

func (q *Queue) consume(ctx context.Context, subject string, t *topic, handler messagequeue.Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-t.ch:
			q.deliver(subject, t, env, handler)
		}
	}
}

func (q *Queue) deliver(subject string, t *topic, env *envelope, handler messagequeue.Handler) {
	ctx := context.Background()
	if env.requestID != "" {
		ctx = logger.WithRequestID(ctx, env.requestID)
	}

	err := handler(ctx, subject, env.data)
	if err == nil {
		q.ack(t, env)
		return
	}

	if env.attempt >= q.opts.MaxRetries {
		slog.Error("message retries exhausted", "subject", subject, "attempts", env.attempt, "error", err)
		q.ack(t, env)
		q.deadLetter(subject, env)
		return
	}

	slog.Warn("message handler failed", "subject", subject, "attempt", env.attempt, "error", err)
	delay := q.opts.RetryDelay(env.attempt)
	env.attempt++
	q.requeue(t, env, delay)
}

func (q *Queue) ack(t *topic, env *envelope) {
	q.mu.Lock()
	delete(t.pending, env.id)
	q.mu.Unlock()
}

// requeue puts env back after delay. The message stays pending meanwhile so
// OldestAge keeps reporting it.
func (q *Queue) requeue(t *topic, env *envelope, delay time.Duration) {
	q.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer q.wg.Done()
		select {
		case t.ch <- env:
		case <-q.done:
		}
	})
}

func (q *Queue) deadLetter(subject string, env *envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dlq := q.topicLocked(subject + ".dlq")
	select {
	case dlq.ch <- env:
		dlq.pending[env.id] = env.enqueued
	default:
		slog.Error("dlq full, message dropped", "subject", subject)
	}
}

// HasSubscribers reports whether a subscription on subject is active.
func (q *Queue) HasSubscribers(_ context.Context, subject string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[subject]
	return ok && t.subs > 0, nil
}

// OldestAge returns the age of the oldest unacknowledged message on subject.
func (q *Queue) OldestAge(_ context.Context, subject string) (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[subject]
	if !ok {
		return 0, nil
	}
	var oldest time.Time
	for _, at := range t.pending {
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return time.Since(oldest), nil
}

// Drain refuses new messages, waits until every subscribed subject has
// been worked off, then stops the consumers.
func (q *Queue) Drain() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	deadline := time.Now().Add(drainTimeout)
	for !q.drained() {
		if time.Now().After(deadline) {
			q.stopAll()
			return errors.New("memqueue: drain timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
	q.stopAll()
	return nil
}

func (q *Queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.topics {
		if t.subs > 0 && len(t.pending) > 0 {
			return false
		}
	}
	return true
}

func (q *Queue) stopAll() {
	q.stopOnce.Do(func() { close(q.done) })
	q.mu.Lock()
	for id, stop := range q.stops {
		stop()
		delete(q.stops, id)
	}
	for _, t := range q.topics {
		t.subs = 0
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Close stops all consumers without waiting for pending messages.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.stopAll()
	return nil
}

// IsConnected reports false once the queue has been drained or closed.
func (q *Queue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}
