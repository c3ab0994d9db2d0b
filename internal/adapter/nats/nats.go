// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/Runplane/internal/logger"
	"github.com/Strob0t/Runplane/internal/port/messagequeue"
)

const (
	defaultStream     = "RUNPLANE"
	defaultMaxRetries = 5
	defaultAckWait    = 30 * time.Second
	defaultMaxAge     = 7 * 24 * time.Hour

	// headerRetryCount lets a publisher carry retries over from an earlier
	// message, e.g. when a DLQ entry is replayed.
	headerRetryCount = "Retry-Count"
	headerDLQReason  = "Dlq-Reason"
	dlqSuffix        = ".dlq"
)

// Options configures the JetStream queue.
type Options struct {
	URL           string
	Stream        string
	MaxAckPending int           // per consumer; 0 keeps the server default
	MaxRetries    int           // deliveries before a message moves to the DLQ
	AckWait       time.Duration // redelivery timeout, extended while a handler runs
}

func (o *Options) defaults() {
	if o.Stream == "" {
		o.Stream = defaultStream
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.AckWait <= 0 {
		o.AckWait = defaultAckWait
	}
}

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts Options

	mu   sync.Mutex
	subs map[string]int // active local subscriptions per subject
	ccs  map[jetstream.ConsumeContext]struct{}
	wg   sync.WaitGroup // in-flight handlers
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, opts Options) (*Queue, error) {
	opts.defaults()

	nc, err := nats.Connect(opts.URL,
		nats.Name("runplane"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// tools.> stays out of the stream: JetStream would ack requests that
	// are meant to be answered by a tool runner.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      opts.Stream,
		Subjects:  []string{"steps.>", messagequeue.SubjectOutboxPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    defaultMaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", opts.URL, "stream", opts.Stream)
	return &Queue{
		nc:   nc,
		js:   js,
		opts: opts,
		subs: make(map[string]int),
		ccs:  make(map[jetstream.ConsumeContext]struct{}),
	}, nil
}

// Conn exposes the core connection for request/reply traffic.
func (q *Queue) Conn() *nats.Conn { return q.nc }

// Publish sends a message to the given subject. The request id of ctx, if
// any, travels in a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.publish(ctx, newMsg(ctx, subject, data))
}

// PublishWithID publishes with a JetStream message id so the server drops
// duplicates inside the stream's dedup window.
func (q *Queue) PublishWithID(ctx context.Context, subject, msgID string, data []byte) error {
	return q.publish(ctx, newMsg(ctx, subject, data), jetstream.WithMsgID(msgID))
}

func (q *Queue) publish(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) error {
	if _, err := q.js.PublishMsg(ctx, msg, opts...); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}

func newMsg(ctx context.Context, subject string, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(messagequeue.HeaderRequestID, id)
	}
	return msg
}

// durableName derives the consumer name for subject. Consumers of the same
// subject in different processes share one durable and split the work.
func durableName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "star", ">", "all")
	return "runplane_" + r.Replace(subject)
}

// Subscribe registers a handler for messages on the given subject. Each
// message is handled on its own goroutine; MaxAckPending bounds how many
// are outstanding.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if q.opts.MaxAckPending > 0 {
		cfg.MaxAckPending = q.opts.MaxAckPending
	}
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.opts.Stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.handle(msg, handler)
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	q.mu.Lock()
	q.subs[subject]++
	q.ccs[cc] = struct{}{}
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cc.Stop()
			q.mu.Lock()
			q.subs[subject]--
			delete(q.ccs, cc)
			q.mu.Unlock()
		})
	}, nil
}

func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	subject := msg.Subject()

	if err := messagequeue.Validate(subject, msg.Data()); err != nil {
		slog.Error("message validation failed", "subject", subject, "error", err)
		q.deadLetter(msg, err)
		return
	}

	ctx := context.Background()
	if id := msg.Headers().Get(messagequeue.HeaderRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}

	stop := q.keepAlive(msg)
	err := handler(ctx, subject, msg.Data())
	stop()

	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "subject", subject, "error", ackErr)
		}
		return
	}

	attempts := deliveries(msg)
	if attempts >= q.opts.MaxRetries {
		slog.Error("message retries exhausted", "subject", subject, "attempts", attempts, "error", err)
		q.deadLetter(msg, err)
		return
	}

	slog.Warn("message handler failed", "subject", subject, "attempt", attempts, "error", err)
	if nakErr := msg.NakWithDelay(redeliveryDelay(attempts)); nakErr != nil {
		slog.Error("nats nak failed", "subject", subject, "error", nakErr)
	}
}

// keepAlive extends the ack deadline while a handler is still running.
func (q *Queue) keepAlive(msg jetstream.Msg) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(q.opts.AckWait / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := msg.InProgress(); err != nil {
					slog.Debug("nats in-progress failed", "subject", msg.Subject(), "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// deliveries counts how often msg has been attempted, including retries
// carried in the Retry-Count header.
func deliveries(msg jetstream.Msg) int {
	n := 1
	if meta, err := msg.Metadata(); err == nil {
		n = int(meta.NumDelivered)
	}
	if h, err := strconv.Atoi(msg.Headers().Get(headerRetryCount)); err == nil && h > n {
		n = h
	}
	return n
}

func redeliveryDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// deadLetter moves msg to <subject>.dlq and acks the original.
func (q *Queue) deadLetter(msg jetstream.Msg, reason error) {
	subject := msg.Subject()
	dlq := nats.NewMsg(subject + dlqSuffix)
	dlq.Data = msg.Data()
	for k, v := range msg.Headers() {
		dlq.Header[k] = v
	}
	dlq.Header.Set(headerDLQReason, reason.Error())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.Error("dlq publish failed", "subject", dlq.Subject, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "subject", subject, "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		slog.Error("nats ack failed", "subject", subject, "error", err)
	}
}

// HasSubscribers reports whether this process or another one is consuming subject.
func (q *Queue) HasSubscribers(ctx context.Context, subject string) (bool, error) {
	q.mu.Lock()
	local := q.subs[subject]
	q.mu.Unlock()
	if local > 0 {
		return true, nil
	}

	info, err := q.consumerInfo(ctx, subject)
	if err != nil || info == nil {
		return false, err
	}
	return info.NumWaiting > 0 || info.PushBound, nil
}

// OldestAge returns the age of the first message past the consumer's ack
// floor, or zero when the consumer has nothing outstanding.
func (q *Queue) OldestAge(ctx context.Context, subject string) (time.Duration, error) {
	info, err := q.consumerInfo(ctx, subject)
	if err != nil || info == nil {
		return 0, err
	}
	if info.NumPending == 0 && info.NumAckPending == 0 {
		return 0, nil
	}

	stream, err := q.js.Stream(ctx, q.opts.Stream)
	if err != nil {
		return 0, fmt.Errorf("nats stream %s: %w", q.opts.Stream, err)
	}
	raw, err := stream.GetMsg(ctx, info.AckFloor.Stream+1, jetstream.WithGetMsgSubject(subject))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("nats oldest message %s: %w", subject, err)
	}
	return time.Since(raw.Time), nil
}

// consumerInfo returns nil without error when no consumer exists yet.
func (q *Queue) consumerInfo(ctx context.Context, subject string) (*jetstream.ConsumerInfo, error) {
	c, err := q.js.Consumer(ctx, q.opts.Stream, durableName(subject))
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("nats consumer %s: %w", subject, err)
	}
	info, err := c.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("nats consumer info %s: %w", subject, err)
	}
	return info, nil
}

// KeyValue returns the named KV bucket, creating it with the given TTL.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain stops fetching new messages, waits for in-flight handlers and
// drains the connection.
func (q *Queue) Drain() error {
	q.mu.Lock()
	ccs := make([]jetstream.ConsumeContext, 0, len(q.ccs))
	for cc := range q.ccs {
		ccs = append(ccs, cc)
	}
	q.mu.Unlock()

	for _, cc := range ccs {
		cc.Drain()
	}
	for _, cc := range ccs {
		<-cc.Closed()
	}
	q.wg.Wait()

	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
