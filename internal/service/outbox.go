package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/Runplane/internal/adapter/otel"
	"github.com/Strob0t/Runplane/internal/config"
	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/port/database"
	"github.com/Strob0t/Runplane/internal/port/sink"
	"github.com/Strob0t/Runplane/internal/resilience"
)

// OutboxRelay delivers unsent outbox messages to a sink. A message is
// marked sent only after the sink accepted it, so delivery is at least once.
type OutboxRelay struct {
	store    database.Store
	sink     sink.Sink
	policy   resilience.Policy
	interval time.Duration
	batch    int
	metrics  *otel.Metrics
}

// NewOutboxRelay creates an OutboxRelay from the outbox configuration.
func NewOutboxRelay(store database.Store, s sink.Sink, cfg config.Outbox, metrics *otel.Metrics) *OutboxRelay {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &OutboxRelay{
		store:    store,
		sink:     s,
		policy:   cfg.Retry.Policy(),
		interval: interval,
		batch:    batch,
		metrics:  metrics,
	}
}

// Run relays on every tick until ctx is done.
func (o *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	slog.Info("outbox relay started", "sink", o.sink.Name(), "interval", o.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("outbox relay pass failed", "error", err)
			}
		}
	}
}

// RelayOnce delivers one batch and returns the number of messages sent.
// An open circuit ends the pass early; the rest waits for the next tick.
func (o *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	msgs, err := o.store.OutboxListUnsent(ctx, o.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range msgs {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		err := o.deliver(ctx, msgs[i])
		if err == nil {
			sent++
			continue
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			slog.WarnContext(ctx, "outbox sink circuit open, pausing relay", "sink", o.sink.Name())
			break
		}
	}
	return sent, nil
}

func (o *OutboxRelay) deliver(ctx context.Context, msg outbox.Message) error {
	spanCtx, span := otel.StartOutboxSpan(ctx, msg.ID, msg.Topic, o.sink.Name())
	err := resilience.Retry(spanCtx, o.policy, func(ctx context.Context) error {
		err := o.sink.Deliver(ctx, msg)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return resilience.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		slog.DebugContext(ctx, "outbox delivery retry", "id", msg.ID, "wait", wait, "error", err)
	})
	otel.EndSpan(span, err)

	if err != nil {
		o.metrics.OutboxFailed(ctx, o.sink.Name())
		if markErr := o.store.OutboxMarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
			slog.ErrorContext(ctx, "outbox mark failed", "id", msg.ID, "error", markErr)
		}
		slog.WarnContext(ctx, "outbox delivery failed", "id", msg.ID, "topic", msg.Topic, "attempts", msg.Attempts+1, "error", err)
		return err
	}

	if err := o.store.OutboxMarkSent(ctx, msg.ID); err != nil {
		// Delivered but not marked: the message goes out again next pass.
		slog.ErrorContext(ctx, "outbox mark sent", "id", msg.ID, "error", err)
		return err
	}
	o.metrics.OutboxDelivered(ctx, o.sink.Name())
	return nil
}
