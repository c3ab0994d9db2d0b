package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Runplane/internal/resilience"
)

// Listener holds a dedicated connection on LISTEN runplane_events and calls
// OnEvent with the run id of every committed event. Lost connections are
// re-established with backoff; OnEvent may therefore miss notifications, so
// consumers must treat it as a wake-up hint and re-read from the store.
type Listener struct {
	pool    *pgxpool.Pool
	onEvent func(runID string)
	retry   resilience.Policy
}

// NewListener creates a Listener. onEvent must not block.
func NewListener(pool *pgxpool.Pool, onEvent func(runID string)) *Listener {
	return &Listener{
		pool:    pool,
		onEvent: onEvent,
		retry:   resilience.Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.2},
	}
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	b := l.retry.NewBackOff()
	for {
		started := time.Now()
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		slog.Warn("event listener reconnecting", "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChannelEvents}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", ChannelEvents, err)
	}
	slog.Info("event listener started", "channel", ChannelEvents)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// The connection state is unknown after an error; drop it.
			_ = conn.Conn().Close(context.Background())
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.onEvent(n.Payload)
	}
}
