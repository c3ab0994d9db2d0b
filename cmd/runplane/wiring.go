package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/Runplane/internal/adapter/builtin"
	"github.com/Strob0t/Runplane/internal/adapter/logsink"
	"github.com/Strob0t/Runplane/internal/adapter/memory"
	"github.com/Strob0t/Runplane/internal/adapter/memqueue"
	rpnats "github.com/Strob0t/Runplane/internal/adapter/nats"
	"github.com/Strob0t/Runplane/internal/adapter/natskv"
	"github.com/Strob0t/Runplane/internal/adapter/otel"
	"github.com/Strob0t/Runplane/internal/adapter/postgres"
	"github.com/Strob0t/Runplane/internal/adapter/ristretto"
	"github.com/Strob0t/Runplane/internal/adapter/slack"
	"github.com/Strob0t/Runplane/internal/adapter/tiered"
	"github.com/Strob0t/Runplane/internal/adapter/webhook"
	"github.com/Strob0t/Runplane/internal/config"
	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/port/cache"
	"github.com/Strob0t/Runplane/internal/port/database"
	"github.com/Strob0t/Runplane/internal/port/messagequeue"
	"github.com/Strob0t/Runplane/internal/port/sink"
	"github.com/Strob0t/Runplane/internal/port/toolexec"
	"github.com/Strob0t/Runplane/internal/resilience"
	"github.com/Strob0t/Runplane/internal/service"
)

// openStore connects the configured store, routes its commit notifications
// to hub and counts finished runs on metrics. listen is non-nil when
// notifications arrive on a connection that has to be served in the
// background.
func openStore(ctx context.Context, cfg *config.Config, hub *service.Hub, metrics *otel.Metrics) (store database.Store, listen func(context.Context) error, closeFn func(), err error) {
	runFinished := func(ctx context.Context, r run.Run) { metrics.RunFinished(ctx, string(r.Status)) }
	if cfg.Store.Driver == "memory" {
		mem := memory.NewStore()
		mem.OnEvent(func(ev event.Event) { hub.Notify(ev.RunID) })
		mem.OnRunFinished(runFinished)
		slog.Warn("using in-memory store, state is lost on restart")
		return mem, nil, func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: %w", err)
	}
	slog.Info("postgres connected")

	if cfg.Postgres.AutoMigrate {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")
	}

	listener := postgres.NewListener(pool, hub.Notify)
	pg := postgres.NewStore(pool,
		postgres.WithRetryPolicy(cfg.Dispatch.Retry.Policy()),
		postgres.WithRunFinished(runFinished),
	)
	return pg, listener.Run, pool.Close, nil
}

// queues holds the step queue and, when NATS is configured, the concrete
// JetStream queue that also backs the KV cache, tool executor and sink.
type queues struct {
	queue messagequeue.Queue
	nats  *rpnats.Queue
}

func openQueue(ctx context.Context, cfg *config.Config) (queues, error) {
	if cfg.Queue.Driver == "memory" {
		q := memqueue.New(memqueue.Options{
			Buffer:    cfg.Queue.MemoryBuffer,
			Consumers: cfg.Worker.Concurrency,
		})
		slog.Warn("using in-memory queue, pending steps are lost on restart")
		return queues{queue: q}, nil
	}

	q, err := rpnats.Connect(ctx, rpnats.Options{
		URL:           cfg.NATS.URL,
		Stream:        cfg.NATS.Stream,
		MaxAckPending: cfg.Worker.Concurrency * 2,
	})
	if err != nil {
		return queues{}, fmt.Errorf("nats: %w", err)
	}
	slog.Info("nats connected", "url", cfg.NATS.URL, "stream", cfg.NATS.Stream)
	return queues{queue: q, nats: q}, nil
}

// buildTools registers the in-process tools. With tools.remote, every
// other tool is forwarded to tools.exec.<tool> over NATS.
func buildTools(cfg *config.Config, q queues) *toolexec.Registry {
	reg := toolexec.NewRegistry()
	builtin.Register(reg)
	if cfg.Tools.Remote {
		if q.nats == nil {
			slog.Warn("tools.remote requires the nats queue, remote tools disabled")
		} else {
			reg.SetFallback(rpnats.NewExecutor(q.nats.Conn(), cfg.Tools.Timeout))
		}
	}
	slog.Info("tools registered", "tools", reg.Available(), "remote", cfg.Tools.Remote && q.nats != nil)
	return reg
}

func buildSink(cfg *config.Config, q queues, breaker *resilience.Breaker, log *slog.Logger) sink.Sink {
	switch cfg.Outbox.Sink {
	case "webhook":
		return webhook.NewSink(cfg.Outbox.WebhookURL, cfg.Outbox.WebhookTimeout, breaker)
	case "slack":
		return slack.NewSink(cfg.Outbox.SlackURL, cfg.Outbox.WebhookTimeout, breaker)
	case "nats":
		return rpnats.NewOutboxSink(q.nats)
	default:
		return logsink.New(log)
	}
}

// buildCache returns the idempotency replay cache: ristretto in process,
// backed by a JetStream KV bucket when NATS is available.
func buildCache(ctx context.Context, cfg *config.Config, q queues) (cache.Cache, func(), error) {
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return nil, nil, fmt.Errorf("l1 cache: %w", err)
	}
	if q.nats == nil {
		return l1, l1.Close, nil
	}
	kv, err := q.nats.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		l1.Close()
		return nil, nil, fmt.Errorf("l2 cache: %w", err)
	}
	return tiered.New(l1, natskv.New(kv), cfg.Idempotency.TTL), l1.Close, nil
}
