package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	rphttp "github.com/Strob0t/Runplane/internal/adapter/http"
	"github.com/Strob0t/Runplane/internal/adapter/mcp"
	"github.com/Strob0t/Runplane/internal/adapter/otel"
	"github.com/Strob0t/Runplane/internal/adapter/ws"
	"github.com/Strob0t/Runplane/internal/config"
	"github.com/Strob0t/Runplane/internal/logger"
	"github.com/Strob0t/Runplane/internal/middleware"
	"github.com/Strob0t/Runplane/internal/resilience"
	"github.com/Strob0t/Runplane/internal/secrets"
	"github.com/Strob0t/Runplane/internal/service"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := dispatch(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func dispatch(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "migrate":
			return runMigrate(args[1:])
		case "admin":
			return runAdmin(args[1:])
		case "version":
			fmt.Println(version)
			return nil
		case "serve":
			args = args[1:]
		}
	}
	return serve(args)
}

func serve(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	holder := config.NewHolder(cfg, cfgPath)

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"queue", cfg.Queue.Driver,
		"outbox_sink", cfg.Outbox.Sink,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---

	otelShutdown, err := otel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// --- Infrastructure ---

	hub := service.NewHub()

	store, listen, closeStore, err := openStore(ctx, cfg, hub, metrics)
	if err != nil {
		return err
	}
	defer closeStore()
	if listen != nil {
		g.Go(func() error { return listen(gctx) })
	}

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = q.queue.Close() }()

	loader := secrets.EnvLoader(cfg.Secrets.EnvKeys...)
	if cfg.Secrets.File != "" {
		loader = secrets.Merge(loader, secrets.FileLoader(cfg.Secrets.File))
	}
	vault, err := secrets.NewVault(loader)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	redactor := secrets.NewRedactor(vault, 0)

	tools := buildTools(cfg, q)

	breaker := resilience.NewBreaker("outbox-sink", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnStateChange(func(name string, from, to resilience.State) {
		metrics.BreakerTransition(name, string(from), string(to))
	})
	sink := buildSink(cfg, q, breaker, log)

	// --- Services ---

	dispatcher := service.NewDispatcher(store, q.queue, cfg.Dispatch.Retry.Policy(), metrics)
	gates := service.NewGateManager(store, dispatcher)
	recovery := service.NewRunRecovery(store, dispatcher, cfg.Recovery.MaxAttempts)
	timeline := service.NewTimeline(store, hub, cfg.Timeline)
	runs := service.NewRunService(store, dispatcher, gates, recovery, timeline)

	worker := service.NewWorker(store, q.queue, tools, dispatcher, redactor, cfg.Worker,
		cfg.Dispatch.Retry.Policy(), metrics)
	if err := worker.Start(gctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	stopWorker := sync.OnceFunc(worker.Stop)
	defer stopWorker()
	slog.Info("worker started", "concurrency", cfg.Worker.Concurrency)

	relay := service.NewOutboxRelay(store, sink, cfg.Outbox, metrics)
	g.Go(func() error { return relay.Run(gctx) })

	if cfg.Reconcile.Enabled {
		reconciler := service.NewReconciler(store, dispatcher, cfg.Reconcile)
		g.Go(func() error { return reconciler.Run(gctx) })
	}

	// --- HTTP ---

	idemCache, closeCache, err := buildCache(ctx, cfg, q)
	if err != nil {
		return err
	}
	defer closeCache()

	var apiMiddleware []func(http.Handler) http.Handler
	if cfg.Server.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.Server.RateLimit)
		g.Go(func() error { return limiter.Run(gctx) })
		apiMiddleware = append(apiMiddleware, limiter.Handler)
	}
	if cfg.Idempotency.Enabled {
		apiMiddleware = append(apiMiddleware, middleware.NewIdempotency(idemCache, cfg.Idempotency.TTL).Handler)
	}

	handlers := &rphttp.Handlers{
		Runs:   runs,
		Health: rphttp.NewHealthChecker(store, q.queue, version),
	}
	wsHub := ws.NewHub(runs)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(rphttp.CORS(cfg.Server.CORSOrigin))
	r.Use(rphttp.SecurityHeaders)
	r.Use(rphttp.Logger)
	if cfg.OTEL.Enabled {
		r.Use(otel.HTTPMiddleware(cfg.OTEL.ServiceName))
	}

	r.Get("/ws", wsHub.HandleWS)
	rphttp.MountRoutes(r, handlers, apiMiddleware...)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// --- MCP ---

	var mcpSrv *mcp.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcp.NewServer(mcp.ServerConfig{
			Addr:    ":" + cfg.MCP.Port,
			Name:    "runplane",
			Version: version,
			APIKey:  cfg.MCP.APIKey,
		}, mcp.ServerDeps{Runs: runs})
		if err := mcpSrv.Start(); err != nil {
			return err
		}
	}

	g.Go(func() error {
		watchReload(gctx, holder, vault)
		return nil
	})

	// --- Shutdown ---

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if mcpSrv != nil {
			if err := mcpSrv.Stop(shutdownCtx); err != nil {
				slog.Warn("mcp shutdown", "error", err)
			}
		}
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stopWorker()
	if drainErr := q.queue.Drain(); drainErr != nil {
		slog.Warn("queue drain", "error", drainErr)
	}
	slog.Info("stopped")
	return err
}

// watchReload re-reads the config file and the secret vault on SIGHUP.
// Only settings read per request pick up the new values; listeners and
// pools keep the configuration they were started with.
func watchReload(ctx context.Context, holder *config.Holder, vault *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := holder.Reload(); err != nil {
				slog.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("config reloaded", "log_level", holder.Get().Logging.Level, "secrets", len(vault.Keys()))
		}
	}
}
