package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "runplane.yaml"

// DotEnvFile is loaded into the process environment when present.
// Variables already set in the environment are not overwritten.
const DotEnvFile = ".env"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg, err := build(yamlPath, CLIFlags{})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CLIFlags holds command-line overrides. Nil fields were not set.
type CLIFlags struct {
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	ConfigPath *string
}

// ParseFlags parses serve flags from args. Only flags that were explicitly
// passed are non-nil in the result.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("runplane", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var port, logLevel, dsn, natsURL, configPath string
	fs.StringVar(&port, "port", "", "HTTP listen port")
	fs.StringVar(&port, "p", "", "HTTP listen port (shorthand)")
	fs.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&dsn, "dsn", "", "PostgreSQL connection string")
	fs.StringVar(&natsURL, "nats-url", "", "NATS server URL")
	fs.StringVar(&configPath, "config", "", "path to YAML config file")
	fs.StringVar(&configPath, "c", "", "path to YAML config file (shorthand)")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}

	var out CLIFlags
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port", "p":
			out.Port = &port
		case "log-level":
			out.LogLevel = &logLevel
		case "dsn":
			out.DSN = &dsn
		case "nats-url":
			out.NatsURL = &natsURL
		case "config", "c":
			out.ConfigPath = &configPath
		}
	})
	return out, nil
}

// LoadWithCLI loads configuration with CLI flags as the highest layer.
// It returns the YAML path that was used so callers can reload it later.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil && *flags.ConfigPath != "" {
		path = *flags.ConfigPath
	}
	cfg, err := build(path, flags)
	if err != nil {
		return nil, "", err
	}
	return &cfg, path, nil
}

func build(yamlPath string, flags CLIFlags) (Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return Config{}, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadDotEnv(DotEnvFile); err != nil {
		return Config{}, fmt.Errorf("config dotenv: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validate: %w", err)
	}
	return cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadDotEnv populates the environment from path when it exists.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "RUNPLANE_PORT")
	setString(&cfg.Server.CORSOrigin, "RUNPLANE_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "RUNPLANE_SHUTDOWN_TIMEOUT")
	setBool(&cfg.Server.RateLimit.Enabled, "RUNPLANE_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.Server.RateLimit.Rate, "RUNPLANE_RATE_LIMIT_RATE")
	setInt(&cfg.Server.RateLimit.Burst, "RUNPLANE_RATE_LIMIT_BURST")

	setString(&cfg.Store.Driver, "RUNPLANE_STORE")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "RUNPLANE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "RUNPLANE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "RUNPLANE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "RUNPLANE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "RUNPLANE_PG_HEALTH_CHECK")
	setBool(&cfg.Postgres.AutoMigrate, "RUNPLANE_PG_AUTO_MIGRATE")

	setString(&cfg.Queue.Driver, "RUNPLANE_QUEUE")
	setInt(&cfg.Queue.MemoryBuffer, "RUNPLANE_QUEUE_MEMORY_BUFFER")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "RUNPLANE_NATS_STREAM")

	setString(&cfg.Logging.Level, "RUNPLANE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "RUNPLANE_LOG_SERVICE")
	setString(&cfg.Logging.Format, "RUNPLANE_LOG_FORMAT")
	setBool(&cfg.Logging.Async, "RUNPLANE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "RUNPLANE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "RUNPLANE_BREAKER_TIMEOUT")

	// Dispatch
	setInt(&cfg.Dispatch.Retry.MaxAttempts, "RUNPLANE_DISPATCH_MAX_ATTEMPTS")
	setDuration(&cfg.Dispatch.Retry.BaseDelay, "RUNPLANE_DISPATCH_BASE_DELAY")
	setDuration(&cfg.Dispatch.Retry.MaxDelay, "RUNPLANE_DISPATCH_MAX_DELAY")
	setFloat64(&cfg.Dispatch.Retry.Jitter, "RUNPLANE_DISPATCH_JITTER")

	// Worker
	setInt(&cfg.Worker.Concurrency, "RUNPLANE_WORKER_CONCURRENCY")
	setDuration(&cfg.Worker.StepTimeout, "RUNPLANE_WORKER_STEP_TIMEOUT")
	setInt(&cfg.Recovery.MaxAttempts, "RUNPLANE_RECOVERY_MAX_ATTEMPTS")

	// Outbox
	setDuration(&cfg.Outbox.Interval, "RUNPLANE_OUTBOX_INTERVAL")
	setInt(&cfg.Outbox.BatchSize, "RUNPLANE_OUTBOX_BATCH_SIZE")
	setString(&cfg.Outbox.Sink, "RUNPLANE_OUTBOX_SINK")
	setString(&cfg.Outbox.WebhookURL, "RUNPLANE_OUTBOX_WEBHOOK_URL")
	setString(&cfg.Outbox.SlackURL, "RUNPLANE_OUTBOX_SLACK_URL")
	setDuration(&cfg.Outbox.WebhookTimeout, "RUNPLANE_OUTBOX_WEBHOOK_TIMEOUT")

	// Reconcile
	setBool(&cfg.Reconcile.Enabled, "RUNPLANE_RECONCILE_ENABLED")
	setDuration(&cfg.Reconcile.Interval, "RUNPLANE_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.QueuedAfter, "RUNPLANE_RECONCILE_QUEUED_AFTER")
	setDuration(&cfg.Reconcile.StaleRunningAfter, "RUNPLANE_RECONCILE_STALE_RUNNING_AFTER")

	// Timeline
	setDuration(&cfg.Timeline.PollInterval, "RUNPLANE_TIMELINE_POLL_INTERVAL")
	setDuration(&cfg.Timeline.MaxPollInterval, "RUNPLANE_TIMELINE_MAX_POLL_INTERVAL")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "RUNPLANE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "RUNPLANE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "RUNPLANE_CACHE_L2_TTL")

	// Idempotency
	setBool(&cfg.Idempotency.Enabled, "RUNPLANE_IDEMPOTENCY_ENABLED")
	setDuration(&cfg.Idempotency.TTL, "RUNPLANE_IDEMPOTENCY_TTL")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "RUNPLANE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "RUNPLANE_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "RUNPLANE_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "RUNPLANE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "RUNPLANE_OTEL_SAMPLE_RATE")

	// MCP
	setBool(&cfg.MCP.Enabled, "RUNPLANE_MCP_ENABLED")
	setString(&cfg.MCP.Port, "RUNPLANE_MCP_PORT")
	setString(&cfg.MCP.APIKey, "RUNPLANE_MCP_API_KEY")

	// Tools
	setBool(&cfg.Tools.Remote, "RUNPLANE_TOOLS_REMOTE")
	setDuration(&cfg.Tools.Timeout, "RUNPLANE_TOOLS_TIMEOUT")

	if v := os.Getenv("RUNPLANE_SECRET_ENV_KEYS"); v != "" {
		cfg.Secrets.EnvKeys = splitList(v)
	}
	setString(&cfg.Secrets.File, "RUNPLANE_SECRETS_FILE")
}

// applyCLI overlays explicitly set CLI flags onto cfg.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver %q: must be postgres or memory", cfg.Store.Driver)
	}
	switch cfg.Queue.Driver {
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
		if cfg.NATS.Stream == "" {
			return errors.New("nats.stream is required")
		}
	case "memory":
		if cfg.Queue.MemoryBuffer < 1 {
			return errors.New("queue.memory_buffer must be >= 1")
		}
	default:
		return fmt.Errorf("queue.driver %q: must be nats or memory", cfg.Queue.Driver)
	}
	if cfg.Server.RateLimit.Enabled && (cfg.Server.RateLimit.Rate <= 0 || cfg.Server.RateLimit.Burst < 1) {
		return errors.New("server.rate_limit needs rate > 0 and burst >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Dispatch.Retry.MaxAttempts < 1 {
		return errors.New("dispatch.retry.max_attempts must be >= 1")
	}
	if cfg.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be >= 1")
	}
	if cfg.Recovery.MaxAttempts < 0 {
		return errors.New("recovery.max_attempts must be >= 0")
	}
	if cfg.Outbox.BatchSize < 1 {
		return errors.New("outbox.batch_size must be >= 1")
	}
	switch cfg.Outbox.Sink {
	case "log", "nats":
	case "webhook":
		if cfg.Outbox.WebhookURL == "" {
			return errors.New("outbox.webhook_url is required for the webhook sink")
		}
	case "slack":
		if cfg.Outbox.SlackURL == "" {
			return errors.New("outbox.slack_url is required for the slack sink")
		}
	default:
		return fmt.Errorf("outbox.sink %q: must be log, webhook, slack or nats", cfg.Outbox.Sink)
	}
	if cfg.Outbox.Sink == "nats" && cfg.Queue.Driver != "nats" {
		return errors.New("outbox.sink nats requires queue.driver nats")
	}
	if cfg.Timeline.PollInterval <= 0 {
		return errors.New("timeline.poll_interval must be > 0")
	}
	switch cfg.Logging.Format {
	case "json", "text", "auto", "":
	default:
		return fmt.Errorf("logging.format %q: must be json, text or auto", cfg.Logging.Format)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
