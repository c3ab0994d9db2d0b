package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 15 {
		t.Errorf("expected max_conns 15, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Store.Driver != "postgres" || cfg.Queue.Driver != "nats" {
		t.Errorf("expected postgres/nats drivers, got %s/%s", cfg.Store.Driver, cfg.Queue.Driver)
	}
	if cfg.Outbox.Sink != "log" {
		t.Errorf("expected log sink, got %s", cfg.Outbox.Sink)
	}
	if cfg.Recovery.MaxAttempts != 3 {
		t.Errorf("expected 3 recovery attempts, got %d", cfg.Recovery.MaxAttempts)
	}
	if !cfg.Server.RateLimit.Enabled || cfg.Server.RateLimit.Burst != 20 {
		t.Errorf("expected rate limit enabled with burst 20, got %+v", cfg.Server.RateLimit)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
  cors_origin: "http://example.com"
postgres:
  max_conns: 20
logging:
  level: "debug"
store:
  driver: "memory"
outbox:
  sink: "slack"
  slack_url: "https://hooks.slack.test/T000"
timeline:
  poll_interval: 50ms
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.CORSOrigin != "http://example.com" {
		t.Errorf("expected cors http://example.com, got %s", cfg.Server.CORSOrigin)
	}
	if cfg.Postgres.MaxConns != 20 {
		t.Errorf("expected max_conns 20, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory store, got %s", cfg.Store.Driver)
	}
	if cfg.Outbox.Sink != "slack" || cfg.Outbox.SlackURL != "https://hooks.slack.test/T000" {
		t.Errorf("expected slack sink with url, got %s %q", cfg.Outbox.Sink, cfg.Outbox.SlackURL)
	}
	if cfg.Timeline.PollInterval != 50*time.Millisecond {
		t.Errorf("expected poll interval 50ms, got %v", cfg.Timeline.PollInterval)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("RUNPLANE_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("RUNPLANE_PG_MAX_CONNS", "25")
	t.Setenv("RUNPLANE_LOG_LEVEL", "warn")
	t.Setenv("RUNPLANE_BREAKER_TIMEOUT", "1m")
	t.Setenv("RUNPLANE_QUEUE", "memory")
	t.Setenv("RUNPLANE_RATE_LIMIT_RATE", "2.5")
	t.Setenv("RUNPLANE_MCP_ENABLED", "true")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Queue.Driver != "memory" {
		t.Errorf("expected memory queue, got %s", cfg.Queue.Driver)
	}
	if cfg.Server.RateLimit.Rate != 2.5 {
		t.Errorf("expected rate 2.5, got %v", cfg.Server.RateLimit.Rate)
	}
	if !cfg.MCP.Enabled {
		t.Error("expected mcp enabled")
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty DSN",
			modify: func(c *Config) { c.Postgres.DSN = "" },
			errMsg: "postgres.dsn is required",
		},
		{
			name:   "empty NATS URL",
			modify: func(c *Config) { c.NATS.URL = "" },
			errMsg: "nats.url is required",
		},
		{
			name:   "zero max_conns",
			modify: func(c *Config) { c.Postgres.MaxConns = 0 },
			errMsg: "postgres.max_conns must be >= 1",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "unknown store driver",
			modify: func(c *Config) { c.Store.Driver = "sqlite" },
			errMsg: `store.driver "sqlite": must be postgres or memory`,
		},
		{
			name:   "zero worker concurrency",
			modify: func(c *Config) { c.Worker.Concurrency = 0 },
			errMsg: "worker.concurrency must be >= 1",
		},
		{
			name:   "slack sink without url",
			modify: func(c *Config) { c.Outbox.Sink = "slack" },
			errMsg: "outbox.slack_url is required for the slack sink",
		},
		{
			name:   "unknown sink",
			modify: func(c *Config) { c.Outbox.Sink = "kafka" },
			errMsg: `outbox.sink "kafka": must be log, webhook, slack or nats`,
		},
		{
			name:   "rate limit without burst",
			modify: func(c *Config) { c.Server.RateLimit.Burst = 0 },
			errMsg: "server.rate_limit needs rate > 0 and burst >= 1",
		},
		{
			name:   "webhook sink without url",
			modify: func(c *Config) { c.Outbox.Sink = "webhook" },
			errMsg: "outbox.webhook_url is required for the webhook sink",
		},
		{
			name: "nats sink on memory queue",
			modify: func(c *Config) {
				c.Queue.Driver = "memory"
				c.Outbox.Sink = "nats"
			},
			errMsg: "outbox.sink nats requires queue.driver nats",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestValidateMemoryDrivers(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "memory"
	cfg.Queue.Driver = "memory"
	cfg.Postgres.DSN = ""
	cfg.NATS.URL = ""
	if err := validate(&cfg); err != nil {
		t.Errorf("memory drivers need no DSN or NATS URL, got %v", err)
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg := Defaults()
	p := cfg.Dispatch.Retry.Policy()
	if p.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", p.MaxAttempts)
	}
	if p.BaseDelay != 100*time.Millisecond {
		t.Errorf("expected base delay 100ms, got %v", p.BaseDelay)
	}
	if p.Multiplier != 2 {
		t.Errorf("expected multiplier 2, got %v", p.Multiplier)
	}
}

func TestSecretKeysEnv(t *testing.T) {
	cfg := Defaults()
	t.Setenv("RUNPLANE_SECRET_ENV_KEYS", "WEBHOOK_TOKEN, ,API_KEY")
	loadEnv(&cfg)
	if len(cfg.Secrets.EnvKeys) != 2 || cfg.Secrets.EnvKeys[0] != "WEBHOOK_TOKEN" || cfg.Secrets.EnvKeys[1] != "API_KEY" {
		t.Errorf("unexpected secret keys %v", cfg.Secrets.EnvKeys)
	}
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		check   func(*testing.T, CLIFlags)
		wantErr bool
	}{
		{
			name: "long names",
			args: []string{"--port", "9090", "--log-level", "debug", "--nats-url", "nats://q:4222"},
			check: func(t *testing.T, f CLIFlags) {
				require.NotNil(t, f.Port)
				require.NotNil(t, f.LogLevel)
				require.NotNil(t, f.NatsURL)
				assert.Equal(t, "9090", *f.Port)
				assert.Equal(t, "debug", *f.LogLevel)
				assert.Equal(t, "nats://q:4222", *f.NatsURL)
				assert.Nil(t, f.DSN, "unset flags stay nil")
				assert.Nil(t, f.ConfigPath, "unset flags stay nil")
			},
		},
		{
			name: "shorthands",
			args: []string{"-p", "7070", "-c", "runplane.prod.yaml"},
			check: func(t *testing.T, f CLIFlags) {
				require.NotNil(t, f.Port)
				require.NotNil(t, f.ConfigPath)
				assert.Equal(t, "7070", *f.Port)
				assert.Equal(t, "runplane.prod.yaml", *f.ConfigPath)
			},
		},
		{name: "unknown flag", args: []string{"--workers", "4"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFlags(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, f)
		})
	}
}

func TestApplyCLI(t *testing.T) {
	ptr := func(s string) *string { return &s }

	cfg := Defaults()
	applyCLI(&cfg, CLIFlags{})
	assert.Equal(t, Defaults(), cfg, "no flags, no change")

	applyCLI(&cfg, CLIFlags{
		Port:     ptr("3333"),
		LogLevel: ptr("error"),
		DSN:      ptr("postgres://cli@db/runplane"),
		NatsURL:  ptr("nats://cli:4222"),
	})
	assert.Equal(t, "3333", cfg.Server.Port)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, "postgres://cli@db/runplane", cfg.Postgres.DSN)
	assert.Equal(t, "nats://cli:4222", cfg.NATS.URL)
}

// Flags sit above RUNPLANE_* variables.
func TestLoadWithCLI(t *testing.T) {
	t.Setenv("RUNPLANE_PORT", "7070")
	t.Setenv("RUNPLANE_LOG_LEVEL", "warn")
	path := writeYAML(t, "server:\n  port: \"5555\"\nworker:\n  concurrency: 3\n")

	flags, err := ParseFlags([]string{"-c", path, "--log-level", "error"})
	require.NoError(t, err)

	cfg, used, err := LoadWithCLI(flags)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, 3, cfg.Worker.Concurrency, "from the chosen yaml")
	assert.Equal(t, "7070", cfg.Server.Port, "env beats yaml")
	assert.Equal(t, "error", cfg.Logging.Level, "flag beats env")
}
