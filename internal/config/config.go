// Package config loads platform configuration from the environment and
// from optional YAML files for seed data.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the complete runtime configuration shared by the API, worker
// and socket processes.
type Config struct {
	Environment string `env:"APP_ENV,default=development"`

	Database DatabaseConfig
	Redis    RedisConfig
	Search   SearchConfig
	Auth     AuthConfig
	HTTP     HTTPConfig
	Socket   SocketConfig
	Sync     SyncConfig
	Poller   PollerConfig
	Outbox   OutboxConfig
	Worker   WorkerConfig
	Logging  LoggingConfig

	// EncryptionKey protects provider credentials at rest. Hex, base64 or
	// raw; must decode to 16, 24 or 32 bytes.
	EncryptionKey string `env:"ENCRYPTION_KEY"`
}

// DatabaseConfig configures the canonical PostgreSQL store.
type DatabaseConfig struct {
	// URL is the pooled connection string used by request-path queries.
	URL string `env:"DATABASE_URL,required"`
	// DirectURL is a session-mode connection for the durable queue and
	// migrations; falls back to URL when empty.
	DirectURL       string        `env:"DIRECT_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=10"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m"`
}

// RedisConfig configures the cache/lock/stream store.
type RedisConfig struct {
	URL string `env:"REDIS_URL,required"`
}

// SearchConfig configures the external search index.
type SearchConfig struct {
	Host      string        `env:"SEARCH_HOST"`
	APIKey    string        `env:"SEARCH_API_KEY"`
	IndexName string        `env:"SEARCH_INDEX,default=offers"`
	CacheTTL  time.Duration `env:"SEARCH_CACHE_TTL,default=60s"`
}

// AuthConfig configures token issuing and CSRF protection.
type AuthConfig struct {
	JWTSecret  string        `env:"JWT_SECRET,required"`
	CSRFSecret string        `env:"CSRF_SECRET"`
	TokenTTL   time.Duration `env:"AUTH_TOKEN_TTL,default=24h"`
}

// HTTPConfig configures the API server process.
type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR,default=:8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=30s"`
	// RateLimitPerMin caps authenticated requests per user per minute.
	RateLimitPerMin int `env:"HTTP_RATE_LIMIT_PER_MIN,default=120"`
	// IconBasePath is where downloaded service icons are stored.
	IconBasePath string `env:"ICON_BASE_PATH,default=assets/icons"`
}

// SocketConfig configures the websocket fan-out process.
type SocketConfig struct {
	Addr string `env:"SOCKET_ADDR,default=:8081"`
	// ReplayLimit bounds how many buffered events a reconnect replays.
	ReplayLimit int `env:"SOCKET_REPLAY_LIMIT,default=100"`
}

// SyncConfig tunes the catalogue sync pipeline.
type SyncConfig struct {
	// RequestsPerMinute caps upstream price calls per provider.
	RequestsPerMinute int `env:"SYNC_REQUESTS_PER_MINUTE,default=180"`
	// Concurrency bounds in-flight country fetches per provider.
	Concurrency int `env:"SYNC_CONCURRENCY,default=50"`
	// UpsertChunkSize bounds rows per pricing insert.
	UpsertChunkSize int `env:"SYNC_UPSERT_CHUNK,default=1000"`
	// MetadataMaxAge is how long cached provider metadata stays fresh.
	MetadataMaxAge time.Duration `env:"SYNC_METADATA_MAX_AGE,default=24h"`
	// PointsRate converts display currency into wallet points for
	// smart-auto currency normalization.
	PointsRate float64 `env:"SYNC_POINTS_RATE,default=1"`
	// PointsEnabled switches display rounding to round-up.
	PointsEnabled bool `env:"SYNC_POINTS_ENABLED,default=false"`
}

// PollerConfig tunes the SMS inbox poller.
type PollerConfig struct {
	BatchSize     int           `env:"POLL_BATCH_SIZE,default=25"`
	Concurrency   int           `env:"POLL_CONCURRENCY,default=10"`
	LockTTL       time.Duration `env:"POLL_LOCK_TTL,default=60s"`
	StatusTimeout time.Duration `env:"POLL_STATUS_TIMEOUT,default=15s"`
	DrainTimeout  time.Duration `env:"POLL_DRAIN_TIMEOUT,default=30s"`
	// ProviderRatePerMin caps getStatus calls per provider.
	ProviderRatePerMin int `env:"POLL_PROVIDER_RATE_PER_MIN,default=300"`
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	BatchSize     int           `env:"OUTBOX_BATCH_SIZE,default=100"`
	Interval      time.Duration `env:"OUTBOX_INTERVAL,default=1s"`
	RetentionDays int           `env:"OUTBOX_RETENTION_DAYS,default=7"`
}

// WorkerConfig tunes the queue consumers and the master worker.
type WorkerConfig struct {
	// FetchBatch bounds jobs claimed per queue pass.
	FetchBatch int `env:"WORKER_FETCH_BATCH,default=10"`
	// Concurrency bounds jobs running at once per queue.
	Concurrency int `env:"WORKER_CONCURRENCY,default=4"`
	// IdleDelay spaces passes over an empty queue.
	IdleDelay time.Duration `env:"WORKER_IDLE_DELAY,default=2s"`
	// MasterIdleDelay spaces master ticks when no bucket did work.
	MasterIdleDelay time.Duration `env:"WORKER_MASTER_IDLE_DELAY,default=5s"`
	// StuckAfter is how long a claimed job may hold its lock before a
	// maintenance pass returns it to pending.
	StuckAfter time.Duration `env:"WORKER_STUCK_AFTER,default=5m"`
	// RetentionDays keeps settled jobs queryable before purge.
	RetentionDays int           `env:"WORKER_JOB_RETENTION_DAYS,default=7"`
	DrainTimeout  time.Duration `env:"WORKER_DRAIN_TIMEOUT,default=10s"`
}

// LoggingConfig mirrors pkg/logger.LoggingConfig fields.
type LoggingConfig struct {
	Level      string `env:"LOG_LEVEL,default=info"`
	Format     string `env:"LOG_FORMAT,default=json"`
	Output     string `env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `env:"LOG_FILE_PREFIX"`
}

// Load reads configuration from the environment, first merging an optional
// .env file for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envdecode cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("config: DATABASE_URL must not be empty")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("config: REDIS_URL must not be empty")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config: JWT_SECRET must not be empty")
	}
	if c.Sync.RequestsPerMinute <= 0 {
		return fmt.Errorf("config: SYNC_REQUESTS_PER_MINUTE must be positive")
	}
	if c.Sync.Concurrency <= 0 || c.Sync.Concurrency > 50 {
		return fmt.Errorf("config: SYNC_CONCURRENCY must be within 1..50")
	}
	if c.Poller.Concurrency <= 0 {
		return fmt.Errorf("config: POLL_CONCURRENCY must be positive")
	}
	return nil
}

// DirectDatabaseURL returns the session-mode database URL, defaulting to
// the pooled URL.
func (c *Config) DirectDatabaseURL() string {
	if strings.TrimSpace(c.Database.DirectURL) != "" {
		return c.Database.DirectURL
	}
	return c.Database.URL
}

// IsProduction reports whether the process runs with production hardening.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}
