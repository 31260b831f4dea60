// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port       string
	Host       string
	Env        string // "development", "staging", "production"
	LogLevel   string
	CORSOrigin string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// WorkerID is empty for the primary process, which runs the
	// Subscription Fabric and the Outbox/Expiry/Corridor-timeout
	// workers. A non-empty value identifies a worker-only process.
	WorkerID string
	// MockMode enables off-chain balance mutations instead of any real
	// settlement rail call.
	MockMode bool

	// Outbox worker
	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	// Expiry worker
	ExpiryPollInterval time.Duration
	ExpiryBatchSize    int

	// Corridor timeout worker
	CorridorPollInterval time.Duration

	// ExtensionMinutes is loaded from EXTENSION_MINUTES and validated to
	// be at least 1. The order engine does not read it: acceptance does
	// not add it to expires_at, and orders.Service.Extend uses its own
	// 30-minute default when a request gives no minute count.
	ExtensionMinutes int

	// ConversionRate is the default USDT->AED peg the Conversion Engine
	// uses absent a per-request override.
	ConversionRate string

	// HeartbeatDir is where each worker writes its per-cycle heartbeat
	// file. Empty disables heartbeat writes.
	HeartbeatDir string

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
}

// Defaults per spec §6's Configuration section.
const (
	DefaultPort     = "4010"
	DefaultHost     = "0.0.0.0"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultOutboxPollInterval   = 5 * time.Second
	DefaultOutboxBatchSize      = 50
	DefaultExpiryPollInterval   = 10 * time.Second
	DefaultExpiryBatchSize      = 20
	DefaultCorridorPollInterval = 60 * time.Second

	DefaultExtensionMinutes = 30
	DefaultConversionRate   = "3.67"

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:       getEnv("PORT", DefaultPort),
		Host:       getEnv("HOST", DefaultHost),
		Env:        getEnv("ENV", DefaultEnv),
		LogLevel:   getEnv("LOG_LEVEL", DefaultLogLevel),
		CORSOrigin: getEnv("CORS_ORIGIN", "*"),

		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		WorkerID: os.Getenv("WORKER_ID"), // empty = primary
		MockMode: getEnvBool("MOCK_MODE", true),

		OutboxPollInterval: getEnvDuration("OUTBOX_POLL_MS_DURATION", 0),
		OutboxBatchSize:    int(getEnvInt64("OUTBOX_BATCH_SIZE", int64(DefaultOutboxBatchSize))),
		ExpiryPollInterval: getEnvDuration("EXPIRY_POLL_MS_DURATION", 0),
		ExpiryBatchSize:    int(getEnvInt64("EXPIRY_BATCH_SIZE", int64(DefaultExpiryBatchSize))),

		CorridorPollInterval: getEnvDuration("CORRIDOR_POLL_MS_DURATION", 0),

		ExtensionMinutes: int(getEnvInt64("EXTENSION_MINUTES", int64(DefaultExtensionMinutes))),
		ConversionRate:   getEnv("CONVERSION_RATE", DefaultConversionRate),

		HeartbeatDir: os.Getenv("HEARTBEAT_DIR"),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// OUTBOX_POLL_MS / EXPIRY_POLL_MS / CORRIDOR_POLL_MS are spec'd as
	// raw millisecond integers rather than Go duration strings; read
	// them directly and only fall back to the default if absent.
	cfg.OutboxPollInterval = getEnvMillis("OUTBOX_POLL_MS", DefaultOutboxPollInterval)
	cfg.ExpiryPollInterval = getEnvMillis("EXPIRY_POLL_MS", DefaultExpiryPollInterval)
	cfg.CorridorPollInterval = getEnvMillis("CORRIDOR_POLL_MS", DefaultCorridorPollInterval)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	// Port range
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	// DB statement timeout sanity
	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	// Write timeout must exceed request timeout to avoid truncated responses
	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.ExtensionMinutes < 1 {
		return fmt.Errorf("EXTENSION_MINUTES must be at least 1, got %d", c.ExtensionMinutes)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// IsPrimary reports whether this process runs the Subscription Fabric and
// the Outbox/Expiry/Corridor-timeout workers (WorkerID unset).
func (c *Config) IsPrimary() bool {
	return c.WorkerID == ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvMillis reads key as a plain integer count of milliseconds, the
// convention spec §6 uses for the worker poll interval variables.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
