// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends selected by the scheme of TASUKI_STORE_URL.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Store settings. StoreURL selects the backend by scheme:
	// "memory://", "sqlite://<path>", or a postgres:// DSN.
	StoreURL  string
	NotifyURL string // Direct Postgres URL for LISTEN/NOTIFY; defaults to StoreURL.

	// Executor settings.
	MaxConcurrentRuns int
	StepTimeout       time.Duration
	DrainTimeout      time.Duration

	// Retention settings.
	RetentionTTL   time.Duration // 0 disables the sweeper.
	SweepInterval  time.Duration
	AlertThreshold float64 // Usage success-rate threshold.

	// Rate limit settings (requests per minute per client IP).
	SubmitRatePerMin int
	QueryRatePerMin  int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	SSEKeepalive        time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("TASUKI_PORT", 8080),
		ReadTimeout:         envDuration("TASUKI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("TASUKI_WRITE_TIMEOUT", 30*time.Second),
		StoreURL:            envStr("TASUKI_STORE_URL", "memory://"),
		NotifyURL:           envStr("TASUKI_NOTIFY_URL", ""),
		MaxConcurrentRuns:   envInt("TASUKI_MAX_CONCURRENT_RUNS", 64),
		StepTimeout:         envDuration("TASUKI_STEP_TIMEOUT", 30*time.Second),
		DrainTimeout:        envDuration("TASUKI_DRAIN_TIMEOUT", 30*time.Second),
		RetentionTTL:        envDuration("TASUKI_RETENTION_TTL", 0),
		SweepInterval:       envDuration("TASUKI_SWEEP_INTERVAL", time.Hour),
		AlertThreshold:      envFloat("TASUKI_ALERT_THRESHOLD", 0.8),
		SubmitRatePerMin:    envInt("TASUKI_SUBMIT_RATE_PER_MIN", 120),
		QueryRatePerMin:     envInt("TASUKI_QUERY_RATE_PER_MIN", 600),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "tasuki"),
		LogLevel:            envStr("TASUKI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("TASUKI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		SSEKeepalive:        envDuration("TASUKI_SSE_KEEPALIVE", 15*time.Second),
	}
	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.StoreURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StoreBackend returns which store backend StoreURL selects.
func (c Config) StoreBackend() (string, error) {
	switch {
	case c.StoreURL == "" || strings.HasPrefix(c.StoreURL, "memory://"):
		return StoreMemory, nil
	case strings.HasPrefix(c.StoreURL, "sqlite://"):
		return StoreSQLite, nil
	case strings.HasPrefix(c.StoreURL, "postgres://"), strings.HasPrefix(c.StoreURL, "postgresql://"):
		return StorePostgres, nil
	default:
		return "", fmt.Errorf("config: unsupported store URL scheme in %q", c.StoreURL)
	}
}

// SQLitePath returns the filesystem path portion of a sqlite store URL.
func (c Config) SQLitePath() string {
	return strings.TrimPrefix(c.StoreURL, "sqlite://")
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if _, err := c.StoreBackend(); err != nil {
		return err
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("config: TASUKI_MAX_CONCURRENT_RUNS must be positive")
	}
	if c.AlertThreshold <= 0 || c.AlertThreshold > 1 {
		return fmt.Errorf("config: TASUKI_ALERT_THRESHOLD must be in (0, 1]")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TASUKI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
