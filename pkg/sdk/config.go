package sdk

import (
	"os"
	"strconv"
	"time"
)

// Config is the immutable SDK configuration, normally built from
// AGENTSTACK_* environment variables via ConfigFromEnv.
type Config struct {
	APIKey         string        // collector auth token; empty = local-only mode
	CollectorURL   string        // base URL of the ingest gateway
	Enabled        bool          // master switch; disabled SDK records nothing
	BatchSize      int           // spans accumulated before an immediate flush
	ExportInterval time.Duration // max wait between flushes
	MaxQueueSize   int           // ring buffer capacity
	ServiceName    string        // tagged on every span
	Debug          bool          // verbose slog output for SDK internals
	LogLevel       string
	FallbackPath   string // sqlite file for offline spans; empty = default
}

// DefaultConfig returns the SDK defaults without consulting the environment.
func DefaultConfig() Config {
	return Config{
		CollectorURL:   "http://localhost:4318",
		Enabled:        true,
		BatchSize:      64,
		ExportInterval: 5 * time.Second,
		MaxQueueSize:   2048,
		ServiceName:    "default",
		LogLevel:       "INFO",
	}
}

// ConfigFromEnv builds a Config from AGENTSTACK_* environment variables,
// falling back to defaults for anything unset.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1" || v == "yes"
		}
	}

	envStr("AGENTSTACK_API_KEY", &cfg.APIKey)
	envStr("AGENTSTACK_COLLECTOR_URL", &cfg.CollectorURL)
	envBool("AGENTSTACK_ENABLED", &cfg.Enabled)
	envInt("AGENTSTACK_BATCH_SIZE", &cfg.BatchSize)
	if v := os.Getenv("AGENTSTACK_EXPORT_INTERVAL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.ExportInterval = time.Duration(ms) * time.Millisecond
		}
	}
	envInt("AGENTSTACK_MAX_QUEUE_SIZE", &cfg.MaxQueueSize)
	envStr("AGENTSTACK_LOG_LEVEL", &cfg.LogLevel)
	envBool("AGENTSTACK_DEBUG", &cfg.Debug)
	envStr("AGENTSTACK_SERVICE_NAME", &cfg.ServiceName)
	envStr("AGENTSTACK_FALLBACK_PATH", &cfg.FallbackPath)
	return cfg
}
