// Package config holds the server-side configuration shared by the
// collector, the workers, and the dashboard. The SDK configures itself
// separately from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/titanous/json5"
)

// Config is the root configuration for the agentstack services.
type Config struct {
	Collector  CollectorConfig  `json:"collector"`
	Redis      RedisConfig      `json:"redis"`
	ClickHouse ClickHouseConfig `json:"clickhouse"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Dashboard  DashboardConfig  `json:"dashboard,omitempty"`
	Workers    WorkersConfig    `json:"workers,omitempty"`

	mu sync.RWMutex
}

// CollectorConfig configures the ingest gateway.
type CollectorConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WS origin whitelist; empty = allow all
	RateLimitRPM   int      `json:"rate_limit_rpm"`            // per-IP requests per minute; 0 disables
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // request body cap (default 5 MiB)
}

// RedisConfig locates the stream backbone.
type RedisConfig struct {
	URL string `json:"url"`
}

// ClickHouseConfig locates the analytical store.
type ClickHouseConfig struct {
	Addr     string `json:"addr"`
	Database string `json:"database"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"` // from env AGENTSTACK_CLICKHOUSE_PASSWORD only
}

// DatabaseConfig configures Postgres for project metadata.
// PostgresDSN is never read from the config file, only from env
// AGENTSTACK_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// DashboardConfig configures the live alert endpoint.
type DashboardConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// WorkersConfig tunes the stream consumers.
type WorkersConfig struct {
	WriterBatchSize   int `json:"writer_batch_size,omitempty"`
	CostBatchSize     int `json:"cost_batch_size,omitempty"`
	SecurityBatchSize int `json:"security_batch_size,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Collector: CollectorConfig{
			Host:         "0.0.0.0",
			Port:         4318,
			RateLimitRPM: 100,
			MaxBodyBytes: 5 << 20,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		ClickHouse: ClickHouseConfig{
			Addr:     "localhost:9000",
			Database: "agentstack",
			Username: "default",
		},
		Dashboard: DashboardConfig{
			Host: "0.0.0.0",
			Port: 4319,
		},
		Workers: WorkersConfig{
			WriterBatchSize:   1000,
			CostBatchSize:     100,
			SecurityBatchSize: 10,
		},
	}
}

// Load reads config from a JSON file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("AGENTSTACK_HOST", &c.Collector.Host)
	envInt("AGENTSTACK_PORT", &c.Collector.Port)
	envInt("AGENTSTACK_RATE_LIMIT_RPM", &c.Collector.RateLimitRPM)
	if v := os.Getenv("AGENTSTACK_ALLOWED_ORIGINS"); v != "" {
		c.Collector.AllowedOrigins = strings.Split(v, ",")
	}

	envStr("AGENTSTACK_REDIS_URL", &c.Redis.URL)

	envStr("AGENTSTACK_CLICKHOUSE_ADDR", &c.ClickHouse.Addr)
	envStr("AGENTSTACK_CLICKHOUSE_DATABASE", &c.ClickHouse.Database)
	envStr("AGENTSTACK_CLICKHOUSE_USERNAME", &c.ClickHouse.Username)
	envStr("AGENTSTACK_CLICKHOUSE_PASSWORD", &c.ClickHouse.Password)

	envStr("AGENTSTACK_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("AGENTSTACK_DASHBOARD_HOST", &c.Dashboard.Host)
	envInt("AGENTSTACK_DASHBOARD_PORT", &c.Dashboard.Port)
}

// AllowedOrigins returns the current origin whitelist. Safe to call while
// a watcher is updating the config.
func (c *Config) AllowedOrigins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.Collector.AllowedOrigins))
	copy(out, c.Collector.AllowedOrigins)
	return out
}

// SetAllowedOrigins replaces the origin whitelist. Used by the config
// watcher on file change.
func (c *Config) SetAllowedOrigins(origins []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Collector.AllowedOrigins = origins
}
