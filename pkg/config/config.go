// Package config loads crawler configuration from YAML, .env files and
// EGR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/egr-crawler/pkg/client"
	"github.com/Sternrassler/egr-crawler/pkg/identifier"
	"github.com/Sternrassler/egr-crawler/pkg/registry"
	"github.com/Sternrassler/egr-crawler/pkg/scheduler"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the complete crawler configuration.
type Config struct {
	Range     identifier.Range `yaml:"range"`
	Crawl     CrawlConfig      `yaml:"crawl"`
	Retry     RetryConfig      `yaml:"retry"`
	Registry  RegistryConfig   `yaml:"registry"`
	Store     StoreConfig      `yaml:"store"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// CrawlConfig controls dispatch.
type CrawlConfig struct {
	Concurrency int64         `yaml:"concurrency"`
	BatchSize   int           `yaml:"batch_size"`
	Pause       time.Duration `yaml:"pause"`
}

// RetryConfig controls per-resource retries.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
}

// RegistryConfig describes the upstream HTTP service.
type RegistryConfig struct {
	NameURL            string        `yaml:"name_url"`
	ActivityURL        string        `yaml:"activity_url"`
	InfoURL            string        `yaml:"info_url"`
	UserAgent          string        `yaml:"user_agent"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// RateLimitConfig configures the shared cooldown gate.
type RateLimitConfig struct {
	// RedisURL enables the Redis-backed gate shared between processes.
	RedisURL string `yaml:"redis_url"`
	// RequestsPerSecond caps outgoing requests; 0 disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	// File receives a copy of every log line; empty disables it.
	File string `yaml:"file"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// Default returns the default configuration.
func Default() Config {
	urls := client.DefaultURLTemplates()
	sched := scheduler.DefaultConfig()
	retry := client.DefaultRetryConfig()
	cl := client.DefaultConfig()

	return Config{
		Range: identifier.DefaultRange(),
		Crawl: CrawlConfig{
			Concurrency: sched.Concurrency,
			BatchSize:   sched.BatchSize,
			Pause:       sched.Pause,
		},
		Retry: RetryConfig{
			MaxAttempts:       retry.MaxAttempts,
			RetryDelay:        retry.RetryDelay,
			RateLimitCooldown: retry.RateLimitCooldown,
		},
		Registry: RegistryConfig{
			NameURL:     urls[registry.ResourceName],
			ActivityURL: urls[registry.ResourceActivity],
			InfoURL:     urls[registry.ResourceInfo],
			UserAgent:   cl.UserAgent,
			Timeout:     cl.Timeout,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			DSN:    "egr_data.db",
		},
		Log: LogConfig{
			Level: "info",
			File:  "egr_data.log",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error

	if err := c.Range.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Registry.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("registry timeout must be > 0 (got %s)", c.Registry.Timeout))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second must be >= 0 (got %v)", c.RateLimit.RequestsPerSecond))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	return errors.Join(errs...)
}

// SchedulerConfig returns the scheduler section.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Concurrency: c.Crawl.Concurrency,
		BatchSize:   c.Crawl.BatchSize,
		Pause:       c.Crawl.Pause,
	}
}

// RetryPolicy returns the retry section.
func (c Config) RetryPolicy() client.RetryConfig {
	return client.RetryConfig{
		MaxAttempts:       c.Retry.MaxAttempts,
		RetryDelay:        c.Retry.RetryDelay,
		RateLimitCooldown: c.Retry.RateLimitCooldown,
	}
}

// ClientConfig returns the HTTP client section. The connection pool is
// sized to the concurrency bound.
func (c Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.URLTemplates[registry.ResourceName] = c.Registry.NameURL
	cfg.URLTemplates[registry.ResourceActivity] = c.Registry.ActivityURL
	cfg.URLTemplates[registry.ResourceInfo] = c.Registry.InfoURL
	cfg.UserAgent = c.Registry.UserAgent
	cfg.Timeout = c.Registry.Timeout
	cfg.InsecureSkipVerify = c.Registry.InsecureSkipVerify
	if c.Crawl.Concurrency > 0 {
		cfg.MaxConnsPerHost = int(c.Crawl.Concurrency)
	}
	return cfg
}
