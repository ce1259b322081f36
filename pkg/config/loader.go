package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, then the optional .env file,
// then the YAML file at path (if any), then EGR_* environment variables.
// ${VAR} references in the YAML are expanded from the environment.
// The result is not validated so that callers can apply further overrides
// (command line flags) before calling Validate.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv overrides cfg with EGR_* environment variables.
func applyEnv(cfg *Config) error {
	var errs []error

	if v, ok := os.LookupEnv("EGR_START"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		errs = append(errs, envErr("EGR_START", err))
		cfg.Range.Start = n
	}
	if v, ok := os.LookupEnv("EGR_END"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		errs = append(errs, envErr("EGR_END", err))
		cfg.Range.End = n
	}
	if v, ok := os.LookupEnv("EGR_CONCURRENCY"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		errs = append(errs, envErr("EGR_CONCURRENCY", err))
		cfg.Crawl.Concurrency = n
	}
	if v, ok := os.LookupEnv("EGR_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("EGR_BATCH_SIZE", err))
		cfg.Crawl.BatchSize = n
	}
	if v, ok := os.LookupEnv("EGR_PAUSE"); ok {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr("EGR_PAUSE", err))
		cfg.Crawl.Pause = d
	}
	if v, ok := os.LookupEnv("EGR_STORE_DRIVER"); ok {
		cfg.Store.Driver = v
	}
	if v, ok := os.LookupEnv("EGR_STORE_DSN"); ok {
		cfg.Store.DSN = v
	}
	if v, ok := os.LookupEnv("EGR_REDIS_URL"); ok {
		cfg.RateLimit.RedisURL = v
	}
	if v, ok := os.LookupEnv("EGR_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv("EGR_METRICS_ADDR"); ok {
		cfg.Metrics.Addr = v
	}
	if v, ok := os.LookupEnv("EGR_INSECURE_SKIP_VERIFY"); ok {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr("EGR_INSECURE_SKIP_VERIFY", err))
		cfg.Registry.InsecureSkipVerify = b
	}

	return errors.Join(errs...)
}

func envErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("invalid %s: %w", name, err)
}
