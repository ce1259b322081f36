package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/egr-crawler/pkg/client"
	"github.com/Sternrassler/egr-crawler/pkg/config"
	"github.com/Sternrassler/egr-crawler/pkg/logging"
	"github.com/Sternrassler/egr-crawler/pkg/metrics"
	"github.com/Sternrassler/egr-crawler/pkg/normalize"
	"github.com/Sternrassler/egr-crawler/pkg/ratelimit"
	"github.com/Sternrassler/egr-crawler/pkg/scheduler"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "egr-crawler",
		Short: "Bulk crawler for the EGR legal entity registry",
		Long: `Enumerate nine-digit registration numbers, look each one up in the
EGR registry and store a normalized record for every entity found.

Configuration is read from an optional YAML file, a .env file and EGR_*
environment variables. Flags override all of them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, opts.envFile)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, closeLog, err := setupLogging(cfg.Log)
			if err != nil {
				return err
			}
			defer closeLog()

			_, err = run(cmd.Context(), cfg, logger)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file")
	f.StringVar(&opts.envFile, "env-file", ".env", "path to .env file (ignored if missing)")
	f.Uint64("start", 0, "first identifier")
	f.Uint64("end", 0, "last identifier (inclusive)")
	f.Int64("concurrency", 0, "maximum identifiers fetched at once (1 = sequential)")
	f.Int("batch-size", 0, "identifiers per batch")
	f.Duration("pause", 0, "pause between batches")
	f.String("store-driver", "", "record store: sqlite, postgres or memory")
	f.String("store-dsn", "", "sqlite file or postgres URL")
	f.String("redis-url", "", "redis URL for the shared rate limit gate")
	f.Float64("rps", 0, "maximum requests per second (0 = unlimited)")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-file", "", "append log lines to this file")
	f.Bool("pretty", false, "human-readable console logs")
	f.String("metrics-addr", "", "metrics listen address (empty disables)")
	f.Bool("insecure-skip-verify", false, "disable TLS certificate verification")

	return cmd
}

// applyFlags copies explicitly set flags into cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && f.Changed(name) {
			err = apply()
		}
	}

	set("start", func() (e error) { cfg.Range.Start, e = f.GetUint64("start"); return })
	set("end", func() (e error) { cfg.Range.End, e = f.GetUint64("end"); return })
	set("concurrency", func() (e error) { cfg.Crawl.Concurrency, e = f.GetInt64("concurrency"); return })
	set("batch-size", func() (e error) { cfg.Crawl.BatchSize, e = f.GetInt("batch-size"); return })
	set("pause", func() (e error) { cfg.Crawl.Pause, e = f.GetDuration("pause"); return })
	set("store-driver", func() (e error) { cfg.Store.Driver, e = f.GetString("store-driver"); return })
	set("store-dsn", func() (e error) { cfg.Store.DSN, e = f.GetString("store-dsn"); return })
	set("redis-url", func() (e error) { cfg.RateLimit.RedisURL, e = f.GetString("redis-url"); return })
	set("rps", func() (e error) { cfg.RateLimit.RequestsPerSecond, e = f.GetFloat64("rps"); return })
	set("log-level", func() (e error) { cfg.Log.Level, e = f.GetString("log-level"); return })
	set("log-file", func() (e error) { cfg.Log.File, e = f.GetString("log-file"); return })
	set("pretty", func() (e error) { cfg.Log.Pretty, e = f.GetBool("pretty"); return })
	set("metrics-addr", func() (e error) { cfg.Metrics.Addr, e = f.GetString("metrics-addr"); return })
	set("insecure-skip-verify", func() (e error) {
		cfg.Registry.InsecureSkipVerify, e = f.GetBool("insecure-skip-verify")
		return
	})

	return err
}

func setupLogging(cfg config.LogConfig) (zerolog.Logger, func(), error) {
	logCfg := logging.Config{
		Level:  logging.LogLevel(cfg.Level),
		Pretty: cfg.Pretty,
		Output: os.Stderr,
	}

	closeFn := func() {}
	if cfg.File != "" {
		f, err := logging.OpenFile(cfg.File)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		logCfg.File = f
		closeFn = func() { f.Close() }
	}

	return logging.Setup(logCfg), closeFn, nil
}

// run wires the crawler from cfg and crawls the configured range.
// An interrupted crawl is not an error.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (scheduler.Summary, error) {
	backend, closeBackend, err := openRateLimitBackend(ctx, cfg.RateLimit.RedisURL, logging.WithComponent(logger, "ratelimit"))
	if err != nil {
		return scheduler.Summary{}, err
	}
	defer closeBackend()
	tracker := ratelimit.NewTracker(backend, cfg.RateLimit.RequestsPerSecond, logging.WithComponent(logger, "ratelimit"))

	clientLogger := logging.WithComponent(logger, "client")
	registryClient, err := client.New(cfg.ClientConfig(), clientLogger)
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("failed to create registry client: %w", err)
	}
	defer registryClient.Close()

	fetcher, err := client.NewFetcher(registryClient, tracker, cfg.RetryPolicy(), clientLogger)
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("failed to create fetcher: %w", err)
	}

	st, err := openStore(ctx, cfg.Store, logging.WithComponent(logger, "store"))
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.Store.Driver).Msg("Failed to open record store")
		return scheduler.Summary{}, err
	}
	defer st.Close()

	sched, err := scheduler.New(fetcher,
		normalize.New(logging.WithComponent(logger, "normalize")),
		st,
		cfg.SchedulerConfig(),
		logging.WithComponent(logger, "scheduler"),
	)
	if err != nil {
		return scheduler.Summary{}, err
	}

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.Metrics.Addr, logging.WithComponent(logger, "metrics")); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	summary, err := sched.Run(ctx, cfg.Range)
	if errors.Is(err, context.Canceled) {
		logger.Warn().Msg("Crawl interrupted")
		return summary, nil
	}
	return summary, err
}

// openRateLimitBackend returns the Redis gate when redisURL is set and an
// in-process gate otherwise.
func openRateLimitBackend(ctx context.Context, redisURL string, logger zerolog.Logger) (ratelimit.Backend, func(), error) {
	if redisURL == "" {
		return ratelimit.NewMemoryBackend(), func() {}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}

	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")

	return ratelimit.NewRedisBackend(redisClient), func() { redisClient.Close() }, nil
}
