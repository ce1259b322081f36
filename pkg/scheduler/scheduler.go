package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/egr-crawler/pkg/client"
	"github.com/Sternrassler/egr-crawler/pkg/identifier"
	"github.com/Sternrassler/egr-crawler/pkg/registry"
	"github.com/Sternrassler/egr-crawler/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config holds scheduler configuration
type Config struct {
	// Concurrency is the maximum number of identifiers fetched at once.
	// 1 selects sequential mode.
	Concurrency int64 `yaml:"concurrency"`
	// BatchSize is the number of identifiers dispatched before results are written
	BatchSize int `yaml:"batch_size"`
	// Pause between batches
	Pause time.Duration `yaml:"pause"`
}

// DefaultConfig returns the default crawl configuration
func DefaultConfig() Config {
	return Config{
		Concurrency: 1000,
		BatchSize:   1000,
		Pause:       0,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.Pause < 0 {
		return fmt.Errorf("pause must not be negative, got %s", c.Pause)
	}
	return nil
}

// Fetcher resolves one identifier.
type Fetcher interface {
	Fetch(ctx context.Context, id string) client.Result
}

// Normalizer turns a fetched triple into a record.
type Normalizer interface {
	Normalize(t registry.Triple) registry.Record
}

// Progress is reported after every batch.
type Progress struct {
	Done    uint64
	Total   uint64
	Elapsed time.Duration
}

// Summary counts the terminal states reached during a run.
type Summary struct {
	Dispatched  uint64
	Written     uint64
	Skipped     uint64
	Failed      uint64
	Conflicts   uint64
	StoreErrors uint64
	Elapsed     time.Duration
}

// Settled returns the number of identifiers that reached a terminal state.
func (s Summary) Settled() uint64 {
	return s.Written + s.Skipped + s.Failed + s.Conflicts + s.StoreErrors
}

func (s *Summary) add(o registry.Outcome) {
	switch o {
	case registry.OutcomeWritten:
		s.Written++
	case registry.OutcomeSkipped:
		s.Skipped++
	case registry.OutcomeFailed:
		s.Failed++
	case registry.OutcomeConflict:
		s.Conflicts++
	case registry.OutcomeStoreError:
		s.StoreErrors++
	}
	outcomesTotal.WithLabelValues(string(o)).Inc()
}

// Scheduler runs crawls.
type Scheduler struct {
	fetcher    Fetcher
	normalizer Normalizer
	store      store.Store
	config     Config
	logger     zerolog.Logger

	// OnProgress, if set, is called after every batch from the Run goroutine.
	OnProgress func(Progress)
}

// New creates a Scheduler.
func New(fetcher Fetcher, normalizer Normalizer, st store.Store, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if normalizer == nil {
		return nil, errors.New("normalizer is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	return &Scheduler{
		fetcher:    fetcher,
		normalizer: normalizer,
		store:      st,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Run crawls every identifier in r. It returns early only on an invalid
// range or context cancellation; in the latter case the partial summary
// is returned together with ctx.Err().
func (s *Scheduler) Run(ctx context.Context, r identifier.Range) (Summary, error) {
	if err := r.Validate(); err != nil {
		return Summary{}, err
	}

	start := time.Now()
	total := r.Len()

	s.logger.Info().
		Str("range", r.String()).
		Uint64("total", total).
		Int64("concurrency", s.config.Concurrency).
		Int("batch_size", s.config.BatchSize).
		Dur("pause", s.config.Pause).
		Msg("Starting crawl")

	var (
		summary Summary
		err     error
	)
	if s.config.Concurrency == 1 {
		err = s.runSequential(ctx, r, total, start, &summary)
	} else {
		err = s.runBounded(ctx, r, total, start, &summary)
	}
	summary.Elapsed = time.Since(start)

	event := s.logger.Info()
	msg := "Crawl complete"
	if err != nil {
		event = s.logger.Warn().Err(err)
		msg = "Crawl stopped - returning partial summary"
	}
	event.
		Uint64("dispatched", summary.Dispatched).
		Uint64("written", summary.Written).
		Uint64("skipped", summary.Skipped).
		Uint64("failed", summary.Failed).
		Uint64("conflicts", summary.Conflicts).
		Uint64("store_errors", summary.StoreErrors).
		Dur("duration", summary.Elapsed).
		Msg(msg)

	return summary, err
}

// runSequential fetches, normalizes and writes one identifier at a time.
func (s *Scheduler) runSequential(ctx context.Context, r identifier.Range, total uint64, start time.Time, summary *Summary) error {
	every := uint64(s.config.BatchSize)

	for id := range identifier.Sequence(r) {
		if err := ctx.Err(); err != nil {
			return err
		}

		summary.Dispatched++
		inflightLookups.Inc()
		res := s.fetcher.Fetch(ctx, id)
		inflightLookups.Dec()

		summary.add(s.settle(ctx, id, res))

		if summary.Dispatched%every == 0 {
			s.reportProgress(summary.Dispatched, total, start)
		}
	}

	if summary.Dispatched%every != 0 {
		s.reportProgress(summary.Dispatched, total, start)
	}
	return ctx.Err()
}

// runBounded dispatches identifiers in batches under the semaphore.
func (s *Scheduler) runBounded(ctx context.Context, r identifier.Range, total uint64, start time.Time, summary *Summary) error {
	sem := semaphore.NewWeighted(s.config.Concurrency)
	batch := make([]string, 0, s.config.BatchSize)

	for id := range identifier.Sequence(r) {
		batch = append(batch, id)
		if len(batch) < s.config.BatchSize {
			continue
		}

		if err := s.runBatch(ctx, sem, batch, summary); err != nil {
			return err
		}
		s.reportProgress(summary.Dispatched, total, start)
		batch = batch[:0]

		if s.config.Pause > 0 {
			s.logger.Info().Dur("pause", s.config.Pause).Msg("Pausing between batches")
			if err := pause(ctx, s.config.Pause); err != nil {
				return err
			}
		}
	}

	if len(batch) > 0 {
		if err := s.runBatch(ctx, sem, batch, summary); err != nil {
			return err
		}
		s.reportProgress(summary.Dispatched, total, start)
	}
	return nil
}

// runBatch fetches ids concurrently, waits for all of them and then writes
// the results in identifier order. Results fetched before a cancellation
// are still written.
func (s *Scheduler) runBatch(ctx context.Context, sem *semaphore.Weighted, ids []string, summary *Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	batchStart := time.Now()
	results := make([]client.Result, len(ids))

	var g errgroup.Group
	dispatched := 0
	var dispatchErr error
	for i, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			dispatchErr = err
			break
		}
		dispatched++
		inflightLookups.Inc()

		g.Go(func() error {
			defer sem.Release(1)
			defer inflightLookups.Dec()
			results[i] = s.fetcher.Fetch(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	writeCtx := ctx
	if ctx.Err() != nil {
		writeCtx = context.WithoutCancel(ctx)
	}
	for i := 0; i < dispatched; i++ {
		summary.Dispatched++
		summary.add(s.settle(writeCtx, ids[i], results[i]))
	}

	batchDuration.Observe(time.Since(batchStart).Seconds())

	s.logger.Debug().
		Str("first", ids[0]).
		Int("size", dispatched).
		Dur("duration", time.Since(batchStart)).
		Msg("Batch settled")

	if dispatchErr != nil {
		return dispatchErr
	}
	return ctx.Err()
}

// settle maps a fetch result to its terminal outcome, writing fetched
// records to the store.
func (s *Scheduler) settle(ctx context.Context, id string, res client.Result) registry.Outcome {
	switch res.Status {
	case client.StatusSkipped:
		return registry.OutcomeSkipped
	case client.StatusFailed:
		return registry.OutcomeFailed
	}

	rec := s.normalizer.Normalize(res.Triple)
	err := s.store.Insert(ctx, rec)
	switch {
	case err == nil:
		s.logger.Debug().Str("id", id).Str("external_id", rec.ExternalID).Msg("Record stored")
		return registry.OutcomeWritten
	case errors.Is(err, store.ErrConflict):
		s.logger.Info().Str("id", id).Str("external_id", rec.ExternalID).Msg("Record already stored")
		return registry.OutcomeConflict
	default:
		s.logger.Error().Err(err).Str("id", id).Str("external_id", rec.ExternalID).Msg("Failed to store record")
		return registry.OutcomeStoreError
	}
}

func (s *Scheduler) reportProgress(done, total uint64, start time.Time) {
	elapsed := time.Since(start)
	progressIdentifiers.Set(float64(done))

	event := s.logger.Info().
		Uint64("done", done).
		Uint64("total", total).
		Float64("progress_pct", float64(done)/float64(total)*100)

	if secs := elapsed.Seconds(); secs > 0 && done > 0 {
		rate := float64(done) / secs
		eta := time.Duration(float64(total-done) / rate * float64(time.Second))
		event = event.Float64("rate_per_sec", rate).Dur("eta", eta.Round(time.Second))
	}
	event.Msg("Crawl progress")

	if s.OnProgress != nil {
		s.OnProgress(Progress{Done: done, Total: total, Elapsed: elapsed})
	}
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
