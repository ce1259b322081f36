package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for throttle tracking.
var (
	egrRateLimitTripsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egr_rate_limit_trips_total",
		Help: "Total number of times the throttle gate was tripped by HTTP 429",
	})

	egrRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "egr_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting on the throttle gate",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	egrCooldownRemainingSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "egr_cooldown_remaining_seconds",
		Help: "Remaining throttle cooldown at the time of the last trip",
	})
)

// Tracker gates registry requests on the shared cooldown and an optional
// global request rate.
type Tracker struct {
	backend Backend
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewTracker creates a tracker. rps <= 0 disables the request rate limit.
func NewTracker(backend Backend, rps float64, logger zerolog.Logger) *Tracker {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	var limiter *rate.Limiter
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Tracker{
		backend: backend,
		limiter: limiter,
		logger:  logger,
	}
}

// GetState returns a snapshot of the cooldown.
func (t *Tracker) GetState(ctx context.Context) (*CooldownState, error) {
	until, err := t.backend.Deadline(ctx)
	if err != nil {
		return nil, fmt.Errorf("get cooldown state: %w", err)
	}
	return &CooldownState{Until: until, CheckedAt: time.Now()}, nil
}

// Trip starts (or extends) a cooldown of the given length.
func (t *Tracker) Trip(ctx context.Context, cooldown time.Duration) error {
	until := time.Now().Add(cooldown)
	if err := t.backend.Extend(ctx, until); err != nil {
		return fmt.Errorf("trip cooldown: %w", err)
	}

	egrRateLimitTripsTotal.Inc()
	egrCooldownRemainingSeconds.Set(cooldown.Seconds())

	t.logger.Warn().
		Dur("cooldown", cooldown).
		Time("until", until).
		Msg("Registry throttling - cooldown started")
	return nil
}

// Wait blocks until the cooldown has elapsed and a rate token is available.
// Backend failures are logged and do not block the request.
// Returns an error only when ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() {
		egrRateLimitWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	for {
		state, err := t.GetState(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn().Err(err).Msg("Cooldown check failed, proceeding")
			break
		}
		if !state.IsCooling() {
			break
		}

		wait := state.TimeUntilReset()
		t.logger.Debug().
			Dur("wait_duration", wait).
			Msg("Waiting for registry cooldown")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
