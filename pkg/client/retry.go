package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/egr-crawler/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	egrRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "egr_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	egrRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "egr_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	egrRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "egr_retry_exhausted_total",
		Help: "Total number of lookups that exhausted their attempts by resource",
	}, []string{"resource"})

	egrRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "egr_rate_limited_total",
		Help: "Total number of 429 responses by resource",
	}, []string{"resource"})
)

// RetryConfig holds the retry policy for a single resource lookup.
type RetryConfig struct {
	// MaxAttempts is the number of failed attempts (transport, unexpected
	// status, bad body) after which the lookup gives up.
	MaxAttempts int

	// RetryDelay is the pause after a failed attempt.
	RetryDelay time.Duration

	// RateLimitCooldown is the pause after HTTP 429. Throttled attempts do
	// not count against MaxAttempts and are retried indefinitely.
	RateLimitCooldown time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		RetryDelay:        5 * time.Second,
		RateLimitCooldown: 5 * time.Second,
	}
}

// Validate checks the retry configuration.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be >= 0 (got %s)", c.RetryDelay)
	}
	if c.RateLimitCooldown <= 0 {
		return fmt.Errorf("rate_limit_cooldown must be > 0 (got %s)", c.RateLimitCooldown)
	}
	return nil
}

// retryState tracks one resource lookup. It never outlives fetchPayload.
type retryState struct {
	attempts  int
	throttled int
	lastClass ErrorClass
	lastErr   error
	backoff   time.Duration
}

// fetchPayload resolves one resource with the retry policy. It never
// returns an error: exhaustion and cancellation yield registry.Failed().
func (f *Fetcher) fetchPayload(ctx context.Context, resource registry.Resource, id string) registry.Payload {
	var state retryState
	logger := f.logger.With().Str("id", id).Str("resource", string(resource)).Logger()

	for state.attempts < f.retry.MaxAttempts {
		if err := f.tracker.Wait(ctx); err != nil {
			logger.Warn().Err(err).Msg("Lookup cancelled while waiting for cooldown")
			return registry.Failed()
		}

		resp, err := f.lookup.Lookup(ctx, resource, id)
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn().Err(ctx.Err()).Msg("Lookup cancelled")
				return registry.Failed()
			}
			state.fail(ErrorClassNetwork, &RegistryError{Resource: resource, ID: id, ErrorClass: ErrorClassNetwork, Err: err})
			event := logger.Error().Err(err).Int("attempt", state.attempts)
			if isTimeout(err) {
				event.Msg("Request timed out")
			} else if isConnectionError(err) {
				event.Msg("Connection error, reconnecting")
			} else {
				event.Msg("Transport error")
			}
		} else {
			switch {
			case resp.StatusCode == http.StatusNoContent:
				return registry.Absent()

			case resp.StatusCode == http.StatusTooManyRequests:
				state.throttled++
				egrRateLimitedTotal.WithLabelValues(string(resource)).Inc()
				logger.Warn().
					Int("throttled", state.throttled).
					Dur("cooldown", f.retry.RateLimitCooldown).
					Msg("Too many requests, waiting before retrying")
				if err := f.tracker.Trip(ctx, f.retry.RateLimitCooldown); err != nil {
					logger.Warn().Err(err).Msg("Failed to publish cooldown")
				}
				if err := sleep(ctx, f.retry.RateLimitCooldown); err != nil {
					logger.Warn().Err(err).Msg("Lookup cancelled during cooldown")
					return registry.Failed()
				}
				continue

			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				payload, err := decodePayload(resp.Body)
				if err == nil {
					if state.attempts > 0 {
						logger.Info().Int("attempt", state.attempts+1).Msg("Lookup succeeded after retry")
					}
					return payload
				}
				state.fail(ErrorClassFormat, &RegistryError{Resource: resource, ID: id, StatusCode: resp.StatusCode, ErrorClass: ErrorClassFormat, Err: err})
				logger.Error().Err(err).Int("attempt", state.attempts).Msg("Format error in registry response")

			default:
				state.fail(ErrorClassUnexpectedStatus, &RegistryError{Resource: resource, ID: id, StatusCode: resp.StatusCode, ErrorClass: ErrorClassUnexpectedStatus})
				logger.Error().
					Int("status", resp.StatusCode).
					Int("attempt", state.attempts).
					Msg("Unexpected registry status")
			}
		}

		// If this was the last attempt, don't wait
		if state.attempts >= f.retry.MaxAttempts {
			break
		}

		egrRetriesTotal.WithLabelValues(string(state.lastClass)).Inc()
		egrRetryBackoffSeconds.WithLabelValues(string(state.lastClass)).Observe(f.retry.RetryDelay.Seconds())
		logger.Warn().
			Int("attempt", state.attempts).
			Int("max_attempts", f.retry.MaxAttempts).
			Str("error_class", string(state.lastClass)).
			Msg("Retrying lookup")

		state.backoff += f.retry.RetryDelay
		if err := sleep(ctx, f.retry.RetryDelay); err != nil {
			logger.Warn().Err(err).Msg("Lookup cancelled during retry backoff")
			return registry.Failed()
		}
	}

	// All attempts exhausted
	egrRetryExhaustedTotal.WithLabelValues(string(resource)).Inc()
	logger.Error().
		Err(fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, state.attempts, state.lastErr)).
		Str("error_class", string(state.lastClass)).
		Dur("backoff", state.backoff).
		Int("throttled", state.throttled).
		Msg("Lookup failed")

	return registry.Failed()
}

func (s *retryState) fail(class ErrorClass, err error) {
	if consumesAttempt(class) {
		s.attempts++
	}
	s.lastClass = class
	s.lastErr = err
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// decodePayload parses a 2xx body. Empty bodies and JSON null mean the
// identifier is absent; a single object is treated as a one-element list.
func decodePayload(body []byte) (registry.Payload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return registry.Absent(), nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return registry.Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch v := raw.(type) {
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, elem := range v {
			obj, ok := elem.(map[string]any)
			if !ok {
				return registry.Payload{}, fmt.Errorf("%w: list element is %T", ErrInvalidPayload, elem)
			}
			items = append(items, obj)
		}
		return registry.Present(items...), nil
	case map[string]any:
		return registry.Present(v), nil
	default:
		return registry.Payload{}, fmt.Errorf("%w: top-level %T", ErrInvalidPayload, raw)
	}
}
