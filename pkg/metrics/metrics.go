// Package metrics exposes the crawler's Prometheus metrics.
// All metrics are defined in their respective packages (client, ratelimit,
// scheduler) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation for all available metrics and the
// HTTP endpoint serving them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the crawler.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Serve runs the metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Starting metrics server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	logger.Info().Msg("Metrics server stopped")
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - egr_requests_total{resource, status} (Counter): Registry requests by resource and HTTP status
//   - egr_request_duration_seconds{resource} (Histogram): Request duration by resource
//
// Retry Metrics (pkg/client):
//   - egr_retries_total{error_class} (Counter): Retried attempts by error class
//   - egr_retry_backoff_seconds{error_class} (Histogram): Delay before a retry
//   - egr_retry_exhausted_total{resource} (Counter): Lookups that gave up
//   - egr_rate_limited_total{resource} (Counter): HTTP 429 responses
//
// Rate Limit Metrics (pkg/ratelimit):
//   - egr_rate_limit_trips_total (Counter): Cooldowns published to the shared gate
//   - egr_rate_limit_wait_seconds (Histogram): Time spent waiting at the gate
//   - egr_cooldown_remaining_seconds (Gauge): Remaining cooldown as last observed
//
// Crawl Metrics (pkg/scheduler):
//   - egr_outcomes_total{outcome} (Counter): Identifiers by terminal outcome
//   - egr_batch_duration_seconds (Histogram): Time to fetch and write one batch
//   - egr_inflight_lookups (Gauge): Identifiers currently being fetched
//   - egr_progress_identifiers (Gauge): Identifiers dispatched in the current run
//
// Example Prometheus Queries:
//
//   # Records written per second
//   rate(egr_outcomes_total{outcome="written"}[5m])
//
//   # Share of identifiers that exist
//   sum(rate(egr_outcomes_total{outcome!="skipped"}[5m])) / sum(rate(egr_outcomes_total[5m]))
//
//   # Throttling
//   rate(egr_rate_limited_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(egr_request_duration_seconds_bucket[5m]))
