package client

import (
	"context"
	"fmt"

	"github.com/Sternrassler/egr-crawler/pkg/ratelimit"
	"github.com/Sternrassler/egr-crawler/pkg/registry"
	"github.com/rs/zerolog"
)

// Status is the result of fetching one identifier.
type Status int

const (
	// StatusFetched means the name resolved; Activity/Info may still be failed.
	StatusFetched Status = iota

	// StatusSkipped means the identifier does not exist.
	StatusSkipped

	// StatusFailed means the name lookup exhausted its attempts.
	StatusFailed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusFetched:
		return "fetched"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of Fetch.
type Result struct {
	Status Status
	Triple registry.Triple
}

// Fetcher resolves the three resources of an identifier with retries.
type Fetcher struct {
	lookup  LookupService
	tracker *ratelimit.Tracker
	retry   RetryConfig
	logger  zerolog.Logger
}

// NewFetcher creates a Fetcher. A nil tracker gets an in-memory gate
// without a request rate limit.
func NewFetcher(lookup LookupService, tracker *ratelimit.Tracker, retry RetryConfig, logger zerolog.Logger) (*Fetcher, error) {
	if lookup == nil {
		return nil, fmt.Errorf("lookup service is required")
	}
	if err := retry.Validate(); err != nil {
		return nil, err
	}
	if tracker == nil {
		tracker = ratelimit.NewTracker(ratelimit.NewMemoryBackend(), 0, logger)
	}
	return &Fetcher{
		lookup:  lookup,
		tracker: tracker,
		retry:   retry,
		logger:  logger,
	}, nil
}

// Fetch resolves id. The name is fetched first; when it is absent or
// empty the identifier is skipped without touching the other resources.
func (f *Fetcher) Fetch(ctx context.Context, id string) Result {
	triple := registry.Triple{ID: id}

	triple.Name = f.fetchPayload(ctx, registry.ResourceName, id)
	switch {
	case triple.Name.Status == registry.PayloadFailed:
		f.logger.Error().Str("id", id).Msg("Name lookup failed, identifier not stored")
		return Result{Status: StatusFailed, Triple: triple}
	case triple.Name.Empty():
		f.logger.Debug().Str("id", id).Msg("Identifier not found, skipping")
		return Result{Status: StatusSkipped, Triple: triple}
	}

	triple.Activity = f.fetchPayload(ctx, registry.ResourceActivity, id)
	triple.Info = f.fetchPayload(ctx, registry.ResourceInfo, id)

	// Activity/Info cut short by cancellation are not real failures; storing
	// them would freeze unknowns under a unique external id.
	if err := ctx.Err(); err != nil {
		f.logger.Warn().Err(err).Str("id", id).Msg("Lookup interrupted, identifier not stored")
		return Result{Status: StatusFailed, Triple: triple}
	}

	return Result{Status: StatusFetched, Triple: triple}
}
