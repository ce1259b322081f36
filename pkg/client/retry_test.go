package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/egr-crawler/pkg/registry"
)

// step is one scripted lookup result.
type step struct {
	status int
	body   string
	err    error
}

// fakeLookup replays scripted steps per resource; the last step repeats.
type fakeLookup struct {
	mu     sync.Mutex
	script map[registry.Resource][]step
	calls  map[registry.Resource]int
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		script: make(map[registry.Resource][]step),
		calls:  make(map[registry.Resource]int),
	}
}

func (f *fakeLookup) on(resource registry.Resource, steps ...step) *fakeLookup {
	f.script[resource] = steps
	return f
}

func (f *fakeLookup) Lookup(ctx context.Context, resource registry.Resource, id string) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[resource]++
	steps := f.script[resource]
	if len(steps) == 0 {
		return &Response{StatusCode: http.StatusNoContent}, nil
	}
	s := steps[0]
	if len(steps) > 1 {
		f.script[resource] = steps[1:]
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Response{StatusCode: s.status, Body: []byte(s.body)}, nil
}

func (f *fakeLookup) count(resource registry.Resource) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[resource]
}

var (
	okName      = step{status: http.StatusOK, body: `[{"vn":"Example","ngrn":100000002}]`}
	noContent   = step{status: http.StatusNoContent}
	tooMany     = step{status: http.StatusTooManyRequests}
	serverError = step{status: http.StatusInternalServerError}
	connReset   = step{err: io.ErrUnexpectedEOF}
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		RetryDelay:        time.Millisecond,
		RateLimitCooldown: time.Millisecond,
	}
}

func newTestFetcher(t *testing.T, lookup LookupService) *Fetcher {
	t.Helper()
	f, err := NewFetcher(lookup, nil, fastRetryConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}
	return f
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.RetryDelay != 5*time.Second {
		t.Errorf("RetryDelay = %v, want 5s", config.RetryDelay)
	}
	if config.RateLimitCooldown != 5*time.Second {
		t.Errorf("RateLimitCooldown = %v, want 5s", config.RateLimitCooldown)
	}
}

func TestRetryConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  RetryConfig
		wantErr bool
	}{
		{"default", DefaultRetryConfig(), false},
		{"zero attempts", RetryConfig{MaxAttempts: 0, RateLimitCooldown: time.Second}, true},
		{"negative delay", RetryConfig{MaxAttempts: 1, RetryDelay: -1, RateLimitCooldown: time.Second}, true},
		{"zero cooldown", RetryConfig{MaxAttempts: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFetchPayload_Success(t *testing.T) {
	lookup := newFakeLookup().on(registry.ResourceName, okName)
	f := newTestFetcher(t, lookup)

	p := f.fetchPayload(context.Background(), registry.ResourceName, "100000002")

	if p.Status != registry.PayloadPresent {
		t.Fatalf("Status = %v, want present", p.Status)
	}
	if got := p.First()["vn"]; got != "Example" {
		t.Errorf("vn = %v, want Example", got)
	}
	if lookup.count(registry.ResourceName) != 1 {
		t.Errorf("calls = %d, want 1", lookup.count(registry.ResourceName))
	}
}

func TestFetchPayload_NoContentIsAbsentWithoutRetry(t *testing.T) {
	lookup := newFakeLookup().on(registry.ResourceName, noContent)
	f := newTestFetcher(t, lookup)

	p := f.fetchPayload(context.Background(), registry.ResourceName, "100000001")

	if p.Status != registry.PayloadAbsent {
		t.Errorf("Status = %v, want absent", p.Status)
	}
	if lookup.count(registry.ResourceName) != 1 {
		t.Errorf("calls = %d, want 1", lookup.count(registry.ResourceName))
	}
}

func TestFetchPayload_RateLimitDoesNotConsumeAttempts(t *testing.T) {
	// Five throttles, then two server errors, then success: only the
	// server errors count, so the third counted attempt succeeds.
	lookup := newFakeLookup().on(registry.ResourceName,
		tooMany, tooMany, tooMany, tooMany, tooMany,
		serverError, serverError,
		okName,
	)
	f := newTestFetcher(t, lookup)

	p := f.fetchPayload(context.Background(), registry.ResourceName, "100000002")

	if p.Status != registry.PayloadPresent {
		t.Fatalf("Status = %v, want present", p.Status)
	}
	if got := lookup.count(registry.ResourceName); got != 8 {
		t.Errorf("calls = %d, want 8", got)
	}
}

func TestFetchPayload_ExhaustsAfterThreeFailures(t *testing.T) {
	tests := []struct {
		name string
		step step
	}{
		{"transport errors", connReset},
		{"server errors", serverError},
		{"bad body", step{status: http.StatusOK, body: `<html>maintenance</html>`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := newFakeLookup().on(registry.ResourceInfo, tt.step)
			f := newTestFetcher(t, lookup)

			p := f.fetchPayload(context.Background(), registry.ResourceInfo, "100000003")

			if p.Status != registry.PayloadFailed {
				t.Errorf("Status = %v, want failed", p.Status)
			}
			if got := lookup.count(registry.ResourceInfo); got != 3 {
				t.Errorf("calls = %d, want 3", got)
			}
		})
	}
}

func TestFetchPayload_RecoversBeforeExhaustion(t *testing.T) {
	lookup := newFakeLookup().on(registry.ResourceName, connReset, serverError, okName)
	f := newTestFetcher(t, lookup)

	p := f.fetchPayload(context.Background(), registry.ResourceName, "100000002")

	if p.Status != registry.PayloadPresent {
		t.Errorf("Status = %v, want present", p.Status)
	}
}

func TestFetchPayload_WaitsRetryDelay(t *testing.T) {
	lookup := newFakeLookup().on(registry.ResourceName, serverError)
	cfg := fastRetryConfig()
	cfg.RetryDelay = 40 * time.Millisecond

	f, err := NewFetcher(lookup, nil, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}

	start := time.Now()
	f.fetchPayload(context.Background(), registry.ResourceName, "100000002")
	elapsed := time.Since(start)

	// Two delays between three attempts, none after the last.
	if elapsed < 80*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 80ms", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("elapsed = %v, want no delay after the final attempt", elapsed)
	}
}

func TestFetchPayload_ContextCancelled(t *testing.T) {
	lookup := newFakeLookup().on(registry.ResourceName, tooMany)
	cfg := fastRetryConfig()
	cfg.RateLimitCooldown = time.Minute

	f, err := NewFetcher(lookup, nil, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := f.fetchPayload(ctx, registry.ResourceName, "100000002")
	if p.Status != registry.PayloadFailed {
		t.Errorf("Status = %v, want failed", p.Status)
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus registry.PayloadStatus
		wantItems  int
		wantErr    bool
	}{
		{"list", `[{"vn":"A"},{"vn":"B"}]`, registry.PayloadPresent, 2, false},
		{"empty list", `[]`, registry.PayloadPresent, 0, false},
		{"single object", `{"vn":"A"}`, registry.PayloadPresent, 1, false},
		{"null", `null`, registry.PayloadAbsent, 0, false},
		{"empty body", ``, registry.PayloadAbsent, 0, false},
		{"list of scalars", `[1,2]`, 0, 0, true},
		{"scalar", `"x"`, 0, 0, true},
		{"html", `<html></html>`, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := decodePayload([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Errorf("error = %v, want ErrInvalidPayload", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", p.Status, tt.wantStatus)
			}
			if len(p.Items) != tt.wantItems {
				t.Errorf("len(Items) = %d, want %d", len(p.Items), tt.wantItems)
			}
		})
	}
}
