package scheduler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/egr-crawler/pkg/client"
	"github.com/Sternrassler/egr-crawler/pkg/identifier"
	"github.com/Sternrassler/egr-crawler/pkg/normalize"
	"github.com/Sternrassler/egr-crawler/pkg/registry"
	"github.com/Sternrassler/egr-crawler/pkg/store"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

// fakeFetcher returns scripted results; unscripted ids are skipped.
type fakeFetcher struct {
	mu       sync.Mutex
	results  map[string]client.Result
	calls    map[string]int
	order    []string
	delay    time.Duration
	inflight atomic.Int64
	peak     atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		results: make(map[string]client.Result),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) found(id string) {
	f.results[id] = client.Result{
		Status: client.StatusFetched,
		Triple: registry.Triple{
			ID:   id,
			Name: registry.Present(map[string]any{"vn": "Company " + id, "ngrn": id}),
		},
	}
}

func (f *fakeFetcher) failed(id string) {
	f.results[id] = client.Result{Status: client.StatusFailed, Triple: registry.Triple{ID: id}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, id string) client.Result {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[id]++
	f.order = append(f.order, id)
	res, ok := f.results[id]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if !ok {
		return client.Result{Status: client.StatusSkipped, Triple: registry.Triple{ID: id}}
	}
	return res
}

type fakeNormalizer struct{}

func (fakeNormalizer) Normalize(t registry.Triple) registry.Record {
	return registry.Record{
		Name:       "Company " + t.ID,
		ExternalID: t.ID,
		Phones:     []string{},
	}
}

// failingStore rejects every insert.
type failingStore struct {
	inserts atomic.Int64
}

func (s *failingStore) Insert(ctx context.Context, rec registry.Record) error {
	s.inserts.Add(1)
	return store.ErrUnavailable
}

func (s *failingStore) Count(ctx context.Context) (int64, error) { return 0, nil }
func (s *failingStore) Close() error                             { return nil }

func newTestScheduler(t *testing.T, f Fetcher, st store.Store, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(f, fakeNormalizer{}, st, cfg, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"sequential", Config{Concurrency: 1, BatchSize: 1}, false},
		{"zero concurrency", Config{Concurrency: 0, BatchSize: 10}, true},
		{"zero batch", Config{Concurrency: 10, BatchSize: 0}, true},
		{"negative pause", Config{Concurrency: 10, BatchSize: 10, Pause: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := New(nil, fakeNormalizer{}, store.NewMemory(), cfg, testLogger); err == nil {
		t.Error("New() without fetcher should fail")
	}
	if _, err := New(newFakeFetcher(), nil, store.NewMemory(), cfg, testLogger); err == nil {
		t.Error("New() without normalizer should fail")
	}
	if _, err := New(newFakeFetcher(), fakeNormalizer{}, nil, cfg, testLogger); err == nil {
		t.Error("New() without store should fail")
	}
}

func TestRun_MixedOutcomes(t *testing.T) {
	for _, concurrency := range []int64{1, 4} {
		t.Run(map[int64]string{1: "sequential", 4: "bounded"}[concurrency], func(t *testing.T) {
			f := newFakeFetcher()
			f.found("100000002")
			f.failed("100000003")
			st := store.NewMemory()

			s := newTestScheduler(t, f, st, Config{Concurrency: concurrency, BatchSize: 2})
			summary, err := s.Run(context.Background(), identifier.Range{Start: 100000001, End: 100000003})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if summary.Dispatched != 3 {
				t.Errorf("Dispatched = %d, want 3", summary.Dispatched)
			}
			if summary.Written != 1 || summary.Skipped != 1 || summary.Failed != 1 {
				t.Errorf("Summary = %+v, want 1 written, 1 skipped, 1 failed", summary)
			}
			if summary.Settled() != summary.Dispatched {
				t.Errorf("Settled() = %d, want %d", summary.Settled(), summary.Dispatched)
			}

			records := st.Records()
			if len(records) != 1 || records[0].ExternalID != "100000002" {
				t.Errorf("Records() = %+v, want only 100000002", records)
			}
		})
	}
}

func TestRun_DispatchesEachIdentifierOnce(t *testing.T) {
	f := newFakeFetcher()
	for id := range identifier.Sequence(identifier.Range{Start: 100000001, End: 100000050}) {
		f.found(id)
	}
	st := store.NewMemory()

	s := newTestScheduler(t, f, st, Config{Concurrency: 8, BatchSize: 7})
	summary, err := s.Run(context.Background(), identifier.Range{Start: 100000001, End: 100000050})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(f.calls) != 50 {
		t.Errorf("distinct ids fetched = %d, want 50", len(f.calls))
	}
	for id, n := range f.calls {
		if n != 1 {
			t.Errorf("id %s fetched %d times, want 1", id, n)
		}
	}
	if summary.Written != 50 {
		t.Errorf("Written = %d, want 50", summary.Written)
	}

	// Writes happen per batch in identifier order.
	records := st.Records()
	for i := 1; i < len(records); i++ {
		if records[i-1].ExternalID >= records[i].ExternalID {
			t.Fatalf("records out of order at %d: %s >= %s", i, records[i-1].ExternalID, records[i].ExternalID)
		}
	}
}

func TestRun_RespectsConcurrencyLimit(t *testing.T) {
	f := newFakeFetcher()
	f.delay = 5 * time.Millisecond

	s := newTestScheduler(t, f, store.NewMemory(), Config{Concurrency: 3, BatchSize: 12})
	if _, err := s.Run(context.Background(), identifier.Range{Start: 100000001, End: 100000024}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if peak := f.peak.Load(); peak > 3 {
		t.Errorf("peak in-flight = %d, want <= 3", peak)
	}
}

func TestRun_SequentialIsOneAtATime(t *testing.T) {
	f := newFakeFetcher()
	f.delay = time.Millisecond

	s := newTestScheduler(t, f, store.NewMemory(), Config{Concurrency: 1, BatchSize: 100})
	if _, err := s.Run(context.Background(), identifier.Range{Start: 100000001, End: 100000010}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if peak := f.peak.Load(); peak != 1 {
		t.Errorf("peak in-flight = %d, want 1", peak)
	}
	if f.order[0] != "100000001" || f.order[9] != "100000010" {
		t.Errorf("order = %v, want ascending", f.order)
	}
}

func TestRun_ConflictsAreCounted(t *testing.T) {
	f := newFakeFetcher()
	f.found("100000002")
	st := store.NewMemory()
	if err := st.Insert(context.Background(), fakeNormalizer{}.Normalize(registry.Triple{ID: "100000002"})); err != nil {
		t.Fatalf("seed Insert() error = %v", err)
	}

	s := newTestScheduler(t, f, st, Config{Concurrency: 2, BatchSize: 10})
	summary, err := s.Run(context.Background(), identifier.Range{Start: 100000002, End: 100000002})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Conflicts != 1 || summary.Written != 0 {
		t.Errorf("Summary = %+v, want 1 conflict", summary)
	}
	if n, _ := st.Count(context.Background()); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestRun_StoreErrorsDoNotStopRun(t *testing.T) {
	f := newFakeFetcher()
	for id := range identifier.Sequence(identifier.Range{Start: 100000001, End: 100000005}) {
		f.found(id)
	}
	st := &failingStore{}

	s := newTestScheduler(t, f, st, Config{Concurrency: 2, BatchSize: 2})
	summary, err := s.Run(context.Background(), identifier.Range{Start: 100000001, End: 100000005})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.StoreErrors != 5 {
		t.Errorf("StoreErrors = %d, want 5", summary.StoreErrors)
	}
	if got := st.inserts.Load(); got != 5 {
		t.Errorf("inserts = %d, want 5", got)
	}
}

func TestRun_SkippedAndFailedNeverReachStore(t *testing.T) {
	f := newFakeFetcher()
	f.failed("100000001")
	st := &failingStore{}

	s := newTestScheduler(t, f, st, Config{Concurrency: 4, BatchSize: 4})
	summary, err := s.Run(context.Background(), identifier.Range{Start: 100000001, End: 100000004})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if st.inserts.Load() != 0 {
		t.Errorf("inserts = %d, want 0", st.inserts.Load())
	}
	if summary.Failed != 1 || summary.Skipped != 3 {
		t.Errorf("Summary = %+v, want 1 failed, 3 skipped", summary)
	}
}

func TestRun_ReportsProgressPerBatch(t *testing.T) {
	s := newTestScheduler(t, newFakeFetcher(), store.NewMemory(), Config{Concurrency: 5, BatchSize: 4})

	var got []Progress
	s.OnProgress = func(p Progress) { got = append(got, p) }

	if _, err := s.Run(context.Background(), identifier.Range{Start: 100000001, End: 100000010}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []uint64{4, 8, 10}
	if len(got) != len(want) {
		t.Fatalf("progress reports = %d, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.Done != want[i] || p.Total != 10 {
			t.Errorf("progress[%d] = %+v, want Done=%d Total=10", i, p, want[i])
		}
	}
}

func TestRun_PausesBetweenBatches(t *testing.T) {
	s := newTestScheduler(t, newFakeFetcher(), store.NewMemory(), Config{
		Concurrency: 2,
		BatchSize:   2,
		Pause:       20 * time.Millisecond,
	})

	start := time.Now()
	if _, err := s.Run(context.Background(), identifier.Range{Start: 100000001, End: 100000006}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Three full batches, each followed by a pause.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 60ms", elapsed)
	}
}

func TestRun_CancellationReturnsPartialSummary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFakeFetcher()
	s := newTestScheduler(t, f, store.NewMemory(), Config{Concurrency: 2, BatchSize: 2})
	s.OnProgress = func(p Progress) {
		if p.Done == 2 {
			cancel()
		}
	}

	summary, err := s.Run(ctx, identifier.Range{Start: 100000001, End: 100000010})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary.Dispatched != 2 {
		t.Errorf("Dispatched = %d, want 2", summary.Dispatched)
	}
	if summary.Settled() != summary.Dispatched {
		t.Errorf("Settled() = %d, want %d", summary.Settled(), summary.Dispatched)
	}
	if len(f.calls) != 2 {
		t.Errorf("fetch calls = %d, want 2", len(f.calls))
	}
}

func TestRun_InvalidRange(t *testing.T) {
	s := newTestScheduler(t, newFakeFetcher(), store.NewMemory(), DefaultConfig())
	if _, err := s.Run(context.Background(), identifier.Range{Start: 5, End: 1}); !errors.Is(err, identifier.ErrInvalidRange) {
		t.Errorf("Run() error = %v, want ErrInvalidRange", err)
	}
}

// cancellingLookup resolves every name and cancels the run as soon as an
// activity lookup starts.
type cancellingLookup struct {
	cancel context.CancelFunc
}

func (l cancellingLookup) Lookup(ctx context.Context, resource registry.Resource, id string) (*client.Response, error) {
	if resource == registry.ResourceName {
		body := `[{"vn":"ACME","ngrn":"` + id + `"}]`
		return &client.Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
	}
	l.cancel()
	return nil, ctx.Err()
}

func TestRun_CancelledLookupsAreNotStored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher, err := client.NewFetcher(cancellingLookup{cancel: cancel}, nil, client.RetryConfig{
		MaxAttempts:       3,
		RetryDelay:        time.Millisecond,
		RateLimitCooldown: time.Millisecond,
	}, testLogger)
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}

	st := store.NewMemory()
	s, err := New(fetcher, normalize.New(testLogger), st, Config{Concurrency: 2, BatchSize: 2}, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	summary, err := s.Run(ctx, identifier.Range{Start: 100000001, End: 100000002})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary.Written != 0 {
		t.Errorf("Written = %d, want 0", summary.Written)
	}
	if records := st.Records(); len(records) != 0 {
		t.Errorf("Records() = %+v, want none", records)
	}
}
