package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Sternrassler/egr-crawler/pkg/registry"
)

func testRecord(id string) registry.Record {
	return registry.Record{
		Name:        "Example " + id,
		ExternalID:  id,
		Activity:    registry.Unknown,
		PostalIndex: "220030",
		Address:     registry.Unknown,
		Email:       registry.Unknown,
		Phones:      []string{"+375291234567"},
	}
}

func TestMemory_InsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.Insert(ctx, testRecord("100000002")); err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}

	dup := testRecord("100000002")
	dup.Name = "Other"
	err := s.Insert(ctx, dup)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second Insert() error = %v, want ErrConflict", err)
	}

	n, _ := s.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	rec, ok := s.Get("100000002")
	if !ok || rec.Name != "Example 100000002" {
		t.Errorf("Get() = %+v, %v; want original record kept", rec, ok)
	}
}

func TestMemory_RejectsUnknownExternalID(t *testing.T) {
	s := NewMemory()

	rec := testRecord(registry.Unknown)
	if err := s.Insert(context.Background(), rec); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Insert() error = %v, want ErrInvalidRecord", err)
	}
}

func TestMemory_ConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	var wg sync.WaitGroup
	var mu sync.Mutex
	conflicts := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Insert(ctx, testRecord("100000009")); errors.Is(err, ErrConflict) {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if conflicts != 49 {
		t.Errorf("conflicts = %d, want 49", conflicts)
	}
	if got := len(s.Records()); got != 1 {
		t.Errorf("len(Records()) = %d, want 1", got)
	}
}

func TestMemory_CancelledContextIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemory().Insert(ctx, testRecord("100000002"))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Insert() error = %v, want ErrUnavailable", err)
	}
}

func TestPhonesFromColumns(t *testing.T) {
	got := PhonesFromColumns("+375291234567", registry.Unknown)
	if len(got) != 1 || got[0] != "+375291234567" {
		t.Errorf("PhonesFromColumns() = %v", got)
	}
	if got := PhonesFromColumns(registry.Unknown, ""); len(got) != 0 {
		t.Errorf("PhonesFromColumns() = %v, want empty", got)
	}
}
