package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Sternrassler/egr-crawler/pkg/registry"
)

// Memory is an in-process Store used for dry runs and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]registry.Record
	order   []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]registry.Record)}
}

// Insert implements Store.
func (m *Memory) Insert(ctx context.Context, rec registry.Record) error {
	if err := Validate(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ExternalID]; exists {
		return ErrConflict
	}
	rec.Phones = append([]string(nil), rec.Phones...)
	m.records[rec.ExternalID] = rec
	m.order = append(m.order, rec.ExternalID)
	return nil
}

// Count implements Store.
func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

// Get returns the record stored under externalID.
func (m *Memory) Get(externalID string) (registry.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[externalID]
	return rec, ok
}

// Records returns all records in insertion order.
func (m *Memory) Records() []registry.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]registry.Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	return out
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
