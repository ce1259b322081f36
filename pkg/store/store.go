// Package store persists normalized registry records.
//
// Every implementation enforces uniqueness of the external id and runs
// each insert in its own short-lived transaction, so a failed write never
// affects unrelated records.
package store

import (
	"context"
	"errors"

	"github.com/Sternrassler/egr-crawler/pkg/registry"
)

var (
	// ErrConflict is returned when a record with the same external id exists.
	ErrConflict = errors.New("record already stored")

	// ErrUnavailable is returned when the backend cannot complete a write.
	ErrUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned by lookups of an unknown external id.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord is returned for records without an external id.
	ErrInvalidRecord = errors.New("invalid record")
)

// Store is the record persistence contract.
type Store interface {
	// Insert stores rec. Duplicate external ids yield ErrConflict and leave
	// the existing row untouched.
	Insert(ctx context.Context, rec registry.Record) error

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)

	// Close releases the backend.
	Close() error
}

// Validate checks that rec can be stored.
func Validate(rec registry.Record) error {
	if rec.ExternalID == "" || rec.ExternalID == registry.Unknown {
		return ErrInvalidRecord
	}
	return nil
}

// PhonesFromColumns rebuilds the phone list from fixed phone columns.
func PhonesFromColumns(columns ...string) []string {
	phones := make([]string, 0, len(columns))
	for _, c := range columns {
		if c != "" && c != registry.Unknown {
			phones = append(phones, c)
		}
	}
	return phones
}
