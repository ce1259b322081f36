// Package sqlite implements store.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sternrassler/egr-crawler/pkg/registry"
	"github.com/Sternrassler/egr-crawler/pkg/store"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const insertQuery = `
	INSERT INTO registry_records
		(name, external_id, activity, postal_index, address, email, phone_1, phone_2)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (external_id) DO NOTHING
`

// Store implements store.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the database file at path and applies
// migrations.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := store.Migrate(ctx, db, goose.DialectSQLite3, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	return &Store{db: db, logger: logger}, nil
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, rec registry.Record) error {
	if err := store.Validate(rec); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", store.ErrUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertQuery,
		rec.Name,
		rec.ExternalID,
		rec.Activity,
		rec.PostalIndex,
		rec.Address,
		rec.Email,
		rec.Phone(0),
		rec.Phone(1),
	)
	if err != nil {
		return fmt.Errorf("%w: insert %s: %v", store.ErrUnavailable, rec.ExternalID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", store.ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", store.ErrUnavailable, err)
	}

	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registry_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", store.ErrUnavailable, err)
	}
	return n, nil
}

// Get returns the record stored under externalID.
func (s *Store) Get(ctx context.Context, externalID string) (registry.Record, error) {
	var rec registry.Record
	var phone1, phone2 string
	err := s.db.QueryRowContext(ctx, `
		SELECT name, external_id, activity, postal_index, address, email, phone_1, phone_2
		FROM registry_records
		WHERE external_id = ?
	`, externalID).Scan(
		&rec.Name, &rec.ExternalID, &rec.Activity, &rec.PostalIndex,
		&rec.Address, &rec.Email, &phone1, &phone2,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Record{}, store.ErrNotFound
	}
	if err != nil {
		return registry.Record{}, fmt.Errorf("failed to get record: %w", err)
	}
	rec.Phones = store.PhonesFromColumns(phone1, phone2)
	return rec, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
