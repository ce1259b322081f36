// Package postgres implements store.Store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/egr-crawler/pkg/registry"
	"github.com/Sternrassler/egr-crawler/pkg/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

const insertQuery = `
	INSERT INTO registry_records
		(name, external_id, activity, postal_index, address, email, phone_1, phone_2)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (external_id) DO NOTHING
`

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

// Store implements store.Store using a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to PostgreSQL, applies migrations and returns a Store.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// goose needs a database/sql handle; it shares the pool's config.
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := store.Migrate(ctx, db, goose.DialectPostgres, logger); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, rec registry.Record) error {
	if err := store.Validate(rec); err != nil {
		return err
	}

	var affected int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertQuery,
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
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: insert %s: %v", store.ErrUnavailable, rec.ExternalID, err)
	}

	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM registry_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", store.ErrUnavailable, err)
	}
	return n, nil
}

// Get returns the record stored under externalID.
func (s *Store) Get(ctx context.Context, externalID string) (registry.Record, error) {
	var rec registry.Record
	var phone1, phone2 string
	err := s.pool.QueryRow(ctx, `
		SELECT name, external_id, activity, postal_index, address, email, phone_1, phone_2
		FROM registry_records
		WHERE external_id = $1
	`, externalID).Scan(
		&rec.Name, &rec.ExternalID, &rec.Activity, &rec.PostalIndex,
		&rec.Address, &rec.Email, &phone1, &phone2,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.Record{}, store.ErrNotFound
	}
	if err != nil {
		return registry.Record{}, fmt.Errorf("failed to get record: %w", err)
	}
	rec.Phones = store.PhonesFromColumns(phone1, phone2)
	return rec, nil
}

// Health checks if the database is reachable.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
