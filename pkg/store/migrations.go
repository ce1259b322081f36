package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations for dialect to db.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, logger zerolog.Logger) error {
	var dir string
	switch dialect {
	case goose.DialectPostgres:
		dir = "migrations/postgres"
	case goose.DialectSQLite3:
		dir = "migrations/sqlite"
	default:
		return fmt.Errorf("unsupported migration dialect %q", dialect)
	}

	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	for _, r := range results {
		logger.Info().
			Int64("version", r.Source.Version).
			Dur("duration", r.Duration).
			Msg("Migration applied")
	}
	return nil
}
