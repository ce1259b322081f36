package main

import (
	"context"
	"fmt"

	"github.com/Sternrassler/egr-crawler/pkg/config"
	"github.com/Sternrassler/egr-crawler/pkg/store"
	"github.com/Sternrassler/egr-crawler/pkg/store/postgres"
	"github.com/Sternrassler/egr-crawler/pkg/store/sqlite"
	"github.com/rs/zerolog"
)

// openStore opens the record store selected by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.DSN, logger)
	case config.DriverPostgres:
		return postgres.Open(ctx, postgres.Config{URL: cfg.DSN, MaxConns: cfg.MaxConns}, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
