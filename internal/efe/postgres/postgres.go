// Package postgres opens an EFE store on PostgreSQL. The pool is managed by
// pgx and exposed to the shared SQL implementation through pgx's
// database/sql adapter.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/MrWong99/kiro/internal/efe/sqlstore"
)

// Open connects to dsn, verifies the connection and applies the schema.
// Closing the returned store also closes the pool.
func Open(ctx context.Context, dsn string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	store := sqlstore.New(db, sqlstore.Postgres, append(opts, sqlstore.WithCloser(pool.Close))...)
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
