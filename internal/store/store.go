// Package store is the durable, transactional home for races, participants,
// seeds, users, and invites. It owns every versioned transition described in
// spec.md §4.1: callers never write SQL themselves, and every method that
// needs to hand a row back to a caller for post-commit broadcast returns a
// detached value, never a live cursor.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/speedfog/racing-core/internal/config"
)

// Store wraps a pgx connection pool. It is stateless beyond the pool itself;
// every method takes a context and runs its own statement or transaction on
// the pool; no method accepts a caller-held transaction.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store from an already-configured pool. Kept separate from
// Open so tests can construct a Store around a pool they built themselves
// (the integration tests use pgxpool.New on DATABASE_URL).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open parses cfg.Database.DSN, builds a pool with the configured min/max
// size, and returns a ready Store.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for packages that need their own
// transaction scope spanning more than one Store call. No package in this
// module calls it at present.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
