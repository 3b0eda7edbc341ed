// Package serverstore provides the Server's canonical Postgres
// persistence: device tokens, streams, events, per-stream metrics, and
// receiver cursors (spec.md §6). Dedup-on-insert and row-level
// locking live here, grounded on the Forwarder journal's
// ON-CONFLICT-DO-NOTHING pattern but adapted to pgx's RowsAffected and
// explicit row locking for concurrent ingest sessions (spec.md §5).
package serverstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool against DATABASE_URL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres at databaseURL and runs migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("serverstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("serverstore: ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("serverstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pool for components that need their own
// transactions or LISTEN/NOTIFY connections.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }
