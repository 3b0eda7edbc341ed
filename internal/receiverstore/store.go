// Package receiverstore implements the Receiver's local embedded
// store: its connection profile (server URL, token, mode, port
// overrides) and its per-stream cursors, so a restarted Receiver
// process resumes where it left off instead of replaying from
// scratch (spec.md §4.6). Grounded on internal/journal/store.go's
// WAL-mode SQLite wrapper, adapted from append-only durability
// (fsync every commit) to ordinary durability, since a cursor here is
// a cache of the Server's own receiver_cursors row, not the sole
// record of anything.
package receiverstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding the Receiver's profile and
// cursor tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the store at path in WAL mode.
func Open(path string) (*Store, error) {
	escapedPath := url.PathEscape(path)
	dsn := fmt.Sprintf(
		"file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		escapedPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open receiver store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping receiver store: %w", err)
	}
	db.SetMaxOpenConns(4)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate receiver store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
