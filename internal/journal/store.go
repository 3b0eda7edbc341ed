// Package journal implements the Forwarder's durable local
// write-ahead-logged store: every chip read is appended here before
// the uplink ever attempts to send it, and a read is never considered
// lost as long as its journal row survives (spec.md §4.2).
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

// DefaultMaxSizeBytes bounds the journal file size PruneIfNeeded
// measures usage against when the caller doesn't configure one
// explicitly via WithMaxSizeBytes.
const DefaultMaxSizeBytes = 4 << 30 // 4 GiB

// Journal wraps a SQLite database connection opened with WAL journal
// mode and fsync-on-commit semantics (synchronous=FULL), matching the
// durability PRAGMA contract spec.md §4.2 requires.
type Journal struct {
	db           *sql.DB
	maxSizeBytes int64
}

// Option configures a Journal.
type Option func(*Journal)

// WithMaxSizeBytes sets the file size PruneIfNeeded's disk-usage
// percentage is computed against (spec.md §4.2's prune_watermark_pct
// is meaningless without a concrete ceiling to be a percentage of).
func WithMaxSizeBytes(n int64) Option {
	return func(j *Journal) {
		if n > 0 {
			j.maxSizeBytes = n
		}
	}
}

// Open opens (creating if absent) the journal database at path, runs
// an integrity check, and fails fast if the file is corrupt — spec.md
// §4.2 and §7 both require this: a corrupt journal is a fatal startup
// error, not something to silently work around.
func Open(path string, opts ...Option) (*Journal, error) {
	escapedPath := url.PathEscape(path)
	dsn := fmt.Sprintf(
		"file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)",
		escapedPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	// Single writer (append), multiple readers (uplink batch loader) —
	// WAL mode supports concurrent reads alongside the one writer.
	db.SetMaxOpenConns(4)

	j := &Journal{db: db, maxSizeBytes: DefaultMaxSizeBytes}
	for _, opt := range opts {
		opt(j)
	}

	ctx := context.Background()
	if err := j.checkIntegrity(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal integrity check failed, refusing to start: %w", err)
	}
	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) checkIntegrity(ctx context.Context) error {
	var result string
	if err := j.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check reported %q", result)
	}
	return nil
}

// journalMode returns the current journal mode, exposed for tests.
func (j *Journal) journalMode() (string, error) {
	var mode string
	if err := j.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", err
	}
	return mode, nil
}
