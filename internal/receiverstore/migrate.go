package receiverstore

import (
	"context"
	"fmt"
)

// CurrentSchemaVersion is the current receiver store schema version.
const CurrentSchemaVersion = 1

func (s *Store) migrate(ctx context.Context) error {
	if err := s.createProfileTable(ctx); err != nil {
		return err
	}
	if err := s.createCursorsTable(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Store) createProfileTable(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS profile (
		id             INTEGER PRIMARY KEY CHECK (id = 1),
		server_url     TEXT NOT NULL DEFAULT '',
		token          TEXT NOT NULL DEFAULT '',
		mode_json      TEXT NOT NULL DEFAULT '',
		port_overrides TEXT NOT NULL DEFAULT '{}'
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create profile table: %w", err)
	}
	return nil
}

func (s *Store) createCursorsTable(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS cursors (
		stream_key   TEXT PRIMARY KEY,
		stream_epoch INTEGER NOT NULL,
		last_seq     INTEGER NOT NULL,
		updated_at   TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create cursors table: %w", err)
	}
	return nil
}
