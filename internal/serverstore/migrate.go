package serverstore

import "context"

// CurrentSchemaVersion tracks the serverstore schema shape; bumped
// whenever migrate adds a table or column.
const CurrentSchemaVersion = 1

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS device_tokens (
			token_hash BYTEA PRIMARY KEY,
			device_id TEXT NOT NULL,
			device_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS streams (
			stream_id BIGSERIAL PRIMARY KEY,
			forwarder_id TEXT NOT NULL,
			reader_ip TEXT NOT NULL,
			display_alias TEXT,
			stream_epoch BIGINT NOT NULL DEFAULT 1,
			online BOOLEAN NOT NULL DEFAULT false,
			UNIQUE(forwarder_id, reader_ip)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			stream_id BIGINT NOT NULL REFERENCES streams(stream_id),
			stream_epoch BIGINT NOT NULL,
			seq BIGINT NOT NULL,
			reader_timestamp TIMESTAMPTZ NOT NULL,
			raw_read_line BYTEA NOT NULL,
			read_type TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			tag_id TEXT,
			PRIMARY KEY (stream_id, stream_epoch, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS stream_metrics (
			stream_id BIGINT PRIMARY KEY REFERENCES streams(stream_id),
			raw_count BIGINT NOT NULL DEFAULT 0,
			dedup_count BIGINT NOT NULL DEFAULT 0,
			retransmit_count BIGINT NOT NULL DEFAULT 0,
			epoch_raw_count BIGINT NOT NULL DEFAULT 0,
			epoch_dedup_count BIGINT NOT NULL DEFAULT 0,
			epoch_retransmit_count BIGINT NOT NULL DEFAULT 0,
			current_epoch BIGINT NOT NULL DEFAULT 1,
			last_canonical_event_received_at TIMESTAMPTZ,
			last_tag_id TEXT,
			last_reader_timestamp TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS forwarder_races (
			stream_id BIGINT NOT NULL REFERENCES streams(stream_id),
			race_id TEXT NOT NULL,
			PRIMARY KEY (stream_id, race_id)
		)`,
		`CREATE TABLE IF NOT EXISTS receiver_cursors (
			receiver_id TEXT NOT NULL,
			stream_id BIGINT NOT NULL REFERENCES streams(stream_id),
			stream_epoch BIGINT NOT NULL,
			last_seq BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (receiver_id, stream_id, stream_epoch)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_stream_epoch_seq ON events(stream_id, stream_epoch, seq)`,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
