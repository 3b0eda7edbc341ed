package journal

import (
	"context"
	"fmt"
)

// CurrentSchemaVersion is the current journal schema version.
const CurrentSchemaVersion = 1

func (j *Journal) migrate(ctx context.Context) error {
	if err := j.createJournalTable(ctx); err != nil {
		return err
	}
	if err := j.createStreamStateTable(ctx); err != nil {
		return err
	}
	return nil
}

func (j *Journal) createJournalTable(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS journal (
		id               INTEGER PRIMARY KEY,
		stream_key       TEXT NOT NULL,
		stream_epoch     INTEGER NOT NULL,
		seq              INTEGER NOT NULL,
		reader_timestamp TEXT NOT NULL,
		raw_frame        BLOB NOT NULL,
		read_type        TEXT NOT NULL,
		received_at      TEXT NOT NULL,
		UNIQUE(stream_key, stream_epoch, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_journal_stream_order
		ON journal(stream_key, stream_epoch, seq);
	`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create journal table: %w", err)
	}
	return nil
}

func (j *Journal) createStreamStateTable(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS stream_state (
		stream_key         TEXT PRIMARY KEY,
		stream_epoch       INTEGER NOT NULL DEFAULT 1,
		next_seq           INTEGER NOT NULL DEFAULT 1,
		acked_epoch        INTEGER NOT NULL DEFAULT 0,
		acked_through_seq  INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create stream_state table: %w", err)
	}
	return nil
}
