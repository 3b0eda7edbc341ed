package receiverstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

const timeFormat = time.RFC3339Nano

// Cursor is the Receiver's locally cached progress for one stream,
// used to resume the same mode on restart without waiting on a round
// trip to the Server.
type Cursor struct {
	StreamKey streamkey.Key
	Epoch     int64
	LastSeq   int64
}

// LoadCursors returns every persisted cursor, keyed by stream key string.
func (s *Store) LoadCursors(ctx context.Context) (map[string]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream_key, stream_epoch, last_seq FROM cursors`)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Cursor)
	for rows.Next() {
		var key string
		var c Cursor
		if err := rows.Scan(&key, &c.Epoch, &c.LastSeq); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c.StreamKey = streamkey.Parse(key)
		out[key] = c
	}
	return out, rows.Err()
}

// UpsertCursor records that streamKey has been acked through
// (epoch, lastSeq), overwriting whatever was there before — the
// Server's receiver_cursors row is authoritative, this is a local
// cache of it.
func (s *Store) UpsertCursor(ctx context.Context, streamKey streamkey.Key, epoch, lastSeq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (stream_key, stream_epoch, last_seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream_key) DO UPDATE SET
			stream_epoch = excluded.stream_epoch,
			last_seq = excluded.last_seq,
			updated_at = excluded.updated_at
	`, streamKey.String(), epoch, lastSeq, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}
