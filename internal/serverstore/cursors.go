package serverstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ReceiverCursor is a receiver's last-acked position on one stream's
// epoch, persisted so the server can answer a reconnecting receiver's
// "resume from" query without the receiver itself remembering it.
type ReceiverCursor struct {
	ReceiverID  string
	StreamID    int64
	StreamEpoch int64
	LastSeq     int64
}

// UpsertReceiverCursor records receiverID's progress through
// (streamID, streamEpoch), used when a receiver acks a live or replay
// batch (spec.md §4.5's ack handling).
func (s *Store) UpsertReceiverCursor(ctx context.Context, cur ReceiverCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO receiver_cursors (receiver_id, stream_id, stream_epoch, last_seq, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (receiver_id, stream_id, stream_epoch) DO UPDATE SET
			last_seq = GREATEST(receiver_cursors.last_seq, $4),
			updated_at = now()
	`, cur.ReceiverID, cur.StreamID, cur.StreamEpoch, cur.LastSeq)
	if err != nil {
		return fmt.Errorf("serverstore: upsert receiver cursor: %w", err)
	}
	return nil
}

// ReceiverCursorFor returns receiverID's last-known position on
// streamID at the highest epoch it has a cursor for, or (0, 0, false)
// if none recorded —
// the starting point for a reconnecting receiver's replay.
func (s *Store) ReceiverCursorFor(ctx context.Context, receiverID string, streamID int64) (epoch, lastSeq int64, found bool, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT stream_epoch, last_seq FROM receiver_cursors
		WHERE receiver_id = $1 AND stream_id = $2
		ORDER BY stream_epoch DESC
		LIMIT 1
	`, receiverID, streamID).Scan(&epoch, &lastSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("serverstore: receiver cursor lookup: %w", err)
	}
	return epoch, lastSeq, true, nil
}
