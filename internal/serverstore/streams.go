package serverstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

// Stream is one server-resolved stream row.
type Stream struct {
	StreamID     int64
	ForwarderID  string
	ReaderIP     string
	DisplayAlias *string
	StreamEpoch  int64
	Online       bool
}

// ResolveOrCreateStreamLocked resolves (and creates, if absent) the
// streams row for key within tx, taking a row-level lock (`FOR
// UPDATE`) so concurrent ingest sessions for the same stream — which
// can occur briefly during a Forwarder reconnect — serialize on the
// metric update that follows (spec.md §5).
func ResolveOrCreateStreamLocked(ctx context.Context, tx pgx.Tx, key streamkey.Key) (Stream, bool, error) {
	var st Stream
	err := tx.QueryRow(ctx, `
		SELECT stream_id, forwarder_id, reader_ip, display_alias, stream_epoch, online
		FROM streams WHERE forwarder_id = $1 AND reader_ip = $2
		FOR UPDATE
	`, key.ForwarderID, key.ReaderIP).Scan(&st.StreamID, &st.ForwarderID, &st.ReaderIP, &st.DisplayAlias, &st.StreamEpoch, &st.Online)

	if err == nil {
		return st, false, nil
	}
	if err != pgx.ErrNoRows {
		return Stream{}, false, fmt.Errorf("serverstore: resolve stream: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO streams (forwarder_id, reader_ip, stream_epoch, online)
		VALUES ($1, $2, 1, true)
		ON CONFLICT (forwarder_id, reader_ip) DO UPDATE SET online = true
		RETURNING stream_id, forwarder_id, reader_ip, display_alias, stream_epoch, online
	`, key.ForwarderID, key.ReaderIP).Scan(&st.StreamID, &st.ForwarderID, &st.ReaderIP, &st.DisplayAlias, &st.StreamEpoch, &st.Online)
	if err != nil {
		return Stream{}, false, fmt.Errorf("serverstore: create stream: %w", err)
	}
	return st, true, nil
}

// SetStreamEpochLocked records a newly observed epoch on the stream row, per
// spec.md §4.4's "if higher, the server records the new epoch".
func SetStreamEpochLocked(ctx context.Context, tx pgx.Tx, streamID, epoch int64) error {
	_, err := tx.Exec(ctx, `UPDATE streams SET stream_epoch = $1 WHERE stream_id = $2 AND stream_epoch < $1`, epoch, streamID)
	return err
}

// ListStreams returns every known stream, for GET /api/v1/streams.
func (s *Store) ListStreams(ctx context.Context) ([]Stream, error) {
	rows, err := s.pool.Query(ctx, `SELECT stream_id, forwarder_id, reader_ip, display_alias, stream_epoch, online FROM streams ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("serverstore: list streams: %w", err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var st Stream
		if err := rows.Scan(&st.StreamID, &st.ForwarderID, &st.ReaderIP, &st.DisplayAlias, &st.StreamEpoch, &st.Online); err != nil {
			return nil, fmt.Errorf("serverstore: scan stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetDisplayAlias implements PATCH /api/v1/streams/{id}.
func (s *Store) SetDisplayAlias(ctx context.Context, streamID int64, alias string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE streams SET display_alias = $1 WHERE stream_id = $2`, alias, streamID)
	if err != nil {
		return fmt.Errorf("serverstore: set display alias: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ResetStreamEpoch implements POST /api/v1/streams/{id}/reset-epoch:
// bumps the stream's epoch, to be relayed to the Forwarder as an
// EpochResetCommand.
func (s *Store) ResetStreamEpoch(ctx context.Context, streamID int64) (newEpoch int64, err error) {
	err = s.pool.QueryRow(ctx, `
		UPDATE streams SET stream_epoch = stream_epoch + 1 WHERE stream_id = $1
		RETURNING stream_epoch
	`, streamID).Scan(&newEpoch)
	if err != nil {
		return 0, fmt.Errorf("serverstore: reset stream epoch: %w", err)
	}
	return newEpoch, nil
}

// StreamsForRace returns every stream assigned to raceID. Race
// assignment itself (the forwarder_races table's CRUD) is managed by
// an external race-management system outside this repo's scope;
// this is a read-only query against a table that system populates.
func (s *Store) StreamsForRace(ctx context.Context, raceID string) ([]Stream, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.stream_id, s.forwarder_id, s.reader_ip, s.display_alias, s.stream_epoch, s.online
		FROM streams s
		JOIN forwarder_races fr ON fr.stream_id = s.stream_id
		WHERE fr.race_id = $1
		ORDER BY s.stream_id
	`, raceID)
	if err != nil {
		return nil, fmt.Errorf("serverstore: streams for race: %w", err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var st Stream
		if err := rows.Scan(&st.StreamID, &st.ForwarderID, &st.ReaderIP, &st.DisplayAlias, &st.StreamEpoch, &st.Online); err != nil {
			return nil, fmt.Errorf("serverstore: scan race stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StreamEpochForKey returns the server's authoritative stream_epoch
// for key, without creating the stream if absent — used when a
// Forwarder reconnects and reports its own last-journaled epoch, so
// the session can detect an operator-initiated reset that happened
// while the Forwarder was offline (spec.md §4.3's "Server may respond
// with EpochResetCommand").
func (s *Store) StreamEpochForKey(ctx context.Context, key streamkey.Key) (streamID, epoch int64, found bool, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT stream_id, stream_epoch FROM streams WHERE forwarder_id = $1 AND reader_ip = $2
	`, key.ForwarderID, key.ReaderIP).Scan(&streamID, &epoch)
	if err == pgx.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("serverstore: stream epoch for key: %w", err)
	}
	return streamID, epoch, true, nil
}

// StreamByID loads a single stream row, used by handlers that need the
// (forwarder_id, reader_ip) identity behind an opaque stream_id.
func (s *Store) StreamByID(ctx context.Context, streamID int64) (Stream, error) {
	var st Stream
	err := s.pool.QueryRow(ctx, `
		SELECT stream_id, forwarder_id, reader_ip, display_alias, stream_epoch, online
		FROM streams WHERE stream_id = $1
	`, streamID).Scan(&st.StreamID, &st.ForwarderID, &st.ReaderIP, &st.DisplayAlias, &st.StreamEpoch, &st.Online)
	if err != nil {
		return Stream{}, fmt.Errorf("serverstore: stream by id: %w", err)
	}
	return st, nil
}
