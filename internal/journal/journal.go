package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

const timeFormat = time.RFC3339Nano

// Row is one persisted journal record, with the stream identity and
// assigned seq attached (event.ReadEvent alone doesn't carry those).
type Row struct {
	StreamKey streamkey.Key
	event.ReadEvent
}

// Append atomically assigns the next seq for streamKey's current
// epoch, inserts the journal row, and advances stream_state.next_seq.
// It returns the assigned seq. The only failure modes are disk I/O and
// integrity errors, both fatal per spec.md §4.2 — callers should treat
// any returned error as grounds to abort the process, not retry.
func (j *Journal) Append(ctx context.Context, streamKey streamkey.Key, rawFrame []byte, readType event.ReadType, readerTimestamp time.Time) (seq int64, epoch int64, err error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: begin tx: %v", ErrFatal, err)
	}
	defer tx.Rollback()

	epoch, nextSeq, err := j.ensureStreamStateLocked(ctx, tx, streamKey)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: load stream state: %v", ErrFatal, err)
	}

	receivedAt := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal (stream_key, stream_epoch, seq, reader_timestamp, raw_frame, read_type, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, streamKey.String(), epoch, nextSeq, readerTimestamp.UTC().Format(timeFormat), rawFrame, string(readType), receivedAt.Format(timeFormat))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: insert journal row: %v", ErrFatal, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE stream_state SET next_seq = ? WHERE stream_key = ?
	`, nextSeq+1, streamKey.String())
	if err != nil {
		return 0, 0, fmt.Errorf("%w: advance next_seq: %v", ErrFatal, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("%w: commit: %v", ErrFatal, err)
	}

	return nextSeq, epoch, nil
}

// ensureStreamStateLocked reads (and creates, if absent) the
// stream_state row for streamKey within tx, returning its current
// (epoch, next_seq). Invariant 1 (spec.md §3): after a crash, the
// next assigned seq is max(persisted seq)+1, which is exactly
// next_seq as stored — it is advanced in the same transaction as the
// insert it follows, so a crash between insert and advance cannot
// happen without also losing the insert.
func (j *Journal) ensureStreamStateLocked(ctx context.Context, tx *sql.Tx, streamKey streamkey.Key) (epoch, nextSeq int64, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT stream_epoch, next_seq FROM stream_state WHERE stream_key = ?
	`, streamKey.String()).Scan(&epoch, &nextSeq)

	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stream_state (stream_key, stream_epoch, next_seq, acked_epoch, acked_through_seq)
			VALUES (?, 1, 1, 0, 0)
		`, streamKey.String())
		if err != nil {
			return 0, 0, err
		}
		return 1, 1, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return epoch, nextSeq, nil
}

// LoadUnacked returns journal rows for streamKey with
// (epoch, seq) > (acked_epoch, acked_through_seq), in seq order,
// bounded by limit.
func (j *Journal) LoadUnacked(ctx context.Context, streamKey streamkey.Key, limit int) ([]Row, error) {
	var ackedEpoch, ackedThrough int64
	err := j.db.QueryRowContext(ctx, `
		SELECT acked_epoch, acked_through_seq FROM stream_state WHERE stream_key = ?
	`, streamKey.String()).Scan(&ackedEpoch, &ackedThrough)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stream state: %w", err)
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT stream_epoch, seq, reader_timestamp, raw_frame, read_type, received_at
		FROM journal
		WHERE stream_key = ? AND (stream_epoch > ? OR (stream_epoch = ? AND seq > ?))
		ORDER BY stream_epoch ASC, seq ASC
		LIMIT ?
	`, streamKey.String(), ackedEpoch, ackedEpoch, ackedThrough, limit)
	if err != nil {
		return nil, fmt.Errorf("query unacked: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r                        Row
			readerTS, receivedAt, rt string
		)
		r.StreamKey = streamKey
		if err := rows.Scan(&r.StreamEpoch, &r.Seq, &readerTS, &r.RawFrame, &rt, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		r.ReadType = event.ReadType(rt)
		if r.ReaderTimestamp, err = time.Parse(timeFormat, readerTS); err != nil {
			return nil, fmt.Errorf("parse reader_timestamp: %w", err)
		}
		if r.ReceivedAt, err = time.Parse(timeFormat, receivedAt); err != nil {
			return nil, fmt.Errorf("parse received_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ack advances the acked watermark for streamKey. It is idempotent:
// calling it with a (epoch, seq) pair at or behind the current
// watermark is a no-op, never a regression (spec.md invariant 4's
// monotonicity requirement applies symmetrically to the Forwarder's
// own bookkeeping).
func (j *Journal) Ack(ctx context.Context, streamKey streamkey.Key, epoch, throughSeq int64) error {
	result, err := j.db.ExecContext(ctx, `
		UPDATE stream_state
		SET acked_epoch = ?, acked_through_seq = ?
		WHERE stream_key = ?
		  AND (? > acked_epoch OR (? = acked_epoch AND ? > acked_through_seq))
	`, epoch, throughSeq, streamKey.String(), epoch, epoch, throughSeq)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Either already at/past this watermark, or the stream doesn't
		// exist yet — both are fine; Ack is best-effort idempotent.
		return nil
	}
	return nil
}

// ResetEpoch bumps streamKey's epoch and resets next_seq to 1,
// atomically. Prior-epoch rows are left in place; the uplink abandons
// the old epoch's unacked rows by acking (newEpoch, 0) after the reset,
// not the journal.
func (j *Journal) ResetEpoch(ctx context.Context, streamKey streamkey.Key) (newEpoch int64, err error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin tx: %v", ErrFatal, err)
	}
	defer tx.Rollback()

	epoch, _, err := j.ensureStreamStateLocked(ctx, tx, streamKey)
	if err != nil {
		return 0, fmt.Errorf("%w: load stream state: %v", ErrFatal, err)
	}
	newEpoch = epoch + 1

	_, err = tx.ExecContext(ctx, `
		UPDATE stream_state SET stream_epoch = ?, next_seq = 1 WHERE stream_key = ?
	`, newEpoch, streamKey.String())
	if err != nil {
		return 0, fmt.Errorf("%w: update epoch: %v", ErrFatal, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrFatal, err)
	}
	return newEpoch, nil
}

// JournaledMarks returns, for every known stream, the mark the uplink
// attaches to ForwarderHello (current epoch and next_seq).
func (j *Journal) JournaledMarks(ctx context.Context) ([]Mark, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT stream_key, stream_epoch, next_seq FROM stream_state`)
	if err != nil {
		return nil, fmt.Errorf("query stream_state: %w", err)
	}
	defer rows.Close()

	var out []Mark
	for rows.Next() {
		var m Mark
		var key string
		if err := rows.Scan(&key, &m.Epoch, &m.NextSeq); err != nil {
			return nil, fmt.Errorf("scan stream_state: %w", err)
		}
		m.StreamKey = streamkey.Parse(key)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Mark is a (stream, epoch, next_seq) triple, mirroring wire.JournaledMark.
type Mark struct {
	StreamKey streamkey.Key
	Epoch     int64
	NextSeq   int64
}

