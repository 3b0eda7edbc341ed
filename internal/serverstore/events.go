package serverstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

// BatchResult summarizes the outcome of one IngestBatch call, matching
// spec.md §4.4's per-batch counters.
type BatchResult struct {
	StreamID        int64
	StreamCreated   bool // true the first time this (forwarder_id, reader_ip) is seen
	Inserted        int
	Conflicts       int
	LastInsertedSeq int64 // 0 if nothing was newly inserted this batch

	// InsertedEvents holds only the events this call actually inserted
	// (excludes conflicts/retransmits), for the caller to publish to
	// live fanout subscribers after commit (spec.md §4.4's "live
	// fanout hook").
	InsertedEvents []event.ReadEvent
}

// IngestBatch atomically resolves the stream, inserts each event with
// ON CONFLICT DO NOTHING dedup, and updates stream_metrics — all in
// one transaction, committed only once, matching the Forwarder
// journal's Append shape but generalized to a whole batch (spec.md
// §4.4, steps 1-5). events must share a single stream_epoch; the
// caller (ingestsvc) splits a batch spanning an epoch reset before
// calling this.
func (s *Store) IngestBatch(ctx context.Context, key streamkey.Key, events []event.ReadEvent) (BatchResult, error) {
	if len(events) == 0 {
		return BatchResult{}, fmt.Errorf("serverstore: ingest batch: no events")
	}
	epoch := events[0].StreamEpoch

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("serverstore: begin ingest tx: %w", err)
	}
	defer tx.Rollback(ctx)

	st, created, err := ResolveOrCreateStreamLocked(ctx, tx, key)
	if err != nil {
		return BatchResult{}, err
	}
	if epoch > st.StreamEpoch {
		if err := SetStreamEpochLocked(ctx, tx, st.StreamID, epoch); err != nil {
			return BatchResult{}, fmt.Errorf("serverstore: update stream epoch: %w", err)
		}
	}

	result := BatchResult{StreamID: st.StreamID, StreamCreated: created}
	var lastReceivedAt time.Time
	var lastTagID *string
	var lastReaderTS time.Time

	for _, ev := range events {
		tag, err := tx.Exec(ctx, `
			INSERT INTO events (stream_id, stream_epoch, seq, reader_timestamp, raw_read_line, read_type, received_at, tag_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (stream_id, stream_epoch, seq) DO NOTHING
		`, st.StreamID, ev.StreamEpoch, ev.Seq, ev.ReaderTimestamp, ev.RawFrame, string(ev.ReadType), ev.ReceivedAt, ev.TagID)
		if err != nil {
			return BatchResult{}, fmt.Errorf("serverstore: insert event seq=%d: %w", ev.Seq, err)
		}

		if tag.RowsAffected() > 0 {
			result.Inserted++
			result.LastInsertedSeq = ev.Seq
			result.InsertedEvents = append(result.InsertedEvents, ev)
			if ev.ReceivedAt.After(lastReceivedAt) {
				lastReceivedAt = ev.ReceivedAt
			}
			lastTagID = ev.TagID
			lastReaderTS = ev.ReaderTimestamp
		} else {
			result.Conflicts++
		}
	}

	if err := upsertStreamMetricsLocked(ctx, tx, st.StreamID, epoch, len(events), result.Inserted, result.Conflicts, lastReceivedAt, lastTagID, lastReaderTS); err != nil {
		return BatchResult{}, fmt.Errorf("serverstore: update stream metrics: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("serverstore: commit ingest tx: %w", err)
	}
	return result, nil
}

func upsertStreamMetricsLocked(ctx context.Context, tx pgx.Tx, streamID, epoch int64, batchSize, inserted, conflicts int, lastReceivedAt time.Time, lastTagID *string, lastReaderTS time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stream_metrics (stream_id, raw_count, dedup_count, retransmit_count, current_epoch, epoch_raw_count, epoch_dedup_count, epoch_retransmit_count, last_canonical_event_received_at, last_tag_id, last_reader_timestamp)
		VALUES ($1, $2, $3, $4, $5, $2, $3, $4, NULLIF($6, '0001-01-01 00:00:00+00'::timestamptz), $7, NULLIF($8, '0001-01-01 00:00:00+00'::timestamptz))
		ON CONFLICT (stream_id) DO UPDATE SET
			raw_count = stream_metrics.raw_count + $2,
			dedup_count = stream_metrics.dedup_count + $3,
			retransmit_count = stream_metrics.retransmit_count + $4,
			-- A batch on an epoch older than current_epoch is a late
			-- retransmit accepted on its own epoch (spec.md §4.4); it
			-- must not disturb the stream's current epoch counters.
			-- Only a batch on a *newer* epoch rolls epoch_* over.
			epoch_raw_count = CASE
				WHEN stream_metrics.current_epoch = $5 THEN stream_metrics.epoch_raw_count + $2
				WHEN $5 > stream_metrics.current_epoch THEN $2
				ELSE stream_metrics.epoch_raw_count
			END,
			epoch_dedup_count = CASE
				WHEN stream_metrics.current_epoch = $5 THEN stream_metrics.epoch_dedup_count + $3
				WHEN $5 > stream_metrics.current_epoch THEN $3
				ELSE stream_metrics.epoch_dedup_count
			END,
			epoch_retransmit_count = CASE
				WHEN stream_metrics.current_epoch = $5 THEN stream_metrics.epoch_retransmit_count + $4
				WHEN $5 > stream_metrics.current_epoch THEN $4
				ELSE stream_metrics.epoch_retransmit_count
			END,
			current_epoch = GREATEST(stream_metrics.current_epoch, $5),
			last_canonical_event_received_at = GREATEST(stream_metrics.last_canonical_event_received_at, NULLIF($6, '0001-01-01 00:00:00+00'::timestamptz)),
			last_tag_id = COALESCE($7, stream_metrics.last_tag_id),
			last_reader_timestamp = COALESCE(NULLIF($8, '0001-01-01 00:00:00+00'::timestamptz), stream_metrics.last_reader_timestamp)
	`, streamID, batchSize, inserted, conflicts, epoch, lastReceivedAt, lastTagID, lastReaderTS)
	return err
}

// StreamMetrics is the GET /api/v1/streams/{id}/metrics payload.
type StreamMetrics struct {
	StreamID                     int64
	RawCount                     int64
	DedupCount                   int64
	RetransmitCount              int64
	EpochRawCount                int64
	EpochDedupCount              int64
	EpochRetransmitCount         int64
	CurrentEpoch                 int64
	LastCanonicalEventReceivedAt *time.Time
	LastTagID                    *string
	LastReaderTimestamp          *time.Time
}

func (s *Store) StreamMetricsByID(ctx context.Context, streamID int64) (StreamMetrics, error) {
	var m StreamMetrics
	m.StreamID = streamID
	err := s.pool.QueryRow(ctx, `
		SELECT raw_count, dedup_count, retransmit_count, epoch_raw_count, epoch_dedup_count, epoch_retransmit_count, current_epoch, last_canonical_event_received_at, last_tag_id, last_reader_timestamp
		FROM stream_metrics WHERE stream_id = $1
	`, streamID).Scan(&m.RawCount, &m.DedupCount, &m.RetransmitCount, &m.EpochRawCount, &m.EpochDedupCount, &m.EpochRetransmitCount, &m.CurrentEpoch, &m.LastCanonicalEventReceivedAt, &m.LastTagID, &m.LastReaderTimestamp)
	if err != nil {
		return StreamMetrics{}, fmt.Errorf("serverstore: stream metrics: %w", err)
	}
	return m, nil
}

// QueryEventsAfter returns events for streamID with (epoch,seq) >
// (afterEpoch, afterSeq), ordered by epoch then seq, bounded by limit —
// the historical-replay query used by the fanout engine (spec.md §4.5)
// and by the export endpoints.
func (s *Store) QueryEventsAfter(ctx context.Context, streamID, afterEpoch, afterSeq int64, limit int) ([]event.ReadEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stream_epoch, seq, reader_timestamp, raw_read_line, read_type, received_at, tag_id
		FROM events
		WHERE stream_id = $1 AND (stream_epoch > $2 OR (stream_epoch = $2 AND seq > $3))
		ORDER BY stream_epoch ASC, seq ASC
		LIMIT $4
	`, streamID, afterEpoch, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("serverstore: query events after: %w", err)
	}
	defer rows.Close()

	var out []event.ReadEvent
	for rows.Next() {
		var r event.ReadEvent
		var readType string
		if err := rows.Scan(&r.StreamEpoch, &r.Seq, &r.ReaderTimestamp, &r.RawFrame, &readType, &r.ReceivedAt, &r.TagID); err != nil {
			return nil, fmt.Errorf("serverstore: scan event row: %w", err)
		}
		r.ReadType = event.ReadType(readType)
		out = append(out, r)
	}
	return out, rows.Err()
}
