package journal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
)

// DefaultPruneBatchSize bounds how many rows a single prune pass
// deletes, so a huge backlog doesn't hold the single writer connection
// for too long in one transaction.
const DefaultPruneBatchSize = 5000

// PruneIfNeeded deletes acked journal rows, oldest-first, until disk
// usage drops below watermarkPct of the configured limit, or until
// there's nothing left that's safe to delete. Unacked rows are never
// candidates (spec.md §4.2): a row only becomes eligible once its
// (epoch, seq) is at or behind the stream's acked watermark.
func (j *Journal) PruneIfNeeded(ctx context.Context, watermarkPct int, logger *slog.Logger) (deleted int64, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	usagePct, err := j.diskUsagePercent(ctx)
	if err != nil {
		return 0, fmt.Errorf("compute disk usage: %w", err)
	}
	if usagePct < float64(watermarkPct) {
		return 0, nil
	}

	logger.Info("journal prune starting", "usage_pct", usagePct, "watermark_pct", watermarkPct)

	for {
		n, err := j.pruneBatch(ctx, DefaultPruneBatchSize)
		if err != nil {
			return deleted, fmt.Errorf("prune batch: %w", err)
		}
		deleted += n
		if n == 0 {
			break
		}
		usagePct, err = j.diskUsagePercent(ctx)
		if err != nil {
			return deleted, fmt.Errorf("recompute disk usage: %w", err)
		}
		if usagePct < float64(watermarkPct) {
			break
		}
	}

	logger.Info("journal prune completed",
		"rows_deleted", deleted,
		"bytes_freed_estimate", humanize.Bytes(uint64(deleted)*averageRowBytes),
	)
	return deleted, nil
}

// averageRowBytes is a rough estimate used only for the human-readable
// log line above; it has no bearing on prune correctness.
const averageRowBytes = 96

func (j *Journal) pruneBatch(ctx context.Context, limit int) (int64, error) {
	result, err := j.db.ExecContext(ctx, `
		DELETE FROM journal WHERE id IN (
			SELECT journal.id FROM journal
			JOIN stream_state ON stream_state.stream_key = journal.stream_key
			WHERE journal.stream_epoch < stream_state.acked_epoch
			   OR (journal.stream_epoch = stream_state.acked_epoch AND journal.seq <= stream_state.acked_through_seq)
			ORDER BY journal.stream_epoch ASC, journal.seq ASC
			LIMIT ?
		)
	`, limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// diskUsagePercent reports the journal database file's actual size
// (page_count * page_size) as a percentage of maxSizeBytes, the
// ceiling WithMaxSizeBytes configured at Open (or DefaultMaxSizeBytes
// otherwise). Unlike max_page_count, this tracks the file's real
// on-disk footprint, which is what an operator actually runs out of.
func (j *Journal) diskUsagePercent(ctx context.Context) (float64, error) {
	var pageCount, pageSize int64
	if err := j.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := j.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	sizeBytes := pageCount * pageSize
	return (float64(sizeBytes) / float64(j.maxSizeBytes)) * 100, nil
}
