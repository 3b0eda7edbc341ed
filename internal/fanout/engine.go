package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

const (
	// MaxPageSize bounds one ReceiverEventBatch / historical replay
	// page, per spec.md §4.5 ("pages of N (<= 500)").
	MaxPageSize = 500

	defaultPageSize = 200

	// ackWindow is how long the engine waits for a ReceiverAck on the
	// single in-flight batch before closing the session (spec.md §5's
	// "ack window = 10s").
	ackWindow = 10 * time.Second
)

// ErrSessionExpired is returned by Run when a batch goes unacked past
// ackWindow; the caller translates this into a SESSION_EXPIRED
// ErrorMessage and closes the connection.
var ErrSessionExpired = fmt.Errorf("fanout: ack window exceeded")

// ReplayStore is the subset of *serverstore.Store the engine needs for
// historical replay.
type ReplayStore interface {
	QueryEventsAfter(ctx context.Context, streamID, afterEpoch, afterSeq int64, limit int) ([]event.ReadEvent, error)
}

// Engine is the per-(receiver,stream) subscription worker: it replays
// historical rows from a cursor, then joins the live broadcast,
// enforcing a window-of-one in-flight batch and a 10s ack deadline
// (spec.md §4.5).
type Engine struct {
	streamID  int64
	streamKey streamkey.Key
	hub       *Hub
	store     ReplayStore
	logger    *slog.Logger
	pageSize  int

	out   chan wire.ReceiverEventBatch
	ackCh chan ackSignal
}

type ackSignal struct {
	epoch           int64
	ackedThroughSeq int64
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 && n <= MaxPageSize {
			e.pageSize = n
		}
	}
}

// NewEngine builds an Engine for one (streamID, streamKey) the caller
// has already resolved mode/cursor for.
func NewEngine(streamID int64, streamKey streamkey.Key, hub *Hub, store ReplayStore, opts ...Option) *Engine {
	e := &Engine{
		streamID:  streamID,
		streamKey: streamKey,
		hub:       hub,
		store:     store,
		logger:    slog.Default(),
		pageSize:  defaultPageSize,
		out:       make(chan wire.ReceiverEventBatch, 1),
		ackCh:     make(chan ackSignal, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Out yields batches ready to send to the receiver. The caller
// (the receiver websocket handler) writes each one out and calls Ack
// once the corresponding ReceiverAck entry arrives.
func (e *Engine) Out() <-chan wire.ReceiverEventBatch { return e.out }

// Ack records that the receiver has acked through ackedThroughSeq for
// epoch, releasing the in-flight window.
func (e *Engine) Ack(epoch, ackedThroughSeq int64) {
	select {
	case e.ackCh <- ackSignal{epoch: epoch, ackedThroughSeq: ackedThroughSeq}:
	default:
		// Replace a stale pending ack with the newer one.
		select {
		case <-e.ackCh:
		default:
		}
		e.ackCh <- ackSignal{epoch: epoch, ackedThroughSeq: ackedThroughSeq}
	}
}

// Run replays history from (fromEpoch, fromSeq) and then joins the
// live broadcast, until ctx is cancelled or the ack window expires.
// It subscribes to the hub before replaying, so batches committed
// while the replay is in progress are buffered rather than missed.
func (e *Engine) Run(ctx context.Context, fromEpoch, fromSeq int64) error {
	defer close(e.out)

	sub := e.hub.Subscribe(e.streamID)
	defer e.hub.Unsubscribe(sub)

	epoch, seq := fromEpoch, fromSeq
	if err := e.replayHistory(ctx, &epoch, &seq); err != nil {
		return err
	}
	return e.joinLive(ctx, sub, epoch, seq)
}

// replayHistory drains historical rows page by page until a short page
// signals the tail is reached. Each page is split at epoch boundaries
// so no batch mixes epochs.
func (e *Engine) replayHistory(ctx context.Context, epoch, seq *int64) error {
	for {
		rows, err := e.store.QueryEventsAfter(ctx, e.streamID, *epoch, *seq, e.pageSize)
		if err != nil {
			return fmt.Errorf("fanout: replay query: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		for _, run := range splitByEpoch(rows) {
			batch := wire.ReceiverEventBatch{
				StreamKey: e.streamKey,
				Epoch:     run[0].StreamEpoch,
				Events:    run,
				LastSeq:   run[len(run)-1].Seq,
			}
			if err := e.sendAndAwaitAck(ctx, batch); err != nil {
				return err
			}
			*epoch = batch.Epoch
			*seq = batch.LastSeq
		}

		if len(rows) < e.pageSize {
			return nil
		}
	}
}

// joinLive streams events from sub as they commit, falling back to a
// fresh database query whenever the hub signals an overflow (spec.md
// §4.5's "falls back to re-querying the database").
func (e *Engine) joinLive(ctx context.Context, sub *Subscription, epoch, seq int64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sub.Done():
			return nil

		case <-sub.Overflow():
			if err := e.replayHistory(ctx, &epoch, &seq); err != nil {
				return err
			}

		case published := <-sub.Events():
			if published.epoch < epoch || (published.epoch == epoch && lastSeqOf(published.events) <= seq) {
				continue // already delivered via replay
			}
			for _, run := range splitByEpoch(published.events) {
				batch := wire.ReceiverEventBatch{
					StreamKey: e.streamKey,
					Epoch:     run[0].StreamEpoch,
					Events:    run,
					LastSeq:   run[len(run)-1].Seq,
				}
				if err := e.sendAndAwaitAck(ctx, batch); err != nil {
					return err
				}
				epoch, seq = batch.Epoch, batch.LastSeq
			}
		}
	}
}

// sendAndAwaitAck enforces the in-flight-window-of-one: it sends one
// batch and blocks until the matching ack arrives or ackWindow elapses.
func (e *Engine) sendAndAwaitAck(ctx context.Context, batch wire.ReceiverEventBatch) error {
	select {
	case e.out <- batch:
	case <-ctx.Done():
		return ctx.Err()
	}

	timer := time.NewTimer(ackWindow)
	defer timer.Stop()
	for {
		select {
		case ack := <-e.ackCh:
			if ack.epoch == batch.Epoch && ack.ackedThroughSeq >= batch.LastSeq {
				return nil
			}
			// Stale ack for an earlier batch; keep waiting for this one.
		case <-timer.C:
			return ErrSessionExpired
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func lastSeqOf(events []event.ReadEvent) int64 {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Seq
}

// splitByEpoch partitions a (epoch,seq)-ordered run of events into
// contiguous same-epoch sub-runs, since a ReceiverEventBatch must
// never mix epochs.
func splitByEpoch(rows []event.ReadEvent) [][]event.ReadEvent {
	if len(rows) == 0 {
		return nil
	}
	var out [][]event.ReadEvent
	start := 0
	for i := 1; i < len(rows); i++ {
		if rows[i].StreamEpoch != rows[start].StreamEpoch {
			out = append(out, rows[start:i])
			start = i
		}
	}
	out = append(out, rows[start:])
	return out
}
