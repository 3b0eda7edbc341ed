package uplink

import (
	"context"
	"sync"
	"time"

	"github.com/rustytimer/rusty-timer/internal/streamkey"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

// batchFlusher loads unacked journal rows per stream and sends them,
// enforcing an in-flight window of one batch per stream (spec.md
// §4.3): a stream with an outstanding unacked batch is skipped until
// its ForwarderAck arrives.
type batchFlusher struct {
	client *Client
	sess   *session

	mu       sync.Mutex
	inFlight map[string]bool
}

func newBatchFlusher(c *Client, sess *session) *batchFlusher {
	return &batchFlusher{client: c, sess: sess, inFlight: make(map[string]bool)}
}

// flushAll attempts one flush pass over every known stream. Streams
// with an in-flight batch or no unacked rows are skipped.
func (f *batchFlusher) flushAll(ctx context.Context) {
	marks, err := f.client.journal.JournaledMarks(ctx)
	if err != nil {
		f.client.logger.Warn("failed to enumerate streams for flush", "error", err)
		return
	}

	for _, m := range marks {
		f.flushStream(ctx, m.StreamKey)
	}
}

func (f *batchFlusher) markInFlight(key streamkey.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key.String()
	if f.inFlight[k] {
		return false
	}
	f.inFlight[k] = true
	return true
}

func (f *batchFlusher) clearInFlight(key streamkey.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, key.String())
}

func (f *batchFlusher) flushStream(ctx context.Context, key streamkey.Key) {
	if !f.markInFlight(key) {
		return
	}

	limit := f.client.cfg.maxEvents()
	rows, err := f.client.journal.LoadUnacked(ctx, key, limit)
	if err != nil {
		f.client.logger.Warn("failed to load unacked rows", "stream_key", key.String(), "error", err)
		f.clearInFlight(key)
		return
	}
	if len(rows) == 0 {
		f.clearInFlight(key)
		return
	}

	batch := wire.ForwarderEventBatch{
		StreamKey: key,
		Epoch:     rows[0].StreamEpoch,
		FirstSeq:  rows[0].Seq,
		LastSeq:   rows[len(rows)-1].Seq,
	}
	for _, r := range rows {
		batch.Events = append(batch.Events, r.ReadEvent)
	}

	if err := sendEnvelope(f.sess.conn, wire.KindForwarderEventBatch, batch); err != nil {
		f.client.logger.Warn("failed to send batch", "stream_key", key.String(), "error", err)
		f.clearInFlight(key)
		return
	}

	// The window clears as soon as the corresponding ForwarderAck is
	// processed (see Client.handleFrame's clearInFlight call), not
	// here — this batch is still unacknowledged at this point.
	// releaseAfterTimeout is purely a fallback for a dropped ack: if
	// it fires first, the next LoadUnacked simply resends since the
	// journal watermark never advanced.
	go f.releaseAfterTimeout(key)
}

// releaseAfterTimeout clears the in-flight marker after a grace period
// so a lost ack doesn't permanently stall the stream. Under normal
// operation Client.handleFrame's clearInFlight call wins this race
// well before the timeout; LoadUnacked resends the same unacked rows
// regardless of which path clears it first.
func (f *batchFlusher) releaseAfterTimeout(key streamkey.Key) {
	const ackGrace = 10 * time.Second
	time.Sleep(ackGrace)
	f.clearInFlight(key)
}

// flushTicker fires flush attempts according to the configured batch
// mode: time-based, size-based (handled via the wake channel from
// OnAppend), or combined.
type flushTicker struct {
	ticker *time.Ticker
	ch     <-chan time.Time
}

func newFlushTicker(cfg Config) *flushTicker {
	switch cfg.BatchMode {
	case BatchTime, BatchCombined:
		interval := cfg.flushInterval()
		if interval <= 0 {
			interval = time.Second
		}
		t := time.NewTicker(interval)
		return &flushTicker{ticker: t, ch: t.C}
	default:
		// immediate/size modes rely entirely on the wake channel
		// (OnAppend notifications), so the ticker never fires.
		ch := make(chan time.Time)
		return &flushTicker{ch: ch}
	}
}

func (t *flushTicker) C() <-chan time.Time { return t.ch }

func (t *flushTicker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
}
