//go:build integration

// Package serverstore's tests run against a real Postgres instance,
// the way the companion integration suite runs its SQLite store
// against a real temp-dir database rather than a mock. Set
// RUSTYTIMER_TEST_DATABASE_URL to a scratch database to run these.
package serverstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("RUSTYTIMER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RUSTYTIMER_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), url)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testKey(t *testing.T) streamkey.Key {
	t.Helper()
	return streamkey.Key{ForwarderID: "fwd-test", ReaderIP: "10.0.0.5"}
}

func TestIngestBatch_DedupsRetransmit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(t)
	now := time.Now().UTC()

	batch := []event.ReadEvent{
		{StreamEpoch: 1, Seq: 1, ReaderTimestamp: now, RawFrame: []byte("r1"), ReadType: event.ReadTypeRaw, ReceivedAt: now},
		{StreamEpoch: 1, Seq: 2, ReaderTimestamp: now, RawFrame: []byte("r2"), ReadType: event.ReadTypeRaw, ReceivedAt: now},
	}

	res, err := s.IngestBatch(ctx, key, batch)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if res.Inserted != 2 || res.Conflicts != 0 {
		t.Fatalf("first batch: inserted=%d conflicts=%d, want 2/0", res.Inserted, res.Conflicts)
	}

	// Retransmit the same batch, simulating a lost ack.
	res, err = s.IngestBatch(ctx, key, batch)
	if err != nil {
		t.Fatalf("IngestBatch retransmit: %v", err)
	}
	if res.Inserted != 0 || res.Conflicts != 2 {
		t.Fatalf("retransmit batch: inserted=%d conflicts=%d, want 0/2", res.Inserted, res.Conflicts)
	}

	m, err := s.StreamMetricsByID(ctx, res.StreamID)
	if err != nil {
		t.Fatalf("StreamMetricsByID: %v", err)
	}
	if m.RawCount != 4 {
		t.Errorf("raw_count = %d, want 4", m.RawCount)
	}
	if m.DedupCount != 2 {
		t.Errorf("dedup_count = %d, want 2", m.DedupCount)
	}
	if m.RetransmitCount != 2 {
		t.Errorf("retransmit_count = %d, want 2", m.RetransmitCount)
	}
}

func TestIngestBatch_HigherEpochAdvancesStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(t)
	now := time.Now().UTC()

	first := []event.ReadEvent{
		{StreamEpoch: 1, Seq: 1, ReaderTimestamp: now, RawFrame: []byte("r1"), ReadType: event.ReadTypeRaw, ReceivedAt: now},
	}
	if _, err := s.IngestBatch(ctx, key, first); err != nil {
		t.Fatalf("IngestBatch epoch 1: %v", err)
	}

	second := []event.ReadEvent{
		{StreamEpoch: 2, Seq: 1, ReaderTimestamp: now, RawFrame: []byte("r1-again"), ReadType: event.ReadTypeRaw, ReceivedAt: now},
	}
	res, err := s.IngestBatch(ctx, key, second)
	if err != nil {
		t.Fatalf("IngestBatch epoch 2: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("epoch 2 seq 1 should insert fresh, got inserted=%d", res.Inserted)
	}

	st, err := s.StreamByID(ctx, res.StreamID)
	if err != nil {
		t.Fatalf("StreamByID: %v", err)
	}
	if st.StreamEpoch != 2 {
		t.Errorf("stream_epoch = %d, want 2", st.StreamEpoch)
	}
}

func TestIngestBatch_LowerEpochRetransmitDoesNotRegressCurrentEpoch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(t)
	now := time.Now().UTC()

	epoch1 := []event.ReadEvent{
		{StreamEpoch: 1, Seq: 1, ReaderTimestamp: now, RawFrame: []byte("r1"), ReadType: event.ReadTypeRaw, ReceivedAt: now},
	}
	if _, err := s.IngestBatch(ctx, key, epoch1); err != nil {
		t.Fatalf("IngestBatch epoch 1: %v", err)
	}

	epoch2 := []event.ReadEvent{
		{StreamEpoch: 2, Seq: 1, ReaderTimestamp: now, RawFrame: []byte("r1-again"), ReadType: event.ReadTypeRaw, ReceivedAt: now},
		{StreamEpoch: 2, Seq: 2, ReaderTimestamp: now, RawFrame: []byte("r2"), ReadType: event.ReadTypeRaw, ReceivedAt: now},
	}
	res, err := s.IngestBatch(ctx, key, epoch2)
	if err != nil {
		t.Fatalf("IngestBatch epoch 2: %v", err)
	}

	before, err := s.StreamMetricsByID(ctx, res.StreamID)
	if err != nil {
		t.Fatalf("StreamMetricsByID before retransmit: %v", err)
	}
	if before.CurrentEpoch != 2 || before.EpochRawCount != 2 {
		t.Fatalf("before retransmit: current_epoch=%d epoch_raw_count=%d, want 2/2", before.CurrentEpoch, before.EpochRawCount)
	}

	// A retransmit of the old epoch 1 batch arrives late, after the
	// stream has already rolled over to epoch 2. It must be accepted
	// (dedup'd against the original epoch-1 row) without regressing
	// current_epoch or zeroing epoch 2's counters.
	late := []event.ReadEvent{
		{StreamEpoch: 1, Seq: 1, ReaderTimestamp: now, RawFrame: []byte("r1"), ReadType: event.ReadTypeRaw, ReceivedAt: now},
	}
	if _, err := s.IngestBatch(ctx, key, late); err != nil {
		t.Fatalf("IngestBatch late epoch 1 retransmit: %v", err)
	}

	st, err := s.StreamByID(ctx, res.StreamID)
	if err != nil {
		t.Fatalf("StreamByID: %v", err)
	}
	if st.StreamEpoch != 2 {
		t.Errorf("stream_epoch after late retransmit = %d, want 2", st.StreamEpoch)
	}

	after, err := s.StreamMetricsByID(ctx, res.StreamID)
	if err != nil {
		t.Fatalf("StreamMetricsByID after retransmit: %v", err)
	}
	if after.CurrentEpoch != 2 {
		t.Errorf("current_epoch after late retransmit = %d, want 2 (unchanged)", after.CurrentEpoch)
	}
	if after.EpochRawCount != 2 || after.EpochDedupCount != 2 {
		t.Errorf("epoch_raw_count/epoch_dedup_count = %d/%d after late retransmit, want 2/2 (unchanged)", after.EpochRawCount, after.EpochDedupCount)
	}
	if after.EpochRetransmitCount != before.EpochRetransmitCount {
		t.Errorf("epoch_retransmit_count = %d after late retransmit, want unchanged at %d", after.EpochRetransmitCount, before.EpochRetransmitCount)
	}
	// Lifetime totals still grow even though the epoch-scoped counters
	// don't: the late batch still counted one raw read and one retransmit.
	if after.RawCount != before.RawCount+1 {
		t.Errorf("raw_count = %d, want %d (before+1)", after.RawCount, before.RawCount+1)
	}
	if after.RetransmitCount != before.RetransmitCount+1 {
		t.Errorf("retransmit_count = %d, want %d (before+1)", after.RetransmitCount, before.RetransmitCount+1)
	}
}

func TestAuthenticateToken_UnknownTokenFails(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AuthenticateToken(context.Background(), "not-a-real-token"); err != ErrTokenInvalid {
		t.Fatalf("AuthenticateToken = %v, want ErrTokenInvalid", err)
	}
}

func TestReceiverCursor_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := testKey(t)
	now := time.Now().UTC()

	res, err := s.IngestBatch(ctx, key, []event.ReadEvent{
		{StreamEpoch: 1, Seq: 1, ReaderTimestamp: now, RawFrame: []byte("r1"), ReadType: event.ReadTypeRaw, ReceivedAt: now},
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	if err := s.UpsertReceiverCursor(ctx, ReceiverCursor{ReceiverID: "rcv-1", StreamID: res.StreamID, StreamEpoch: 1, LastSeq: 1}); err != nil {
		t.Fatalf("UpsertReceiverCursor: %v", err)
	}

	epoch, lastSeq, found, err := s.ReceiverCursorFor(ctx, "rcv-1", res.StreamID)
	if err != nil {
		t.Fatalf("ReceiverCursorFor: %v", err)
	}
	if !found || epoch != 1 || lastSeq != 1 {
		t.Fatalf("ReceiverCursorFor = (%d, %d, %v), want (1, 1, true)", epoch, lastSeq, found)
	}
}
