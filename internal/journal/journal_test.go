package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpen_WALMode(t *testing.T) {
	j := openTestJournal(t)
	mode, err := j.journalMode()
	if err != nil {
		t.Fatalf("journalMode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want %q", mode, "wal")
	}
}

func TestAppend_AssignsContiguousSeq(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	key := streamkey.Key{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"}

	for want := int64(1); want <= 5; want++ {
		seq, epoch, err := j.Append(ctx, key, []byte("frame"), event.ReadTypeRaw, time.Now())
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != want {
			t.Errorf("seq = %d, want %d", seq, want)
		}
		if epoch != 1 {
			t.Errorf("epoch = %d, want 1", epoch)
		}
	}
}

func TestLoadUnacked_RespectsWatermark(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	key := streamkey.Key{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"}

	for i := 0; i < 10; i++ {
		if _, _, err := j.Append(ctx, key, []byte("frame"), event.ReadTypeRaw, time.Now()); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := j.Ack(ctx, key, 1, 5); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	rows, err := j.LoadUnacked(ctx, key, 100)
	if err != nil {
		t.Fatalf("LoadUnacked: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("len(rows) = %d, want 5", len(rows))
	}
	for i, r := range rows {
		wantSeq := int64(6 + i)
		if r.Seq != wantSeq {
			t.Errorf("rows[%d].Seq = %d, want %d", i, r.Seq, wantSeq)
		}
	}
}

func TestAck_Idempotent_NeverRegresses(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	key := streamkey.Key{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"}

	for i := 0; i < 5; i++ {
		if _, _, err := j.Append(ctx, key, []byte("frame"), event.ReadTypeRaw, time.Now()); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := j.Ack(ctx, key, 1, 5); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	// A stale/duplicate ack for an earlier watermark must not regress.
	if err := j.Ack(ctx, key, 1, 2); err != nil {
		t.Fatalf("Ack (stale): %v", err)
	}

	rows, err := j.LoadUnacked(ctx, key, 100)
	if err != nil {
		t.Fatalf("LoadUnacked: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("len(rows) = %d, want 0 after full ack", len(rows))
	}
}

func TestResetEpoch_BumpsEpochKeepsPriorRows(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	key := streamkey.Key{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"}

	for i := 0; i < 3; i++ {
		if _, _, err := j.Append(ctx, key, []byte("frame"), event.ReadTypeRaw, time.Now()); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	newEpoch, err := j.ResetEpoch(ctx, key)
	if err != nil {
		t.Fatalf("ResetEpoch: %v", err)
	}
	if newEpoch != 2 {
		t.Fatalf("newEpoch = %d, want 2", newEpoch)
	}

	seq, epoch, err := j.Append(ctx, key, []byte("frame"), event.ReadTypeRaw, time.Now())
	if err != nil {
		t.Fatalf("Append after reset: %v", err)
	}
	if seq != 1 || epoch != 2 {
		t.Fatalf("Append after reset = (seq=%d, epoch=%d), want (1, 2)", seq, epoch)
	}

	// Prior epoch rows are still loadable (never deleted by ResetEpoch).
	marks, err := j.JournaledMarks(ctx)
	if err != nil {
		t.Fatalf("JournaledMarks: %v", err)
	}
	if len(marks) != 1 || marks[0].Epoch != 2 || marks[0].NextSeq != 2 {
		t.Fatalf("unexpected marks: %+v", marks)
	}
	rows, err := j.LoadUnacked(ctx, key, 100)
	if err != nil {
		t.Fatalf("LoadUnacked: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("len(rows) = %d, want 4 (3 epoch-1 rows + 1 epoch-2 row)", len(rows))
	}
}

func TestPruneIfNeeded_NeverDeletesUnacked(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	key := streamkey.Key{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"}

	for i := 0; i < 10; i++ {
		if _, _, err := j.Append(ctx, key, []byte("frame"), event.ReadTypeRaw, time.Now()); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Ack(ctx, key, 1, 4); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	deleted, err := j.pruneBatch(ctx, 100)
	if err != nil {
		t.Fatalf("pruneBatch: %v", err)
	}
	if deleted != 4 {
		t.Fatalf("deleted = %d, want 4", deleted)
	}

	rows, err := j.LoadUnacked(ctx, key, 100)
	if err != nil {
		t.Fatalf("LoadUnacked: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("len(rows) = %d, want 6 unacked rows remaining", len(rows))
	}
}
