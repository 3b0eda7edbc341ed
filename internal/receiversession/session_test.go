package receiversession

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

type fakeStore struct {
	mu      sync.Mutex
	cursors map[string][2]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{cursors: make(map[string][2]int64)}
}

func (f *fakeStore) UpsertCursor(ctx context.Context, key streamkey.Key, epoch, lastSeq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[key.String()] = [2]int64{epoch, lastSeq}
	return nil
}

// fakeConn implements wsConn entirely in memory, mirroring
// internal/uplink's client_test.go fake transport.
type fakeConn struct {
	toServer   chan wire.Envelope
	fromServer chan wire.Envelope
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toServer:   make(chan wire.Envelope, 16),
		fromServer: make(chan wire.Envelope, 16),
		closed:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case env, ok := <-c.fromServer:
		if !ok {
			return context.Canceled
		}
		b, _ := json.Marshal(env)
		return json.Unmarshal(b, v)
	case <-c.closed:
		return context.Canceled
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	env, ok := v.(wire.Envelope)
	if !ok {
		b, _ := json.Marshal(v)
		_ = json.Unmarshal(b, &env)
	}
	select {
	case c.toServer <- env:
		return nil
	case <-c.closed:
		return context.Canceled
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func TestSession_HelloModeAppliedAndAck(t *testing.T) {
	store := newFakeStore()
	conn := newFakeConn()
	dial := func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return conn, nil
	}

	cfg := Config{
		ServerURL:  "ws://test",
		ReceiverID: "recv-1",
		Token:      "tok",
		AckFlushMs: 20,
	}
	sess := NewSession(cfg, store, WithDialer(dial))

	key := streamkey.Key{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"}
	sess.SetMode(wire.Mode{Kind: wire.ModeLive, Streams: []streamkey.Key{key}}, map[string]int{key.String(): 0})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	var hello wire.Envelope
	select {
	case hello = <-conn.toServer:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for hello")
	}
	if hello.Kind != wire.KindReceiverHelloV12 {
		t.Fatalf("first frame = %s, want ReceiverHelloV12", hello.Kind)
	}

	appliedEnv, err := wire.Encode(wire.KindReceiverModeApplied, wire.ReceiverModeApplied{
		NormalizedStreams: []streamkey.Key{key},
		Cursors:           []wire.NormalizedCursor{{StreamKey: key, Epoch: 1, FromSeq: 1}},
	})
	if err != nil {
		t.Fatalf("encode mode applied: %v", err)
	}
	conn.fromServer <- appliedEnv

	// Give connect() time to process the ModeApplied response before
	// sending a batch, since the reader goroutine only starts in
	// runSession.
	time.Sleep(50 * time.Millisecond)

	batchEnv, err := wire.Encode(wire.KindReceiverEventBatch, wire.ReceiverEventBatch{
		StreamKey: key,
		Epoch:     1,
		Events: []event.ReadEvent{
			{StreamEpoch: 1, Seq: 1, RawFrame: []byte("read-1")},
			{StreamEpoch: 1, Seq: 2, RawFrame: []byte("read-2")},
		},
		LastSeq: 2,
	})
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	conn.fromServer <- batchEnv

	var ackEnv wire.Envelope
	select {
	case ackEnv = <-conn.toServer:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ack")
	}
	if ackEnv.Kind != wire.KindReceiverAck {
		t.Fatalf("frame = %s, want ReceiverAck", ackEnv.Kind)
	}
	var ack wire.ReceiverAck
	if err := ackEnv.Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(ack.Entries) != 1 || ack.Entries[0].AckedThroughSeq != 2 {
		t.Fatalf("ack entries = %+v, want one entry acked through 2", ack.Entries)
	}

	store.mu.Lock()
	cursor := store.cursors[key.String()]
	store.mu.Unlock()
	if cursor != [2]int64{1, 2} {
		t.Fatalf("cursor = %v, want [1 2]", cursor)
	}

	streams := sess.Streams()
	if len(streams) != 1 || streams[0].Degraded {
		t.Fatalf("streams = %+v, want one non-degraded stream", streams)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Run to stop")
	}
}

func TestAssignPort_PriorityOrder(t *testing.T) {
	key := streamkey.Key{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"}

	if got := assignPort(key, 54321); got != 54321 {
		t.Errorf("override ignored: got %d, want 54321", got)
	}
	if got := assignPort(key, 0); got != 10005 {
		t.Errorf("last-octet rule: got %d, want 10005", got)
	}

	nonIP := streamkey.Key{ForwarderID: "fwd-2", ReaderIP: "not-an-ip"}
	got := assignPort(nonIP, 0)
	if got < hashPortMin || got > hashPortMax {
		t.Errorf("hash fallback out of range: got %d", got)
	}
}
