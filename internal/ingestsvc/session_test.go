package ingestsvc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/serverstore"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

// fakeConn implements wsConn entirely in memory via channels, mirroring
// internal/uplink's test fake but from the server's side of the wire.
type fakeConn struct {
	toForwarder   chan wire.Envelope
	fromForwarder chan wire.Envelope
	closed        chan struct{}
	closeOnce     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toForwarder:   make(chan wire.Envelope, 16),
		fromForwarder: make(chan wire.Envelope, 16),
		closed:        make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case env, ok := <-c.fromForwarder:
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
	case c.toForwarder <- env:
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

func send(conn *fakeConn, kind wire.Kind, msg any) {
	env, _ := wire.Encode(kind, msg)
	conn.fromForwarder <- env
}

// fakeStore is an in-memory double for Store.
type fakeStore struct {
	mu           sync.Mutex
	tokens       map[string]serverstore.DeviceIdentity
	streamEpochs map[string]int64
	nextStreamID int64
	batches      []wire.ForwarderEventBatch
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tokens:       make(map[string]serverstore.DeviceIdentity),
		streamEpochs: make(map[string]int64),
		nextStreamID: 1,
	}
}

func (f *fakeStore) AuthenticateToken(ctx context.Context, token string) (serverstore.DeviceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ident, ok := f.tokens[token]
	if !ok {
		return serverstore.DeviceIdentity{}, serverstore.ErrTokenInvalid
	}
	return ident, nil
}

func (f *fakeStore) IngestBatch(ctx context.Context, key streamkey.Key, events []event.ReadEvent) (serverstore.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, wire.ForwarderEventBatch{StreamKey: key, Events: events})
	return serverstore.BatchResult{
		StreamID:       f.nextStreamID,
		Inserted:       len(events),
		InsertedEvents: events,
	}, nil
}

func (f *fakeStore) StreamEpochForKey(ctx context.Context, key streamkey.Key) (streamID, epoch int64, found bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.streamEpochs[key.String()]
	if !ok {
		return 0, 0, false, nil
	}
	return f.nextStreamID, e, true, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []event.ReadEvent
}

func (p *fakePublisher) Publish(streamID int64, epoch int64, events []event.ReadEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, events...)
}

func testKey() streamkey.Key {
	return streamkey.Key{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"}
}

func TestSession_AuthenticatesAndIngestsBatch(t *testing.T) {
	store := newFakeStore()
	store.tokens["tok"] = serverstore.DeviceIdentity{DeviceID: "fwd-1", DeviceType: "forwarder"}
	pub := &fakePublisher{}

	conn := newFakeConn()
	sess := NewSession(conn, store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	send(conn, wire.KindForwarderHello, wire.ForwarderHello{ForwarderID: "fwd-1", Token: "tok", ProtocolVersion: 1})

	key := testKey()
	batch := wire.ForwarderEventBatch{
		StreamKey: key,
		Epoch:     1,
		FirstSeq:  1,
		LastSeq:   2,
		Events: []event.ReadEvent{
			{StreamEpoch: 1, Seq: 1, RawFrame: []byte("a")},
			{StreamEpoch: 1, Seq: 2, RawFrame: []byte("b")},
		},
	}
	send(conn, wire.KindForwarderEventBatch, batch)

	var ack wire.ForwarderAck
	select {
	case env := <-conn.toForwarder:
		if env.Kind != wire.KindForwarderAck {
			t.Fatalf("frame = %s, want ForwarderAck", env.Kind)
		}
		if err := env.Decode(&ack); err != nil {
			t.Fatalf("decode ack: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ack")
	}
	if ack.AckedThroughSeq != 2 {
		t.Errorf("AckedThroughSeq = %d, want 2", ack.AckedThroughSeq)
	}

	pub.mu.Lock()
	gotPublished := len(pub.published)
	pub.mu.Unlock()
	if gotPublished != 2 {
		t.Errorf("published %d events, want 2", gotPublished)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not exit after cancel")
	}
}

func TestSession_IdentityMismatchIsFatal(t *testing.T) {
	store := newFakeStore()
	store.tokens["tok"] = serverstore.DeviceIdentity{DeviceID: "fwd-real", DeviceType: "forwarder"}

	conn := newFakeConn()
	sess := NewSession(conn, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	send(conn, wire.KindForwarderHello, wire.ForwarderHello{ForwarderID: "fwd-claimed", Token: "tok"})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected identity mismatch error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("session did not exit on identity mismatch")
	}

	select {
	case env := <-conn.toForwarder:
		var em wire.ErrorMessage
		if err := env.Decode(&em); err != nil {
			t.Fatalf("decode error message: %v", err)
		}
		if em.Code != wire.CodeIdentityMismatch {
			t.Errorf("error code = %s, want IDENTITY_MISMATCH", em.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error message")
	}
}

func TestRegistry_PushEpochResetReachesLiveSession(t *testing.T) {
	store := newFakeStore()
	store.tokens["tok"] = serverstore.DeviceIdentity{DeviceID: "fwd-1", DeviceType: "forwarder"}

	registry := NewRegistry()
	conn := newFakeConn()
	sess := NewSession(conn, store, nil, WithRegistry(registry))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	send(conn, wire.KindForwarderHello, wire.ForwarderHello{ForwarderID: "fwd-1", Token: "tok"})

	// Give Run time to reach the registration point before pushing.
	deadline := time.Now().Add(time.Second)
	key := testKey()
	for time.Now().Before(deadline) {
		if registry.PushEpochReset("fwd-1", key, 5) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case env := <-conn.toForwarder:
		var cmd wire.EpochResetCommand
		if env.Kind != wire.KindEpochResetCommand {
			t.Fatalf("frame = %s, want EpochResetCommand", env.Kind)
		}
		if err := env.Decode(&cmd); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if cmd.NewEpoch != 5 {
			t.Errorf("NewEpoch = %d, want 5", cmd.NewEpoch)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pushed epoch reset")
	}

	cancel()
	<-done
}
