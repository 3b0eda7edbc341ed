package serverapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/fanout"
	"github.com/rustytimer/rusty-timer/internal/serverstore"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

var errStreamNotFound = errors.New("fake store: stream not found")

// fakeStore is an in-memory double for Store, grounded on the
// teacher's MockEventsService pattern in internal/api/server_test.go.
type fakeStore struct {
	streams  map[int64]serverstore.Stream
	metrics  map[int64]serverstore.StreamMetrics
	tokens   map[string]serverstore.DeviceIdentity
	cursors  map[string]serverstore.ReceiverCursor
	raceSets map[string][]serverstore.Stream
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		streams:  make(map[int64]serverstore.Stream),
		metrics:  make(map[int64]serverstore.StreamMetrics),
		tokens:   make(map[string]serverstore.DeviceIdentity),
		cursors:  make(map[string]serverstore.ReceiverCursor),
		raceSets: make(map[string][]serverstore.Stream),
	}
}

func (f *fakeStore) ListStreams(ctx context.Context) ([]serverstore.Stream, error) {
	var out []serverstore.Stream
	for _, st := range f.streams {
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeStore) StreamByID(ctx context.Context, streamID int64) (serverstore.Stream, error) {
	st, ok := f.streams[streamID]
	if !ok {
		return serverstore.Stream{}, errStreamNotFound
	}
	return st, nil
}

func (f *fakeStore) SetDisplayAlias(ctx context.Context, streamID int64, alias string) error {
	st, ok := f.streams[streamID]
	if !ok {
		return errStreamNotFound
	}
	st.DisplayAlias = &alias
	f.streams[streamID] = st
	return nil
}

func (f *fakeStore) ResetStreamEpoch(ctx context.Context, streamID int64) (int64, error) {
	st, ok := f.streams[streamID]
	if !ok {
		return 0, errStreamNotFound
	}
	st.StreamEpoch++
	f.streams[streamID] = st
	return st.StreamEpoch, nil
}

func (f *fakeStore) StreamMetricsByID(ctx context.Context, streamID int64) (serverstore.StreamMetrics, error) {
	m, ok := f.metrics[streamID]
	if !ok {
		return serverstore.StreamMetrics{}, errStreamNotFound
	}
	return m, nil
}

func (f *fakeStore) QueryEventsAfter(ctx context.Context, streamID, afterEpoch, afterSeq int64, limit int) ([]event.ReadEvent, error) {
	return nil, nil
}

func (f *fakeStore) StreamsForRace(ctx context.Context, raceID string) ([]serverstore.Stream, error) {
	return f.raceSets[raceID], nil
}

func (f *fakeStore) StreamEpochForKey(ctx context.Context, key streamkey.Key) (int64, int64, bool, error) {
	for _, st := range f.streams {
		if st.ForwarderID == key.ForwarderID && st.ReaderIP == key.ReaderIP {
			return st.StreamID, st.StreamEpoch, true, nil
		}
	}
	return 0, 0, false, nil
}

func (f *fakeStore) ReceiverCursorFor(ctx context.Context, receiverID string, streamID int64) (int64, int64, bool, error) {
	cur, ok := f.cursors[receiverID]
	if !ok {
		return 0, 0, false, nil
	}
	return cur.StreamEpoch, cur.LastSeq, true, nil
}

func (f *fakeStore) UpsertReceiverCursor(ctx context.Context, cur serverstore.ReceiverCursor) error {
	f.cursors[cur.ReceiverID] = cur
	return nil
}

func (f *fakeStore) AuthenticateToken(ctx context.Context, token string) (serverstore.DeviceIdentity, error) {
	ident, ok := f.tokens[token]
	if !ok {
		return serverstore.DeviceIdentity{}, serverstore.ErrTokenInvalid
	}
	return ident, nil
}

func (f *fakeStore) IngestBatch(ctx context.Context, key streamkey.Key, events []event.ReadEvent) (serverstore.BatchResult, error) {
	return serverstore.BatchResult{}, nil
}

func newTestServer(store *fakeStore) *Server {
	hub := fanout.NewHub()
	go hub.Run()
	return NewServer(":0", store, hub, nil)
}

func TestHandleListStreams(t *testing.T) {
	store := newFakeStore()
	store.streams[1] = serverstore.Stream{StreamID: 1, ForwarderID: "fwd-1", ReaderIP: "10.0.0.5", StreamEpoch: 3}
	s := newTestServer(store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var views []streamView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].StreamID != 1 {
		t.Fatalf("views = %+v, want one stream with id 1", views)
	}
}

func TestHandleSetDisplayAlias(t *testing.T) {
	store := newFakeStore()
	store.streams[1] = serverstore.Stream{StreamID: 1, ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"}
	s := newTestServer(store)

	body := `{"display_alias":"Finish Line"}`
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/streams/1", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var view streamView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.DisplayAlias == nil || *view.DisplayAlias != "Finish Line" {
		t.Fatalf("display_alias = %v, want Finish Line", view.DisplayAlias)
	}
}

func TestHandleResetEpoch(t *testing.T) {
	store := newFakeStore()
	store.streams[1] = serverstore.Stream{StreamID: 1, ForwarderID: "fwd-1", ReaderIP: "10.0.0.5", StreamEpoch: 1}
	s := newTestServer(store)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/streams/1/reset-epoch", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp struct {
		NewEpoch     int64 `json:"new_epoch"`
		PushedToLive bool  `json:"pushed_to_live"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.NewEpoch != 2 {
		t.Errorf("new_epoch = %d, want 2", resp.NewEpoch)
	}
	if resp.PushedToLive {
		t.Errorf("pushed_to_live = true, want false (no registry)")
	}
}

func TestHandleStreamMetricsNotFound(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/99/metrics", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
