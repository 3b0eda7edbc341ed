package fwdstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleStatus_ReturnsSnapshot(t *testing.T) {
	snap := StatusSnapshot{
		ForwarderID: "fwd-1",
		UplinkState: "Streaming",
		Readers:     []ReaderStatus{{Target: "10.0.0.5:3000", Connected: true}},
	}
	s := New(":0", func(ctx context.Context) StatusSnapshot { return snap })

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got StatusSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ForwarderID != "fwd-1" || got.UplinkState != "Streaming" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestHandleStatus_NoSnapshotFunc(t *testing.T) {
	s := New(":0", nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
