// Package fwdstatus exposes the Forwarder's local status HTTP API
// (spec.md §6, `[status_http] bind`): a single read-only endpoint an
// operator or local monitoring agent can poll to see uplink state,
// per-reader connection health, and journal disk pressure, without
// needing network access to the Server.
package fwdstatus

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ReaderStatus describes one configured reader's current condition.
type ReaderStatus struct {
	Target    string `json:"target"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

// StatusSnapshot is the full payload returned by GET /status.
type StatusSnapshot struct {
	ForwarderID   string         `json:"forwarder_id"`
	UplinkState   string         `json:"uplink_state"`
	Readers       []ReaderStatus `json:"readers"`
	JournalUsagePct float64      `json:"journal_usage_pct"`
}

// SnapshotFunc produces the current status on demand; wiring it as a
// function (rather than an interface) keeps the Server decoupled from
// uplink.Client and reader.EventSource concrete types.
type SnapshotFunc func(ctx context.Context) StatusSnapshot

// Server is the Forwarder's local status HTTP server.
type Server struct {
	httpServer *http.Server
	snapshot   SnapshotFunc
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a status Server bound to addr, serving snapshot() on
// GET /status.
func New(addr string, snapshot SnapshotFunc, opts ...Option) *Server {
	s := &Server{snapshot: snapshot, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r.Context()), s.logger)
}

// Start runs the status server until it fails or is shut down.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the status server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string { return s.httpServer.Addr }
