// Package serverapi exposes the Server's external interfaces: the two
// websocket endpoints (Forwarder and Receiver protocols) and the REST
// + SSE control API (spec.md §6). Grounded on internal/api/server.go's
// options-pattern Server plus method-prefixed http.ServeMux routes.
package serverapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rustytimer/rusty-timer/internal/ctlevents"
	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/fanout"
	"github.com/rustytimer/rusty-timer/internal/ingestsvc"
	"github.com/rustytimer/rusty-timer/internal/ratelimit"
	"github.com/rustytimer/rusty-timer/internal/serverstore"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

// Rate limits applied to the Server's REST control API: generous
// enough for a race-day operator dashboard, tight enough to blunt an
// accidental polling loop.
const (
	restRateLimit           = 20
	restRateBurst           = 40
	restRateCleanupInterval = 5 * time.Minute
)

// Store is the subset of *serverstore.Store the HTTP/WS surface needs.
// Defining it here (rather than depending on the concrete type) lets
// tests substitute an in-memory fake, the same way ingestsvc.Store and
// fanout.ReplayStore narrow the same underlying *serverstore.Store to
// what each consumer actually calls.
type Store interface {
	ListStreams(ctx context.Context) ([]serverstore.Stream, error)
	IngestBatch(ctx context.Context, key streamkey.Key, events []event.ReadEvent) (serverstore.BatchResult, error)
	StreamByID(ctx context.Context, streamID int64) (serverstore.Stream, error)
	SetDisplayAlias(ctx context.Context, streamID int64, alias string) error
	ResetStreamEpoch(ctx context.Context, streamID int64) (newEpoch int64, err error)
	StreamMetricsByID(ctx context.Context, streamID int64) (serverstore.StreamMetrics, error)
	QueryEventsAfter(ctx context.Context, streamID, afterEpoch, afterSeq int64, limit int) ([]event.ReadEvent, error)
	StreamsForRace(ctx context.Context, raceID string) ([]serverstore.Stream, error)
	StreamEpochForKey(ctx context.Context, key streamkey.Key) (streamID, epoch int64, found bool, err error)
	ReceiverCursorFor(ctx context.Context, receiverID string, streamID int64) (epoch, lastSeq int64, found bool, err error)
	UpsertReceiverCursor(ctx context.Context, cur serverstore.ReceiverCursor) error
	AuthenticateToken(ctx context.Context, token string) (serverstore.DeviceIdentity, error)
}

// Server is the Server's single HTTP listener, carrying the websocket
// upgrade endpoints alongside the JSON/SSE control API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux

	store        Store
	hub          *fanout.Hub
	registry     *ingestsvc.Registry
	ctlHub       *ctlevents.Hub
	rateLimiter  *ratelimit.Limiter
	upgrader     websocket.Upgrader
	dashboardDir string

	logger *slog.Logger
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

// WithDashboardDir serves the bundled operator dashboard's static
// files at "/", alongside the API routes. Go 1.22's ServeMux prefers
// the more specific registered patterns over this catch-all, so it
// never shadows /api/v1/... or /ws/....
func WithDashboardDir(dir string) Option {
	return func(s *Server) { s.dashboardDir = dir }
}

// NewServer wires store, hub, and registry into the HTTP handler.
func NewServer(addr string, store Store, hub *fanout.Hub, registry *ingestsvc.Registry, opts ...Option) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // disabled: websocket and SSE connections are long-lived
			IdleTimeout:  120 * time.Second,
		},
		mux:         mux,
		store:       store,
		hub:         hub,
		registry:    registry,
		ctlHub:      ctlevents.NewHub(),
		rateLimiter: ratelimit.New(restRateLimit, restRateBurst, restRateCleanupInterval),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.ctlHub.Run()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)

	// Rate limiting applies only to the REST control surface: the
	// websocket endpoints below hold one long-lived connection per
	// device rather than a burst of short requests.
	limited := s.rateLimiter.Middleware
	s.mux.Handle("GET /api/v1/streams", limited(http.HandlerFunc(s.handleListStreams)))
	s.mux.Handle("PATCH /api/v1/streams/{id}", limited(http.HandlerFunc(s.handleSetDisplayAlias)))
	s.mux.Handle("GET /api/v1/streams/{id}/metrics", limited(http.HandlerFunc(s.handleStreamMetrics)))
	s.mux.Handle("POST /api/v1/streams/{id}/reset-epoch", limited(http.HandlerFunc(s.handleResetEpoch)))
	s.mux.Handle("GET /api/v1/streams/{id}/export.txt", limited(http.HandlerFunc(s.handleExportTxt)))
	s.mux.Handle("GET /api/v1/streams/{id}/export.csv", limited(http.HandlerFunc(s.handleExportCSV)))
	s.mux.HandleFunc("GET /api/v1/events", s.handleEventsSSE)

	s.mux.HandleFunc("GET /ws/v1/forwarders", s.handleForwarderWS)
	s.mux.HandleFunc("GET /ws/v1.2/receivers", s.handleReceiverWS)

	if s.dashboardDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(s.dashboardDir)))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReadyz additionally checks the database is reachable, so a
// load balancer can distinguish "process is up" from "can serve
// traffic" during Postgres failover.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListStreams(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not ready", s.logger)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.ctlHub.Stop()
	s.rateLimiter.Stop()
	return err
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
