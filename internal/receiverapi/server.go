// Package receiverapi exposes the Receiver's local control surface:
// a JSON/SSE API bound to 127.0.0.1:9090 (spec.md §6), not
// configurable, since it's meant for the operator's own machine, not
// a network-facing service. Grounded on internal/api/server.go's
// ServeMux + options pattern, the same shape internal/serverapi uses
// for the Server's control API.
package receiverapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rustytimer/rusty-timer/internal/ctlevents"
	"github.com/rustytimer/rusty-timer/internal/ratelimit"
	"github.com/rustytimer/rusty-timer/internal/receiversession"
	"github.com/rustytimer/rusty-timer/internal/receiverstore"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

// Addr is the Receiver control API's bind address. spec.md §6 fixes
// this, unlike the Server's BIND_ADDR — there is no environment
// override.
const Addr = "127.0.0.1:9090"

const (
	restRateLimit           = 10
	restRateBurst           = 20
	restRateCleanupInterval = 5 * time.Minute
)

// Store is the subset of *receiverstore.Store this package needs.
type Store interface {
	LoadProfile(ctx context.Context) (receiverstore.Profile, error)
	SaveProfile(ctx context.Context, p receiverstore.Profile) error
}

// Session is the subset of *receiversession.Session this package
// needs, narrowed the same way serverapi.Store narrows *serverstore.Store.
type Session interface {
	State() receiversession.State
	Streams() []receiversession.StreamStatus
	SetMode(mode wire.Mode, portOverrides map[string]int)
}

// Lifecycle starts and stops the Receiver session's connection loop,
// implemented by cmd/receiver's main so POST /api/v1/connect and
// /disconnect can control it without this package owning a goroutine
// lifetime directly.
type Lifecycle interface {
	Connect()
	Disconnect()
}

// Server is the Receiver's local control API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux

	store     Store
	session   Session
	lifecycle Lifecycle
	ctlHub    *ctlevents.Hub

	rateLimiter *ratelimit.Limiter
	logger      *slog.Logger
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

// NewServer wires store, session, and lifecycle into the control API.
func NewServer(store Store, session Session, lifecycle Lifecycle, opts ...Option) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:         Addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // disabled: the SSE endpoint is long-lived
			IdleTimeout:  120 * time.Second,
		},
		mux:         mux,
		store:       store,
		session:     session,
		lifecycle:   lifecycle,
		ctlHub:      ctlevents.NewHub(),
		rateLimiter: ratelimit.New(restRateLimit, restRateBurst, restRateCleanupInterval),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.ctlHub.Run()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	limited := s.rateLimiter.Middleware
	s.mux.Handle("GET /api/v1/profile", limited(http.HandlerFunc(s.handleGetProfile)))
	s.mux.Handle("PUT /api/v1/profile", limited(http.HandlerFunc(s.handlePutProfile)))
	s.mux.Handle("GET /api/v1/streams", limited(http.HandlerFunc(s.handleGetStreams)))
	s.mux.Handle("PUT /api/v1/subscriptions", limited(http.HandlerFunc(s.handlePutSubscriptions)))
	s.mux.Handle("GET /api/v1/status", limited(http.HandlerFunc(s.handleGetStatus)))
	s.mux.Handle("POST /api/v1/connect", limited(http.HandlerFunc(s.handleConnect)))
	s.mux.Handle("POST /api/v1/disconnect", limited(http.HandlerFunc(s.handleDisconnect)))
	s.mux.HandleFunc("GET /api/v1/events", s.handleEventsSSE)
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
