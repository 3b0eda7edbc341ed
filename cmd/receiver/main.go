// Command receiver is the Rusty Timer downstream consumer binary: it
// holds an operator-configured profile, connects to the Server over
// the v1.2 mode-based websocket protocol, rebroadcasts selected
// streams onto local TCP listeners for legacy scoreboard software, and
// exposes a local REST+SSE control API for the operator UI (spec.md
// §4.6, §6).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rustytimer/rusty-timer/internal/applog"
	"github.com/rustytimer/rusty-timer/internal/receiverapi"
	"github.com/rustytimer/rusty-timer/internal/receiversession"
	"github.com/rustytimer/rusty-timer/internal/receiverstore"
	"github.com/rustytimer/rusty-timer/internal/singleinstance"
)

func main() {
	storePath := flag.String("store", "receiver.sqlite", "path to the receiver's local SQLite store")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	logger := applog.New(*logLevel)

	release, ok, err := singleinstance.AcquireLock("rusty-timer-receiver")
	if err != nil {
		log.Fatalf("receiver: single instance check: %v", err)
	}
	if !ok {
		log.Fatal("receiver: another instance is already running")
	}
	defer release()

	store, err := receiverstore.Open(*storePath)
	if err != nil {
		log.Fatalf("receiver: store: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profile, err := store.LoadProfile(ctx)
	if err != nil && err != receiverstore.ErrNoProfile {
		logger.Error("failed to load profile", "error", err)
		os.Exit(1)
	}

	session := receiversession.NewSession(receiversession.Config{
		ServerURL:  profile.ServerURL,
		ReceiverID: *storePath,
		Token:      profile.Token,
	}, store, receiversession.WithLogger(logger))
	if profile.Mode.Kind != "" {
		session.SetMode(profile.Mode, profile.PortOverrides)
	}

	lifecycle := newSessionLifecycle(session, logger)
	if profile.ServerURL != "" && profile.Token != "" {
		lifecycle.Connect()
	}
	defer lifecycle.Disconnect()

	api := receiverapi.NewServer(store, session, lifecycle, receiverapi.WithLogger(logger))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("receiver control API starting", "addr", receiverapi.Addr)
		if err := api.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("control API error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("receiver stopped")
}

// sessionLifecycle implements receiverapi.Lifecycle over a
// *receiversession.Session, owning the goroutine and cancelable
// sub-context behind Run(ctx) so the control API's connect/disconnect
// handlers never need to know about Session internals.
type sessionLifecycle struct {
	session *receiversession.Session
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newSessionLifecycle(session *receiversession.Session, logger *slog.Logger) *sessionLifecycle {
	return &sessionLifecycle{session: session, logger: logger}
}

// Connect starts the session's run loop if it isn't already running.
// Calling Connect while already connected is a no-op: the session
// reconnects on its own via backoff, Connect only governs whether the
// loop is running at all.
func (l *sessionLifecycle) Connect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go func() {
		if err := l.session.Run(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("receiver session stopped", "error", err)
		}
	}()
}

// Disconnect stops the session's run loop. It is safe to call when
// already disconnected.
func (l *sessionLifecycle) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.cancel = nil
}
