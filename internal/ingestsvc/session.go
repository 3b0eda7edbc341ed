// Package ingestsvc handles one Forwarder's websocket session on the
// Server side: authentication, device_id pinning, atomic batch
// ingest, and the live fanout publish hook (spec.md §4.4). It mirrors
// internal/uplink's session shape from the other end of the same
// protocol.
package ingestsvc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/serverstore"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

const (
	heartbeatInterval = 30 * time.Second
	readIdleTimeout   = 60 * time.Second
)

// wsConn is the subset of *websocket.Conn a Session uses, so tests can
// substitute an in-memory fake rather than opening a real socket.
type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Store is the subset of *serverstore.Store the ingest session needs.
type Store interface {
	AuthenticateToken(ctx context.Context, token string) (serverstore.DeviceIdentity, error)
	IngestBatch(ctx context.Context, key streamkey.Key, events []event.ReadEvent) (serverstore.BatchResult, error)
	StreamEpochForKey(ctx context.Context, key streamkey.Key) (streamID, epoch int64, found bool, err error)
}

// Publisher hands newly committed events to the live fanout hub.
// Conflicted (retransmit) events are never passed here.
type Publisher interface {
	Publish(streamID int64, epoch int64, events []event.ReadEvent)
}

// Notifier surfaces control-plane events to dashboard SSE clients.
// It is optional: a nil Notifier just means no dashboard feed.
type Notifier interface {
	PublishStreamCreated(streamID int64, data any)
	PublishMetricsUpdated(streamID int64)
}

// Session drives one Forwarder's connection end to end.
type Session struct {
	conn      wsConn
	store     Store
	publisher Publisher
	notifier  Notifier
	registry  *Registry
	logger    *slog.Logger

	forwarderID string
	outbound    chan wire.Envelope
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRegistry(r *Registry) Option {
	return func(s *Session) { s.registry = r }
}

func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// NewSession wraps conn in a Session that authenticates against store
// and publishes committed inserts to publisher.
func NewSession(conn wsConn, store Store, publisher Publisher, opts ...Option) *Session {
	s := &Session{
		conn:      conn,
		store:     store,
		publisher: publisher,
		logger:    slog.Default(),
		outbound:  make(chan wire.Envelope, 8),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run authenticates the connection, then processes frames until ctx
// is cancelled or the connection fails. Returns the terminal error;
// when ctx cancellation ends the session, that error is ctx.Err().
func (s *Session) Run(ctx context.Context) error {
	hello, err := s.readHello(ctx)
	if err != nil {
		return err
	}

	ident, err := s.store.AuthenticateToken(ctx, hello.Token)
	if err != nil {
		s.sendError(wire.CodeInvalidToken, "invalid or revoked token")
		return fmt.Errorf("ingestsvc: authenticate: %w", err)
	}
	if ident.DeviceID != hello.ForwarderID {
		s.sendError(wire.CodeIdentityMismatch, "token device_id does not match forwarder_id")
		return fmt.Errorf("ingestsvc: identity mismatch: token=%s hello=%s", ident.DeviceID, hello.ForwarderID)
	}
	s.forwarderID = hello.ForwarderID

	if s.registry != nil {
		s.registry.register(s.forwarderID, s)
		defer s.registry.unregister(s.forwarderID, s)
	}

	s.reconcileEpochs(ctx, hello.LastJournaled)

	return s.serve(ctx)
}

func (s *Session) readHello(ctx context.Context) (wire.ForwarderHello, error) {
	s.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	var env wire.Envelope
	if err := s.conn.ReadJSON(&env); err != nil {
		return wire.ForwarderHello{}, fmt.Errorf("ingestsvc: read hello: %w", err)
	}
	if env.Kind != wire.KindForwarderHello {
		s.sendError(wire.CodeProtocolError, "expected ForwarderHello as first frame")
		return wire.ForwarderHello{}, fmt.Errorf("%w: first frame was %q, not ForwarderHello", wire.ErrProtocolViolation, env.Kind)
	}
	var hello wire.ForwarderHello
	if err := env.Decode(&hello); err != nil {
		s.sendError(wire.CodeProtocolError, "malformed ForwarderHello")
		return wire.ForwarderHello{}, fmt.Errorf("ingestsvc: decode hello: %w", err)
	}
	return hello, nil
}

// reconcileEpochs compares the Forwarder's reported journal position
// against the server's authoritative stream_epoch for each stream,
// pushing an EpochResetCommand for any stream where an operator reset
// the epoch while the Forwarder was disconnected (spec.md §4.3).
func (s *Session) reconcileEpochs(ctx context.Context, marks []wire.JournaledMark) {
	for _, m := range marks {
		_, serverEpoch, found, err := s.store.StreamEpochForKey(ctx, m.StreamKey)
		if err != nil {
			s.logger.Warn("failed to check server epoch", "stream_key", m.StreamKey.String(), "error", err)
			continue
		}
		if found && serverEpoch > m.Epoch {
			s.send(wire.KindEpochResetCommand, wire.EpochResetCommand{StreamKey: m.StreamKey, NewEpoch: serverEpoch})
		}
	}
}

// serve runs the main frame loop: a reader goroutine feeds envCh,
// a heartbeat ticker keeps the connection alive, and the outbound
// channel carries server-initiated frames (epoch resets pushed by the
// Registry) out to the Forwarder.
func (s *Session) serve(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	envCh := make(chan wire.Envelope, 16)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			s.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
			var env wire.Envelope
			if err := s.conn.ReadJSON(&env); err != nil {
				readErrCh <- err
				return
			}
			select {
			case envCh <- env:
			case <-sessCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrCh:
			return fmt.Errorf("ingestsvc: read: %w", err)

		case env := <-envCh:
			if fatal, err := s.handleFrame(ctx, env); err != nil {
				return err
			} else if fatal {
				return nil
			}

		case <-ticker.C:
			s.send(wire.KindHeartbeat, wire.Heartbeat{DeviceID: s.forwarderID, SentAt: time.Now()})

		case env := <-s.outbound:
			if err := s.conn.WriteJSON(env); err != nil {
				return fmt.Errorf("ingestsvc: write: %w", err)
			}
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, env wire.Envelope) (fatal bool, err error) {
	switch env.Kind {
	case wire.KindForwarderEventBatch:
		var batch wire.ForwarderEventBatch
		if decErr := env.Decode(&batch); decErr != nil {
			s.sendError(wire.CodeProtocolError, "malformed ForwarderEventBatch")
			return false, fmt.Errorf("ingestsvc: decode batch: %w", decErr)
		}
		return s.handleBatch(ctx, batch)

	default:
		s.sendError(wire.CodeProtocolError, fmt.Sprintf("unexpected frame kind %q", env.Kind))
		return false, fmt.Errorf("%w: unexpected frame kind %q", wire.ErrProtocolViolation, env.Kind)
	}
}

func (s *Session) handleBatch(ctx context.Context, batch wire.ForwarderEventBatch) (fatal bool, err error) {
	if batch.StreamKey.ForwarderID != s.forwarderID {
		s.sendError(wire.CodeIdentityMismatch, "batch forwarder_id does not match session identity")
		return true, fmt.Errorf("ingestsvc: identity mismatch on batch: session=%s batch=%s", s.forwarderID, batch.StreamKey.ForwarderID)
	}
	if len(batch.Events) == 0 {
		return false, nil
	}

	result, err := s.store.IngestBatch(ctx, batch.StreamKey, batch.Events)
	if err != nil {
		s.logger.Error("batch ingest failed", "stream_key", batch.StreamKey.String(), "error", err)
		s.sendError(wire.CodeInternalError, "failed to persist batch")
		return false, nil
	}

	if s.publisher != nil && len(result.InsertedEvents) > 0 {
		s.publisher.Publish(result.StreamID, batch.Epoch, result.InsertedEvents)
	}

	if s.notifier != nil {
		if result.StreamCreated {
			s.notifier.PublishStreamCreated(result.StreamID, nil)
		}
		if result.Inserted > 0 {
			s.notifier.PublishMetricsUpdated(result.StreamID)
		}
	}

	s.send(wire.KindForwarderAck, wire.ForwarderAck{
		StreamKey:       batch.StreamKey,
		Epoch:           batch.Epoch,
		AckedThroughSeq: batch.LastSeq,
	})
	return false, nil
}

func (s *Session) send(kind wire.Kind, msg any) {
	env, err := wire.Encode(kind, msg)
	if err != nil {
		s.logger.Error("failed to encode outbound frame", "kind", kind, "error", err)
		return
	}
	if err := s.conn.WriteJSON(env); err != nil {
		s.logger.Warn("failed to write outbound frame", "kind", kind, "error", err)
	}
}

func (s *Session) sendError(code wire.ErrorCode, message string) {
	s.send(wire.KindErrorMessage, wire.NewErrorMessage(code, message))
}

// pushEpochReset is called by the Registry to deliver an
// operator-initiated epoch reset to an already-connected Forwarder
// without waiting for it to reconnect.
func (s *Session) pushEpochReset(key streamkey.Key, newEpoch int64) {
	env, err := wire.Encode(wire.KindEpochResetCommand, wire.EpochResetCommand{StreamKey: key, NewEpoch: newEpoch})
	if err != nil {
		return
	}
	select {
	case s.outbound <- env:
	default:
		s.logger.Warn("outbound queue full, dropped epoch reset push", "stream_key", key.String())
	}
}
