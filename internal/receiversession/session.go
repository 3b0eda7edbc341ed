package receiversession

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rustytimer/rusty-timer/internal/backoff"
	"github.com/rustytimer/rusty-timer/internal/receiverstore"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

// Store is the subset of *receiverstore.Store the session needs.
type Store interface {
	UpsertCursor(ctx context.Context, streamKey streamkey.Key, epoch, lastSeq int64) error
}

// wsConn is the subset of *websocket.Conn used here, mirroring
// internal/uplink's wsConn so tests can substitute a fake transport.
type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens the websocket connection to the server.
type Dialer func(ctx context.Context, url string, header http.Header) (wsConn, error)

// GorillaDialer dials using gorilla/websocket.
func GorillaDialer(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// StreamStatus reports one selected stream's local-rebroadcast state,
// surfaced by the control API's GET /api/v1/status.
type StreamStatus struct {
	StreamKey streamkey.Key
	Port      int
	Degraded  bool
}

// Session drives the Receiver's connection to the Server: connect,
// mode hello, local TCP rebroadcast, ack pacing, reconnect-with-backoff
// — the same shape as internal/uplink.Client, generalized from "ship
// journal rows" to "apply a mode and relay its batches" (spec.md §4.6).
type Session struct {
	cfg     Config
	store   Store
	dial    Dialer
	logger  *slog.Logger
	backoff *backoff.Calculator

	mu            sync.Mutex
	state         State
	mode          wire.Mode
	portOverrides map[string]int
	streams       map[string]StreamStatus // keyed by stream_key.String()

	wake chan struct{} // signalled by SetMode to force a reconnect with the new mode
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

func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// NewSession creates a Session for cfg. The initial mode is empty;
// call SetMode before Run connects, or let the caller supply one via
// the persisted profile before starting the session.
func NewSession(cfg Config, store Store, opts ...Option) *Session {
	s := &Session{
		cfg:           cfg,
		store:         store,
		dial:          GorillaDialer,
		logger:        slog.Default(),
		backoff:       backoff.New(backoff.ReceiverSession),
		state:         StateDisconnected,
		portOverrides: make(map[string]int),
		streams:       make(map[string]StreamStatus),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state, safe for concurrent use.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Info("receiver session state transition", "from", prev, "to", next)
	}
}

// SetMode updates the mode and port overrides the next (re)connect
// will use, and wakes an in-progress session to reconnect immediately
// with the new selection rather than waiting for the current one to
// fail on its own.
func (s *Session) SetMode(mode wire.Mode, portOverrides map[string]int) {
	s.mu.Lock()
	s.mode = mode
	if portOverrides != nil {
		s.portOverrides = portOverrides
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Streams returns a snapshot of every stream's local rebroadcast
// status, for GET /api/v1/status.
func (s *Session) Streams() []StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamStatus, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	return out
}

func (s *Session) currentMode() (wire.Mode, map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.portOverrides
}

func (s *Session) setStreams(streams map[string]StreamStatus) {
	s.mu.Lock()
	s.streams = streams
	s.mu.Unlock()
}

// Run drives the session loop until ctx is cancelled. A non-retryable
// ErrorMessage received once the session is established stops the loop
// entirely; any other failure reconnects with backoff. That includes an
// ErrorMessage sent in reply to the hello (e.g. a bad token), whatever
// its code: connect reports it as an ordinary connect failure.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}

		mode, _ := s.currentMode()
		if mode.Kind == "" {
			// No profile/mode configured yet; wait for SetMode or cancellation.
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				s.setState(StateDisconnected)
				return ctx.Err()
			}
		}

		s.setState(StateConnecting)
		sess, err := s.connect(ctx)
		if err != nil {
			s.logger.Warn("receiver session connect failed", "error", err)
			if !s.backoffSleep(ctx, &attempt) {
				return ctx.Err()
			}
			continue
		}

		fatal, err := s.runSession(ctx, sess)
		s.teardown(sess)
		if fatal {
			s.logger.Error("receiver session fatal error, not reconnecting", "error", err)
			s.setState(StateDisconnected)
			return err
		}
		if err != nil {
			s.logger.Warn("receiver session ended, reconnecting", "error", err)
		}
		if !s.backoffSleep(ctx, &attempt) {
			return ctx.Err()
		}
		attempt = 0
	}
}

func (s *Session) backoffSleep(ctx context.Context, attempt *int) bool {
	s.setState(StateBackoff)
	d := s.backoff.Calculate(*attempt)
	*attempt++
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	}
}

type connectedSession struct {
	conn         wsConn
	broadcasters map[string]*localBroadcaster // keyed by stream_key string
	pendingAcks  map[string]wire.AckEntry     // keyed by stream_key string, latest entry wins
}

func (s *Session) connect(ctx context.Context) (*connectedSession, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	conn, err := s.dial(ctx, s.cfg.ServerURL+s.cfg.wsPath(), header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	s.setState(StateAuthenticating)

	// The mode read below already reflects any earlier SetMode, so a
	// pending wake signal would only end this session at once.
	select {
	case <-s.wake:
	default:
	}
	mode, overrides := s.currentMode()
	hello := wire.ReceiverHelloV12{
		ReceiverID: s.cfg.ReceiverID,
		Token:      s.cfg.Token,
		Mode:       mode,
	}
	if err := sendEnvelope(conn, wire.KindReceiverHelloV12, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	var env wire.Envelope
	conn.SetReadDeadline(time.Now().Add(s.cfg.heartbeatTimeout()))
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read mode applied: %w", err)
	}
	if env.Kind == wire.KindErrorMessage {
		var em wire.ErrorMessage
		if decErr := env.Decode(&em); decErr == nil {
			conn.Close()
			return nil, fmt.Errorf("server rejected hello %s: %s", em.Code, em.Message)
		}
	}
	var applied wire.ReceiverModeApplied
	if err := env.Decode(&applied); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode mode applied: %w", err)
	}

	broadcasters, streams := s.openLocalBroadcasters(applied, overrides)
	s.setStreams(streams)

	s.setState(StateStreaming)
	return &connectedSession{
		conn:         conn,
		broadcasters: broadcasters,
		pendingAcks:  make(map[string]wire.AckEntry),
	}, nil
}

// openLocalBroadcasters assigns a local port to each normalized
// stream, disabling (and marking degraded) every stream whose
// assigned port collides with another's.
func (s *Session) openLocalBroadcasters(applied wire.ReceiverModeApplied, overrides map[string]int) (map[string]*localBroadcaster, map[string]StreamStatus) {
	byPort := make(map[int][]streamkey.Key)
	assigned := make(map[string]int, len(applied.NormalizedStreams))
	for _, key := range applied.NormalizedStreams {
		port := assignPort(key, overrides[key.String()])
		assigned[key.String()] = port
		byPort[port] = append(byPort[port], key)
	}

	broadcasters := make(map[string]*localBroadcaster, len(applied.NormalizedStreams))
	streams := make(map[string]StreamStatus, len(applied.NormalizedStreams))

	for _, key := range applied.NormalizedStreams {
		k := key.String()
		port := assigned[k]
		if len(byPort[port]) > 1 {
			s.logger.Warn("local port collision, disabling streams", "port", port, "streams", byPort[port])
			streams[k] = StreamStatus{StreamKey: key, Port: port, Degraded: true}
			continue
		}
		b, err := listenLocalBroadcaster(port, s.logger)
		if err != nil {
			s.logger.Warn("failed to open local listener, stream degraded", "stream_key", k, "port", port, "error", err)
			streams[k] = StreamStatus{StreamKey: key, Port: port, Degraded: true}
			continue
		}
		broadcasters[k] = b
		streams[k] = StreamStatus{StreamKey: key, Port: port, Degraded: false}
	}
	return broadcasters, streams
}

func (s *Session) teardown(sess *connectedSession) {
	sess.conn.Close()
	for _, b := range sess.broadcasters {
		b.Close()
	}
}

func sendEnvelope(conn wsConn, kind wire.Kind, msg any) error {
	env, err := wire.Encode(kind, msg)
	if err != nil {
		return err
	}
	return conn.WriteJSON(env)
}
