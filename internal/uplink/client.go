package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rustytimer/rusty-timer/internal/backoff"
	"github.com/rustytimer/rusty-timer/internal/journal"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

// JournalStore is the subset of *journal.Journal the uplink needs.
type JournalStore interface {
	LoadUnacked(ctx context.Context, streamKey streamkey.Key, limit int) ([]journal.Row, error)
	Ack(ctx context.Context, streamKey streamkey.Key, epoch, throughSeq int64) error
	ResetEpoch(ctx context.Context, streamKey streamkey.Key) (int64, error)
	JournaledMarks(ctx context.Context) ([]journal.Mark, error)
	PruneIfNeeded(ctx context.Context, watermarkPct int, logger *slog.Logger) (int64, error)
}

// wsConn is the subset of *websocket.Conn the Client uses, so tests
// can substitute a fake transport without opening a real socket.
type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens the websocket connection to the server. Swappable for
// tests; production code uses gorilla's websocket.DefaultDialer.
type Dialer func(ctx context.Context, url string, header http.Header) (wsConn, error)

// GorillaDialer dials using gorilla/websocket.
func GorillaDialer(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client drives the Forwarder uplink state machine: one persistent
// WebSocket session to the Server, per-stream batching with a
// window-of-one in-flight batch, and reconnect-with-backoff on
// failure (spec.md §4.3).
type Client struct {
	cfg     Config
	journal JournalStore
	dial    Dialer
	logger  *slog.Logger
	backoff *backoff.Calculator

	mu    sync.Mutex
	state State

	wake chan struct{} // signalled by OnAppend to trigger an opportunistic flush
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

func WithBackoff(cfg backoff.Config) Option {
	return func(c *Client) { c.backoff = backoff.New(cfg) }
}

// New creates a Client for cfg, reading unacked rows from journal.
func New(cfg Config, journal JournalStore, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		journal: journal,
		dial:    GorillaDialer,
		logger:  slog.Default(),
		backoff: backoff.New(backoff.ForwarderUplink),
		state:   StateDisconnected,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state, safe for concurrent use (e.g. by
// the status HTTP API).
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info("uplink state transition", "from", prev, "to", s)
	}
}

// Notify wakes the uplink to attempt an opportunistic flush after a
// new journal append, rather than waiting for the next batch timer.
func (c *Client) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives the uplink loop until ctx is cancelled. A non-retryable
// error (bad token, identity mismatch) stops the loop entirely; any
// other failure transitions to Backoff and reconnects.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		c.setState(StateConnecting)
		sess, err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("uplink connect failed", "error", err)
			if !c.backoffSleep(ctx, &attempt) {
				return ctx.Err()
			}
			continue
		}

		fatal, err := c.runSession(ctx, sess)
		sess.conn.Close()
		if fatal {
			c.logger.Error("uplink fatal error, not reconnecting", "error", err)
			c.setState(StateDisconnected)
			return err
		}
		if err != nil {
			c.logger.Warn("uplink session ended, reconnecting", "error", err)
		}
		if !c.backoffSleep(ctx, &attempt) {
			return ctx.Err()
		}
	}
}

func (c *Client) backoffSleep(ctx context.Context, attempt *int) bool {
	c.setState(StateBackoff)
	d := c.backoff.Calculate(*attempt)
	*attempt++
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type session struct {
	conn   wsConn
	epochs map[string]int64 // stream key string -> epoch, refreshed on EpochResetCommand
}

func (c *Client) connect(ctx context.Context) (*session, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, err := c.dial(ctx, c.cfg.ServerURL+c.cfg.ForwarderWSPath, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c.setState(StateAuthenticating)

	marks, err := c.journal.JournaledMarks(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load journaled marks: %w", err)
	}
	lastJournaled := make([]wire.JournaledMark, 0, len(marks))
	epochs := make(map[string]int64, len(marks))
	for _, m := range marks {
		lastJournaled = append(lastJournaled, wire.JournaledMark{
			StreamKey: m.StreamKey,
			Epoch:     m.Epoch,
			NextSeq:   m.NextSeq,
		})
		epochs[m.StreamKey.String()] = m.Epoch
	}

	hello := wire.ForwarderHello{
		ForwarderID:     c.cfg.ForwarderID,
		Token:           c.cfg.Token,
		ProtocolVersion: 1,
		LastJournaled:   lastJournaled,
	}
	if err := sendEnvelope(conn, wire.KindForwarderHello, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	c.setState(StateStreaming)
	return &session{conn: conn, epochs: epochs}, nil
}

// runSession handles one connected session: it reads server frames
// (acks, epoch resets, heartbeats, errors) and drives the batch flush
// loop until the connection fails or ctx is cancelled. Returns
// fatal=true when the server reported a non-retryable error.
func (c *Client) runSession(ctx context.Context, sess *session) (fatal bool, err error) {
	readErrCh := make(chan error, 1)
	envCh := make(chan wire.Envelope, 16)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			sess.conn.SetReadDeadline(time.Now().Add(c.cfg.heartbeatTimeout()))
			var env wire.Envelope
			if err := sess.conn.ReadJSON(&env); err != nil {
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

	flusher := newBatchFlusher(c, sess)
	ticker := newFlushTicker(c.cfg)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case err := <-readErrCh:
			return false, fmt.Errorf("read: %w", err)

		case env := <-envCh:
			f, handleErr := c.handleFrame(sess, flusher, env)
			if handleErr != nil {
				return f, handleErr
			}

		case <-ticker.C():
			flusher.flushAll(ctx)

		case <-c.wake:
			flusher.flushAll(ctx)
		}
	}
}

func (c *Client) handleFrame(sess *session, flusher *batchFlusher, env wire.Envelope) (fatal bool, err error) {
	switch env.Kind {
	case wire.KindHeartbeat:
		return false, nil

	case wire.KindForwarderAck:
		var ack wire.ForwarderAck
		if err := env.Decode(&ack); err != nil {
			return false, fmt.Errorf("decode ack: %w", err)
		}
		if err := c.journal.Ack(context.Background(), ack.StreamKey, ack.Epoch, ack.AckedThroughSeq); err != nil {
			c.logger.Error("failed to record ack", "error", err)
		}
		// Release the in-flight window immediately so the next batch
		// for this stream can flush without waiting on
		// releaseAfterTimeout's grace-period fallback (spec.md §4.3:
		// "On ForwarderAck: advance acked_through_seq, release
		// backpressure").
		flusher.clearInFlight(ack.StreamKey)
		return false, nil

	case wire.KindEpochResetCommand:
		var cmd wire.EpochResetCommand
		if err := env.Decode(&cmd); err != nil {
			return false, fmt.Errorf("decode epoch reset: %w", err)
		}
		newEpoch, err := c.journal.ResetEpoch(context.Background(), cmd.StreamKey)
		if err != nil {
			c.logger.Error("failed to apply epoch reset", "error", err)
			return false, nil
		}
		sess.epochs[cmd.StreamKey.String()] = newEpoch
		// Move the watermark to the start of the new epoch so unacked
		// prior-epoch rows are no longer loaded or resent.
		if err := c.journal.Ack(context.Background(), cmd.StreamKey, newEpoch, 0); err != nil {
			c.logger.Error("failed to discard prior-epoch events", "error", err)
		}
		flusher.clearInFlight(cmd.StreamKey)
		return false, nil

	case wire.KindErrorMessage:
		var em wire.ErrorMessage
		if err := env.Decode(&em); err != nil {
			return false, fmt.Errorf("decode error message: %w", err)
		}
		if !em.Retryable {
			return true, fmt.Errorf("server error %s: %s", em.Code, em.Message)
		}
		return false, fmt.Errorf("server error %s: %s", em.Code, em.Message)

	default:
		return false, fmt.Errorf("%w: unexpected frame kind %q", wire.ErrProtocolViolation, env.Kind)
	}
}

func sendEnvelope(conn wsConn, kind wire.Kind, msg any) error {
	env, err := wire.Encode(kind, msg)
	if err != nil {
		return err
	}
	return conn.WriteJSON(env)
}
