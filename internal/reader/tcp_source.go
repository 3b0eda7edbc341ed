package reader

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/rustytimer/rusty-timer/internal/backoff"
)

// Default buffer sizes for channels, matching the source material's
// VRClogSource sizing rationale (buffered event channel reduces
// backpressure from downstream DB/journal latency).
const (
	DefaultLineBufferSize  = 64
	DefaultErrorBufferSize = 16
)

// TCPSource dials a reader's TCP endpoint and scans newline-delimited
// chip-read lines from it, reconnecting with backoff on failure. A
// reader disconnect must never be fatal to the Forwarder (spec.md §1:
// "tolerate ... reader disconnects without losing or duplicating
// canonical events") — only the connection to that one reader drops;
// journaled data already on disk is untouched.
type TCPSource struct {
	target          string
	logger          *slog.Logger
	lineBufferSize  int
	errorBufferSize int
	backoffCfg      backoff.Config
	dialTimeout     time.Duration
}

// TCPSourceOption configures a TCPSource.
type TCPSourceOption func(*TCPSource)

func WithTCPLogger(logger *slog.Logger) TCPSourceOption {
	return func(s *TCPSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTCPBackoff(cfg backoff.Config) TCPSourceOption {
	return func(s *TCPSource) { s.backoffCfg = cfg }
}

// NewTCPSource creates a TCPSource that dials target (host:port).
func NewTCPSource(target string, opts ...TCPSourceOption) *TCPSource {
	s := &TCPSource{
		target:          target,
		logger:          slog.Default(),
		lineBufferSize:  DefaultLineBufferSize,
		errorBufferSize: DefaultErrorBufferSize,
		backoffCfg:       backoff.ForwarderUplink,
		dialTimeout:      5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start dials target and begins scanning lines. The returned channels
// close when ctx is cancelled. Reconnects transparently on read error;
// callers see a steady stream of Lines across reconnects, with
// non-fatal errors surfaced on the error channel for logging/metrics.
func (s *TCPSource) Start(ctx context.Context) (<-chan Line, <-chan error, error) {
	lineCh := make(chan Line, s.lineBufferSize)
	errCh := make(chan error, s.errorBufferSize)

	go s.run(ctx, lineCh, errCh)

	return lineCh, errCh, nil
}

func (s *TCPSource) run(ctx context.Context, lineCh chan<- Line, errCh chan<- error) {
	defer close(lineCh)
	defer close(errCh)

	calc := backoff.New(s.backoffCfg)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := net.DialTimeout("tcp", s.target, s.dialTimeout)
		if err != nil {
			s.reportErr(ctx, errCh, err)
			if !s.sleep(ctx, calc.Calculate(attempt)) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		if !s.scanConn(ctx, conn, lineCh, errCh) {
			return
		}
	}
}

// scanConn reads lines from conn until ctx is cancelled or the
// connection fails, returning false if the caller should stop entirely
// (ctx cancelled) and true if it should reconnect.
func (s *TCPSource) scanConn(ctx context.Context, conn net.Conn, lineCh chan<- Line, errCh chan<- error) bool {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)

	for scanner.Scan() {
		line := Line{Raw: scanner.Text(), ReceivedAt: time.Now().UTC()}
		select {
		case lineCh <- line:
		case <-ctx.Done():
			return false
		}
	}

	if ctx.Err() != nil {
		return false
	}

	if err := scanner.Err(); err != nil {
		s.reportErr(ctx, errCh, err)
	} else {
		s.logger.Warn("reader connection closed by peer", "target", s.target)
	}
	return true
}

func (s *TCPSource) reportErr(ctx context.Context, errCh chan<- error, err error) {
	select {
	case errCh <- err:
	case <-ctx.Done():
	default:
		s.logger.Warn("reader error dropped, error channel full", "target", s.target, "error", err)
	}
}

func (s *TCPSource) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
