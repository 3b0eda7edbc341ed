package reader

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

// JournalAppender is the subset of *journal.Journal the Ingester needs.
// Declared as an interface here so tests can stand in a fake journal
// without pulling in modernc.org/sqlite.
type JournalAppender interface {
	Append(ctx context.Context, streamKey streamkey.Key, rawFrame []byte, readType event.ReadType, readerTimestamp time.Time) (seq int64, epoch int64, err error)
}

// AppendedEvent is handed to OnAppend after a line is successfully
// journaled, carrying the assigned seq/epoch the uplink needs to know
// "there is new unacked data for this stream".
type AppendedEvent struct {
	StreamKey streamkey.Key
	Seq       int64
	Epoch     int64
}

// Ingester wires an EventSource (reader hardware or spool fallback) to
// the journal: parse line, append, notify. One Ingester owns one
// stream identity.
type Ingester struct {
	streamKey streamkey.Key
	source    EventSource
	journal   JournalAppender
	parser    LineParser
	logger    *slog.Logger
	onAppend  func(AppendedEvent)
}

// Option configures an Ingester.
type Option func(*Ingester)

func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingester) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// OnAppend registers a callback invoked synchronously after each
// successful journal append, so the uplink can wake and attempt a
// send without polling the journal on a timer.
func OnAppend(fn func(AppendedEvent)) Option {
	return func(i *Ingester) { i.onAppend = fn }
}

// New creates an Ingester for streamKey, reading from source, parsing
// with parser, and appending to journal.
func New(streamKey streamkey.Key, source EventSource, journal JournalAppender, parser LineParser, opts ...Option) *Ingester {
	i := &Ingester{
		streamKey: streamKey,
		source:    source,
		journal:   journal,
		parser:    parser,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run starts the source and ingests lines until ctx is cancelled or
// the source closes both channels. Mirrors the nil-channel fan-in
// pattern: each channel is nilled out once closed, and Run exits once
// both are nil (or ctx is cancelled, whichever comes first).
func (i *Ingester) Run(ctx context.Context) error {
	lines, errs, err := i.source.Start(ctx)
	if err != nil {
		return err
	}
	if lines == nil || errs == nil {
		return errors.New("reader: source returned nil channel")
	}

	i.logger.Info("reader ingestion started", "stream_key", i.streamKey.String())
	defer i.logger.Info("reader ingestion stopped", "stream_key", i.streamKey.String())

	lineCh := lines
	errCh := errs

	for lineCh != nil || errCh != nil {
		select {
		case line, ok := <-lineCh:
			if !ok {
				lineCh = nil
				continue
			}
			i.handleLine(ctx, line)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			i.logger.Warn("reader source error", "stream_key", i.streamKey.String(), "error", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (i *Ingester) handleLine(ctx context.Context, line Line) {
	parsed, err := i.parser.Parse(line.Raw)
	if err != nil {
		i.logger.Debug("line parse failed", "stream_key", i.streamKey.String(), "error", err)
		return
	}
	if !event.ValidReadType(parsed.ReadType) {
		i.logger.Warn("parser returned unknown read type", "stream_key", i.streamKey.String(), "read_type", parsed.ReadType)
		return
	}

	seq, epoch, err := i.journal.Append(ctx, i.streamKey, parsed.RawFrame, parsed.ReadType, parsed.ReaderTimestamp)
	if err != nil {
		// Append errors are fatal per journal.ErrFatal semantics; the
		// Forwarder process is expected to exit on this, not retry here.
		i.logger.Error("journal append failed", "stream_key", i.streamKey.String(), "error", err)
		return
	}

	if i.onAppend != nil {
		i.onAppend(AppendedEvent{StreamKey: i.streamKey, Seq: seq, Epoch: epoch})
	}
}
