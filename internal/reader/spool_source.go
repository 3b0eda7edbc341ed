package reader

import (
	"context"
	"log/slog"
	"time"

	"github.com/nxadm/tail"
)

// SpoolSource tails a local spool file that the reader hardware (or an
// operator, for recovery) appends chip-read lines to. This is the
// fallback path when the reader's TCP listener is unavailable, per
// spec.md §1's "reader disconnects" tolerance: a spool file lets the
// Forwarder keep ingesting lines a reader wrote to disk even across a
// TCP outage.
type SpoolSource struct {
	path   string
	logger *slog.Logger
}

// SpoolSourceOption configures a SpoolSource.
type SpoolSourceOption func(*SpoolSource)

func WithSpoolLogger(logger *slog.Logger) SpoolSourceOption {
	return func(s *SpoolSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSpoolSource creates a SpoolSource tailing path from its end
// (historical lines already in the file are not replayed; the journal
// is the durable record, not the spool file).
func NewSpoolSource(path string, opts ...SpoolSourceOption) *SpoolSource {
	s := &SpoolSource{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins tailing the spool file. The returned channels close
// when ctx is cancelled or the underlying tail stops permanently.
func (s *SpoolSource) Start(ctx context.Context) (<-chan Line, <-chan error, error) {
	t, err := tail.TailFile(s.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Whence: 2}, // end of file: don't replay history
	})
	if err != nil {
		return nil, nil, err
	}

	lineCh := make(chan Line, DefaultLineBufferSize)
	errCh := make(chan error, DefaultErrorBufferSize)

	go func() {
		defer close(lineCh)
		defer close(errCh)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-t.Lines:
				if !ok {
					return
				}
				if line.Err != nil {
					select {
					case errCh <- line.Err:
					case <-ctx.Done():
						return
					default:
						s.logger.Warn("spool tail error dropped, error channel full", "path", s.path, "error", line.Err)
					}
					continue
				}
				select {
				case lineCh <- Line{Raw: line.Text, ReceivedAt: time.Now().UTC()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return lineCh, errCh, nil
}
