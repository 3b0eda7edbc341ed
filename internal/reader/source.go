// Package reader ingests chip-read lines from reader hardware (over
// TCP) or from a local fallback spool file, parses them into
// event.ReadEvent values via an injected LineParser, and hands them to
// the Forwarder's journal. IPICO line parsing itself is an external
// collaborator per spec.md §1 — this package only defines the
// interface it needs from that collaborator.
package reader

import (
	"context"
	"time"

	"github.com/rustytimer/rusty-timer/internal/event"
)

// Line is one raw line read from a reader connection or spool file,
// before parsing.
type Line struct {
	Raw        string
	ReceivedAt time.Time
}

// ParsedLine is the result of successfully parsing a Line.
type ParsedLine struct {
	ReaderTimestamp time.Time
	RawFrame        []byte
	ReadType        event.ReadType
	TagID           *string
}

// LineParser converts a raw IPICO line into a ParsedLine. This is the
// out-of-scope peripheral library's interface (spec.md §1): "a pure
// string->record function supplied by a peripheral library".
type LineParser interface {
	Parse(line string) (ParsedLine, error)
}

// ParseError wraps a parse failure with the original line, so callers
// can log/count failures without losing the offending input.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "parse error"
}

func (e *ParseError) Unwrap() error { return e.Err }

// EventSource abstracts line production for testing and for the two
// real implementations (TCPSource, SpoolSource). Implementations must
// close both channels when ctx is cancelled or on fatal error.
type EventSource interface {
	Start(ctx context.Context) (<-chan Line, <-chan error, error)
}
