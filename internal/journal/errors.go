package journal

import "errors"

// ErrFatal wraps journal errors that must abort the Forwarder process
// per spec.md §7 ("Storage integrity ... fatal; process exits"). Storage
// failures inside Append and ResetEpoch wrap it; other operations
// return ordinary errors.
var ErrFatal = errors.New("journal: fatal storage error")

// ErrUnknownStream names a stream with no stream_state row. No journal
// operation currently returns it: Ack on an unknown stream is a no-op
// that returns nil, and ResetEpoch creates the row.
var ErrUnknownStream = errors.New("journal: unknown stream")
