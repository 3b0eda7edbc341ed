// Package receiversession drives the Receiver's connection to the
// Server: one persistent websocket session speaking the v1.2
// mode-based protocol, rebroadcasting each stream's raw frames onto a
// local TCP listener, and pacing acks (spec.md §4.6). Its state
// states are the same five as internal/uplink's, as an explicit tagged
// enum; this package keeps no transition table of its own. The backoff
// calculator is shared, per spec.md's "same backoff policy as the
// Forwarder".
package receiversession

// State is one node of the receiver session's connection lifecycle.
type State string

const (
	StateDisconnected   State = "Disconnected"
	StateConnecting     State = "Connecting"
	StateAuthenticating State = "Authenticating"
	StateStreaming      State = "Streaming"
	StateBackoff        State = "Backoff"
)
