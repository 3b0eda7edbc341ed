// Package uplink implements the Forwarder's WebSocket client: an
// explicit state machine that authenticates to the Server, batches
// unacked journal rows per stream, and applies exponential backoff on
// failure. States are a tagged enum, not boolean flags, so a reader
// can see the full transition graph in one place.
package uplink

// State is one node of the uplink's connection lifecycle.
type State string

const (
	StateDisconnected   State = "Disconnected"
	StateConnecting     State = "Connecting"
	StateAuthenticating State = "Authenticating"
	StateStreaming      State = "Streaming"
	StateBackoff        State = "Backoff"
)

// validTransitions enumerates the allowed edges of the state graph;
// anything else is a programming error, not a runtime condition.
var validTransitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateBackoff},
	StateAuthenticating: {StateStreaming, StateBackoff},
	StateStreaming:      {StateBackoff, StateDisconnected},
	StateBackoff:        {StateConnecting, StateDisconnected},
}

func (s State) canTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
