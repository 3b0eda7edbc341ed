package ingestsvc

import (
	"sync"

	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

// Registry tracks live Sessions by forwarder_id so an operator's
// POST /api/v1/streams/{id}/reset-epoch can push an EpochResetCommand
// immediately to a connected Forwarder, instead of only taking effect
// on its next reconnect (spec.md §4.3/§4.4).
type Registry struct {
	mu   sync.Mutex
	byID map[string][]*Session
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string][]*Session)}
}

func (r *Registry) register(forwarderID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[forwarderID] = append(r.byID[forwarderID], s)
}

func (r *Registry) unregister(forwarderID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.byID[forwarderID]
	for i, cand := range sessions {
		if cand == s {
			r.byID[forwarderID] = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(r.byID[forwarderID]) == 0 {
		delete(r.byID, forwarderID)
	}
}

// PushEpochReset delivers newEpoch to every live session for
// forwarderID. Returns false if the forwarder has no live session, in
// which case the caller relies on the persisted stream_epoch being
// picked up when the Forwarder next connects.
func (r *Registry) PushEpochReset(forwarderID string, key streamkey.Key, newEpoch int64) bool {
	r.mu.Lock()
	sessions := append([]*Session(nil), r.byID[forwarderID]...)
	r.mu.Unlock()

	if len(sessions) == 0 {
		return false
	}
	for _, s := range sessions {
		s.pushEpochReset(key, newEpoch)
	}
	return true
}
