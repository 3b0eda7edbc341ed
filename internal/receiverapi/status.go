package receiverapi

import (
	"net/http"

	"github.com/rustytimer/rusty-timer/internal/receiversession"
)

type statusView struct {
	ConnectionState receiversession.State `json:"connection_state"`
	DegradedStreams []streamStatusView    `json:"degraded_streams"`
}

// handleGetStatus serves GET /api/v1/status: the session's connection
// state plus any streams whose local rebroadcast is currently disabled
// by a port collision (spec.md §4.6, §7).
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	streams := s.session.Streams()
	degraded := make([]streamStatusView, 0)
	for _, st := range streams {
		if st.Degraded {
			degraded = append(degraded, toStreamStatusView(st))
		}
	}
	writeJSON(w, http.StatusOK, statusView{
		ConnectionState: s.session.State(),
		DegradedStreams: degraded,
	}, s.logger)
}

// handleConnect serves POST /api/v1/connect: starts the session's
// connection loop. Idempotent: calling it while already connected is a
// no-op at the lifecycle level.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.lifecycle.Connect()
	s.ctlHub.PublishConnectionStateChanged(statusView{ConnectionState: s.session.State()})
	w.WriteHeader(http.StatusAccepted)
}

// handleDisconnect serves POST /api/v1/disconnect: stops the
// connection loop and tears down any local rebroadcast listeners.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.lifecycle.Disconnect()
	s.ctlHub.PublishConnectionStateChanged(statusView{ConnectionState: receiversession.StateDisconnected})
	w.WriteHeader(http.StatusAccepted)
}
