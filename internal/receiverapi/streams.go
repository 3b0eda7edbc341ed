package receiverapi

import (
	"encoding/json"
	"net/http"

	"github.com/rustytimer/rusty-timer/internal/receiversession"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

type streamStatusView struct {
	StreamKey streamkey.Key `json:"stream_key"`
	Port      int           `json:"port"`
	Degraded  bool          `json:"degraded"`
}

func toStreamStatusView(st receiversession.StreamStatus) streamStatusView {
	return streamStatusView{StreamKey: st.StreamKey, Port: st.Port, Degraded: st.Degraded}
}

// handleGetStreams serves GET /api/v1/streams: every stream the
// current mode selected, with its local rebroadcast port and whether
// it's degraded by a port collision.
func (s *Server) handleGetStreams(w http.ResponseWriter, r *http.Request) {
	streams := s.session.Streams()
	views := make([]streamStatusView, 0, len(streams))
	for _, st := range streams {
		views = append(views, toStreamStatusView(st))
	}
	writeJSON(w, http.StatusOK, views, s.logger)
}

type subscriptionRequest struct {
	Mode          wire.Mode      `json:"mode"`
	PortOverrides map[string]int `json:"port_overrides,omitempty"`
}

// handlePutSubscriptions serves PUT /api/v1/subscriptions: changes
// which streams the Receiver follows without touching the saved
// server_url/token, persisting the new selection and waking the live
// session to reconnect with it immediately.
func (s *Server) handlePutSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if err := req.Mode.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	p, err := s.store.LoadProfile(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, "no profile saved; PUT /api/v1/profile first", s.logger)
		return
	}
	p.Mode = req.Mode
	if req.PortOverrides != nil {
		p.PortOverrides = req.PortOverrides
	}
	if err := s.store.SaveProfile(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save subscriptions", s.logger)
		return
	}

	s.session.SetMode(p.Mode, p.PortOverrides)
	writeJSON(w, http.StatusOK, subscriptionRequest{Mode: p.Mode, PortOverrides: p.PortOverrides}, s.logger)
}
