package receiverapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rustytimer/rusty-timer/internal/receiverstore"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

type profileView struct {
	ServerURL     string         `json:"server_url"`
	Token         string         `json:"token"`
	Mode          wire.Mode      `json:"mode"`
	PortOverrides map[string]int `json:"port_overrides,omitempty"`
}

func toProfileView(p receiverstore.Profile) profileView {
	return profileView{
		ServerURL:     p.ServerURL,
		Token:         p.Token,
		Mode:          p.Mode,
		PortOverrides: p.PortOverrides,
	}
}

// handleGetProfile serves GET /api/v1/profile: the operator's saved
// server URL, token, and mode selection, or 404 before first setup.
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.LoadProfile(r.Context())
	if errors.Is(err, receiverstore.ErrNoProfile) {
		writeError(w, http.StatusNotFound, "no profile saved", s.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load profile", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, toProfileView(p), s.logger)
}

// handlePutProfile serves PUT /api/v1/profile: saves connection
// details and immediately applies the mode to the live session, so an
// operator switching from Live to a specific race's Race mode doesn't
// need a separate reconnect step.
func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req profileView
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if req.ServerURL == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "server_url and token are required", s.logger)
		return
	}
	if err := req.Mode.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	p := receiverstore.Profile{
		ServerURL:     req.ServerURL,
		Token:         req.Token,
		Mode:          req.Mode,
		PortOverrides: req.PortOverrides,
	}
	if err := s.store.SaveProfile(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save profile", s.logger)
		return
	}

	s.session.SetMode(p.Mode, p.PortOverrides)
	writeJSON(w, http.StatusOK, toProfileView(p), s.logger)
}
