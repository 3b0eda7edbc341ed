package serverapi

import (
	"net/http"

	"github.com/rustytimer/rusty-timer/internal/ingestsvc"
)

// handleForwarderWS upgrades the connection and hands it to an
// ingestsvc.Session for the lifetime of the websocket (spec.md §4.4).
// *websocket.Conn satisfies ingestsvc's unexported wsConn interface
// structurally, the same way it satisfies uplink's on the client side.
func (s *Server) handleForwarderWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("forwarder websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sess := ingestsvc.NewSession(conn, s.store, s.hub,
		ingestsvc.WithRegistry(s.registry),
		ingestsvc.WithNotifier(s.ctlHub),
		ingestsvc.WithLogger(s.logger),
	)
	if err := sess.Run(r.Context()); err != nil {
		s.logger.Info("forwarder session ended", "error", err)
	}
}
