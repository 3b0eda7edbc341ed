package serverapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rustytimer/rusty-timer/internal/ctlevents"
)

const ctlHeartbeatInterval = 20 * time.Second

// handleEventsSSE serves GET /api/v1/events: a live feed of
// stream_created/stream_updated/metrics_updated notifications for
// dashboards, grounded on the teacher's SSE stream handler (subscribe
// to a hub, heartbeat comment every 20s, exit on either side closing).
// resync is a defined event type, but no code path publishes it.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", s.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := s.ctlHub.Subscribe()
	defer s.ctlHub.Unsubscribe(sub)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(ctlHeartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			writeCtlEvent(w, e)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ":\n\n")
			flusher.Flush()

		case <-ctx.Done():
			return

		case <-sub.Done():
			return
		}
	}
}

func writeCtlEvent(w http.ResponseWriter, e ctlevents.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", e.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
