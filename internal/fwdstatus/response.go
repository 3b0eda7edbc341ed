package fwdstatus

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON buffers the encoding so an encode failure never leaves a
// partially-written response with a 200 header already sent.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		logger.Error("json encode failed", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, public string, logger *slog.Logger) {
	if public == "" {
		public = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: public}, logger)
}
