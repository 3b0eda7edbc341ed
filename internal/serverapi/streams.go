package serverapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rustytimer/rusty-timer/internal/serverstore"
)

type streamView struct {
	StreamID     int64   `json:"stream_id"`
	ForwarderID  string  `json:"forwarder_id"`
	ReaderIP     string  `json:"reader_ip"`
	DisplayAlias *string `json:"display_alias,omitempty"`
	StreamEpoch  int64   `json:"stream_epoch"`
	Online       bool    `json:"online"`
}

func toStreamView(st serverstore.Stream) streamView {
	return streamView{
		StreamID:     st.StreamID,
		ForwarderID:  st.ForwarderID,
		ReaderIP:     st.ReaderIP,
		DisplayAlias: st.DisplayAlias,
		StreamEpoch:  st.StreamEpoch,
		Online:       st.Online,
	}
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := s.store.ListStreams(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list streams", s.logger)
		return
	}
	views := make([]streamView, 0, len(streams))
	for _, st := range streams {
		views = append(views, toStreamView(st))
	}
	writeJSON(w, http.StatusOK, views, s.logger)
}

func parseStreamID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (s *Server) handleSetDisplayAlias(w http.ResponseWriter, r *http.Request) {
	streamID, err := parseStreamID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream id", s.logger)
		return
	}

	var req struct {
		DisplayAlias string `json:"display_alias"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}

	if err := s.store.SetDisplayAlias(r.Context(), streamID, req.DisplayAlias); err != nil {
		writeError(w, http.StatusNotFound, "stream not found", s.logger)
		return
	}

	st, err := s.store.StreamByID(r.Context(), streamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload stream", s.logger)
		return
	}
	view := toStreamView(st)
	s.ctlHub.PublishStreamUpdated(streamID, view)
	writeJSON(w, http.StatusOK, view, s.logger)
}

type streamMetricsView struct {
	StreamID             int64  `json:"stream_id"`
	RawCount             int64  `json:"raw_count"`
	DedupCount           int64  `json:"dedup_count"`
	RetransmitCount      int64  `json:"retransmit_count"`
	EpochRawCount        int64  `json:"epoch_raw_count"`
	EpochDedupCount      int64  `json:"epoch_dedup_count"`
	EpochRetransmitCount int64  `json:"epoch_retransmit_count"`
	CurrentEpoch         int64  `json:"current_epoch"`
	LastTagID            string `json:"last_tag_id,omitempty"`
}

func (s *Server) handleStreamMetrics(w http.ResponseWriter, r *http.Request) {
	streamID, err := parseStreamID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream id", s.logger)
		return
	}

	m, err := s.store.StreamMetricsByID(r.Context(), streamID)
	if err != nil {
		writeError(w, http.StatusNotFound, "stream not found", s.logger)
		return
	}

	view := streamMetricsView{
		StreamID:             m.StreamID,
		RawCount:             m.RawCount,
		DedupCount:           m.DedupCount,
		RetransmitCount:      m.RetransmitCount,
		EpochRawCount:        m.EpochRawCount,
		EpochDedupCount:      m.EpochDedupCount,
		EpochRetransmitCount: m.EpochRetransmitCount,
		CurrentEpoch:         m.CurrentEpoch,
	}
	if m.LastTagID != nil {
		view.LastTagID = *m.LastTagID
	}
	writeJSON(w, http.StatusOK, view, s.logger)
}

// handleResetEpoch bumps the stream's epoch and pushes an
// EpochResetCommand to a live Forwarder session if one is connected
// (spec.md §4.4's reset-epoch flow, S3 in the worked examples).
func (s *Server) handleResetEpoch(w http.ResponseWriter, r *http.Request) {
	streamID, err := parseStreamID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream id", s.logger)
		return
	}

	st, err := s.store.StreamByID(r.Context(), streamID)
	if err != nil {
		writeError(w, http.StatusNotFound, "stream not found", s.logger)
		return
	}

	newEpoch, err := s.store.ResetStreamEpoch(r.Context(), streamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset epoch", s.logger)
		return
	}

	key := streamKeyOf(st)
	pushed := false
	if s.registry != nil {
		pushed = s.registry.PushEpochReset(st.ForwarderID, key, newEpoch)
	}
	s.ctlHub.PublishStreamUpdated(streamID, struct {
		StreamEpoch int64 `json:"stream_epoch"`
	}{StreamEpoch: newEpoch})

	writeJSON(w, http.StatusOK, struct {
		StreamID     int64 `json:"stream_id"`
		NewEpoch     int64 `json:"new_epoch"`
		PushedToLive bool  `json:"pushed_to_live"`
	}{StreamID: streamID, NewEpoch: newEpoch, PushedToLive: pushed}, s.logger)
}

func (s *Server) handleExportTxt(w http.ResponseWriter, r *http.Request) {
	s.handleExport(w, r, formatTxt)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	s.handleExport(w, r, formatCSV)
}

type exportFormat int

const (
	formatTxt exportFormat = iota
	formatCSV
)

// handleExport streams every persisted event for a stream in cursor
// pages, so a long race history never has to fit in memory at once.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, format exportFormat) {
	streamID, err := parseStreamID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stream id", s.logger)
		return
	}

	if format == formatCSV {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		fmt.Fprintln(w, "stream_epoch,seq,reader_timestamp,read_type,tag_id,received_at")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	flusher, _ := w.(http.Flusher)

	const pageSize = 500
	epoch, seq := int64(0), int64(0)
	for {
		rows, err := s.store.QueryEventsAfter(r.Context(), streamID, epoch, seq, pageSize)
		if err != nil || len(rows) == 0 {
			break
		}
		for _, ev := range rows {
			tag := ""
			if ev.TagID != nil {
				tag = *ev.TagID
			}
			if format == formatCSV {
				fmt.Fprintf(w, "%d,%d,%s,%s,%s,%s\n", ev.StreamEpoch, ev.Seq, ev.ReaderTimestamp.Format("2006-01-02T15:04:05.000Z07:00"), ev.ReadType, tag, ev.ReceivedAt.Format("2006-01-02T15:04:05.000Z07:00"))
			} else {
				fmt.Fprintf(w, "epoch=%d seq=%d ts=%s type=%s tag=%s\n", ev.StreamEpoch, ev.Seq, ev.ReaderTimestamp.Format("2006-01-02T15:04:05.000Z07:00"), ev.ReadType, tag)
			}
			epoch, seq = ev.StreamEpoch, ev.Seq
		}
		if flusher != nil {
			flusher.Flush()
		}
		if len(rows) < pageSize {
			break
		}
	}
}
