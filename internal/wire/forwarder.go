package wire

import (
	"time"

	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

// JournaledMark describes, for one stream, the Forwarder's local
// journal position at the moment it issues ForwarderHello. The Server
// uses this only to decide whether to emit an EpochResetCommand; it is
// not an acknowledgement of anything.
type JournaledMark struct {
	StreamKey streamkey.Key `json:"stream_key"`
	Epoch     int64         `json:"epoch"`
	NextSeq   int64         `json:"next_seq"`
}

// ForwarderHello is the first frame a Forwarder sends after the
// websocket upgrade completes.
type ForwarderHello struct {
	ForwarderID     string          `json:"forwarder_id"`
	Token           string          `json:"token"`
	ProtocolVersion int             `json:"protocol_version"`
	LastJournaled   []JournaledMark `json:"last_journaled"`
}

// ForwarderEventBatch carries a contiguous run of events for one
// (stream, epoch). first_seq/last_seq are redundant with the events
// slice but let the Server validate contiguity without decoding events.
type ForwarderEventBatch struct {
	StreamKey streamkey.Key     `json:"stream_key"`
	Epoch     int64             `json:"epoch"`
	Events    []event.ReadEvent `json:"events"`
	FirstSeq  int64             `json:"first_seq"`
	LastSeq   int64             `json:"last_seq"`
}

// Heartbeat is sent by the Server every 30s on both websocket
// endpoints to let the peer detect a dead connection without relying
// solely on TCP keepalive.
type Heartbeat struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	SentAt    time.Time `json:"sent_at"`
}

// ForwarderAck is the Server's proof that a batch is durable. A batch
// is never acked until its transaction has committed.
type ForwarderAck struct {
	StreamKey      streamkey.Key `json:"stream_key"`
	Epoch          int64         `json:"epoch"`
	AckedThroughSeq int64        `json:"acked_through_seq"`
}

// EpochResetCommand forces the Forwarder to bump its local epoch,
// e.g. in response to an operator-initiated POST /reset-epoch.
type EpochResetCommand struct {
	StreamKey streamkey.Key `json:"stream_key"`
	NewEpoch  int64         `json:"new_epoch"`
}
