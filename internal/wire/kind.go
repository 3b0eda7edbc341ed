// Package wire defines the single tagged envelope that carries every
// message in both the Forwarder<->Server and Receiver<->Server
// protocols (spec.md §4.1). One Kind discriminant, one JSON shape per
// direction, frozen error codes.
package wire

import "encoding/json"

// Kind discriminates envelope payloads.
type Kind string

const (
	KindForwarderHello      Kind = "ForwarderHello"
	KindForwarderEventBatch Kind = "ForwarderEventBatch"
	KindHeartbeat           Kind = "Heartbeat"
	KindForwarderAck        Kind = "ForwarderAck"
	KindEpochResetCommand   Kind = "EpochResetCommand"
	KindErrorMessage        Kind = "ErrorMessage"

	KindReceiverHelloV12    Kind = "ReceiverHelloV12"
	KindReceiverModeApplied Kind = "ReceiverModeApplied"
	KindReceiverEventBatch  Kind = "ReceiverEventBatch"
	KindReceiverAck         Kind = "ReceiverAck"
)

// Envelope is the outer frame: a Kind discriminant and a raw payload
// decoded into the concrete type matching Kind.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a concrete message in an Envelope with the given Kind.
func Encode(kind Kind, msg any) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Payload: payload}, nil
}

// Decode unmarshals the envelope's payload into dst, which must be a
// pointer to the concrete type matching the caller's expectation of
// e.Kind.
func (e Envelope) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}
