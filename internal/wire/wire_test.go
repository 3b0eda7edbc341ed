package wire

import (
	"reflect"
	"testing"

	"github.com/rustytimer/rusty-timer/internal/streamkey"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	batch := ForwarderEventBatch{
		StreamKey: streamkey.Key{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"},
		Epoch:     1,
		FirstSeq:  1,
		LastSeq:   3,
	}

	env, err := Encode(KindForwarderEventBatch, batch)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if env.Kind != KindForwarderEventBatch {
		t.Fatalf("Kind = %q, want %q", env.Kind, KindForwarderEventBatch)
	}

	var got ForwarderEventBatch
	if err := env.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, batch) {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, batch)
	}
}

func TestErrorCode_Retryable(t *testing.T) {
	cases := map[ErrorCode]bool{
		CodeInvalidToken:      false,
		CodeIdentityMismatch:  false,
		CodeProtocolError:     false,
		CodeSessionExpired:    true,
		CodeIntegrityConflict: true,
		CodeInternalError:     true,
	}
	for code, want := range cases {
		if got := code.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", code, got, want)
		}
	}
}

func TestMode_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		wantErr bool
	}{
		{"live ok", Mode{Kind: ModeLive, Streams: []streamkey.Key{{ForwarderID: "a", ReaderIP: "b"}}}, false},
		{"live missing streams", Mode{Kind: ModeLive}, true},
		{"race ok", Mode{Kind: ModeRace, RaceID: "race-1"}, false},
		{"race missing id", Mode{Kind: ModeRace}, true},
		{"targeted ok", Mode{Kind: ModeTargetedReplay, Targets: []ReplayTarget{{Epoch: 1, FromSeq: 1}}}, false},
		{"targeted missing", Mode{Kind: ModeTargetedReplay}, true},
		{"unknown kind", Mode{Kind: "Bogus"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.mode.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
