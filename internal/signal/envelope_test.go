package signal

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestEnvelopeWireShape(t *testing.T) {
	env := Envelope{
		Type: TypeOffer,
		From: "alice",
		To:   "bob",
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Failed to marshal envelope: %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Failed to unmarshal wire form: %v", err)
	}

	for _, key := range []string{"type", "from", "to", "payload"} {
		if _, ok := wire[key]; !ok {
			t.Fatalf("Wire envelope missing %q key: %s", key, data)
		}
	}
	if string(wire["type"]) != `"offer"` {
		t.Fatalf("Unexpected type on the wire: %s", wire["type"])
	}
}

func TestEnvelopeDecode(t *testing.T) {
	testCases := []struct {
		name          string
		raw           string
		wantType      MessageType
		wantSDP       bool
		wantCandidate bool
	}{
		{
			name:     "offer",
			raw:      `{"type":"offer","from":"a","payload":{"type":"offer","sdp":"v=0"}}`,
			wantType: TypeOffer,
			wantSDP:  true,
		},
		{
			name:     "answer",
			raw:      `{"type":"answer","from":"b","to":"a","payload":{"type":"answer","sdp":"v=0"}}`,
			wantType: TypeAnswer,
			wantSDP:  true,
		},
		{
			name:          "ice candidate",
			raw:           `{"type":"ice-candidate","from":"a","payload":{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host"}}`,
			wantType:      TypeICECandidate,
			wantCandidate: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var env Envelope
			if err := json.Unmarshal([]byte(tc.raw), &env); err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			if env.Type != tc.wantType {
				t.Fatalf("Type = %q, want %q", env.Type, tc.wantType)
			}
			if (env.SDP != nil) != tc.wantSDP {
				t.Fatalf("SDP presence = %v, want %v", env.SDP != nil, tc.wantSDP)
			}
			if (env.Candidate != nil) != tc.wantCandidate {
				t.Fatalf("Candidate presence = %v, want %v", env.Candidate != nil, tc.wantCandidate)
			}
		})
	}
}

func TestEnvelopeDecodeRejectsUnknownType(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"type":"renegotiate","from":"a","payload":{}}`), &env)
	if err == nil {
		t.Fatal("Expected error for unknown envelope type")
	}
	if !strings.Contains(err.Error(), "unknown envelope type") {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestEnvelopeEncodeRequiresPayload(t *testing.T) {
	testCases := []struct {
		name string
		env  Envelope
	}{
		{"offer without sdp", Envelope{Type: TypeOffer, From: "a"}},
		{"answer without sdp", Envelope{Type: TypeAnswer, From: "a"}},
		{"candidate without candidate", Envelope{Type: TypeICECandidate, From: "a"}},
		{"unknown type", Envelope{Type: "bye", From: "a"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := json.Marshal(tc.env); err == nil {
				t.Fatal("Expected marshal error")
			}
		})
	}
}
