// Package signal implements the signaling transport for a call session:
// a websocket channel scoped to one session plus the typed envelope codec
// used on the wire.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of signaling payload carried by an Envelope.
type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
)

// Envelope is one signaling message between the two call participants.
// Exactly one payload field is set, matching Type: SDP for offers and
// answers, Candidate for ice-candidate messages. To is optional; when
// present the receiver uses it to filter messages addressed to other peers.
type Envelope struct {
	Type      MessageType
	From      string
	To        string
	SDP       *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit
}

// wireEnvelope is the JSON shape on the wire:
// {"type": "...", "from": "...", "to": "...", "payload": {...}}
type wireEnvelope struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Type: e.Type,
		From: e.From,
		To:   e.To,
	}

	var payload interface{}
	switch e.Type {
	case TypeOffer, TypeAnswer:
		if e.SDP == nil {
			return nil, fmt.Errorf("envelope type %q requires a session description", e.Type)
		}
		payload = e.SDP
	case TypeICECandidate:
		if e.Candidate == nil {
			return nil, fmt.Errorf("envelope type %q requires a candidate", e.Type)
		}
		payload = e.Candidate
	default:
		return nil, fmt.Errorf("unknown envelope type: %q", e.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	w.Payload = raw

	return json.Marshal(w)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	out := Envelope{
		Type: w.Type,
		From: w.From,
		To:   w.To,
	}

	switch w.Type {
	case TypeOffer, TypeAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(w.Payload, &sd); err != nil {
			return fmt.Errorf("unmarshal %s payload: %w", w.Type, err)
		}
		out.SDP = &sd
	case TypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(w.Payload, &cand); err != nil {
			return fmt.Errorf("unmarshal candidate payload: %w", err)
		}
		out.Candidate = &cand
	default:
		return fmt.Errorf("unknown envelope type: %q", w.Type)
	}

	*e = out
	return nil
}
