package call

import "time"

// Role is a participant's negotiation role for one session. It never
// changes after assignment except on full session reset.
type Role int

const (
	RoleNone Role = iota
	// RoleInitiator originates the offer (createSession callers).
	RoleInitiator
	// RoleResponder originates the answer (joinSession callers).
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "none"
	}
}

// ConnState is the published session-level connection state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	ConnError
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConnError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the published call session state. The zero value is the initial
// (no session) state; teardown resets to it exactly.
type State struct {
	SessionID       string
	Role            Role
	RemotePeerID    string
	ConnectionState ConnState
	Participants    []string
	// Err is a stable user-presentable message, set whenever
	// ConnectionState is ConnError.
	Err string
}

// MediaState is the published local/remote media state. Only the media
// layer writes the local flags; only the peer layer populates the remote
// side.
type MediaState struct {
	AudioEnabled    bool
	VideoEnabled    bool
	SharingScreen   bool
	HasLocalStream  bool
	HasRemoteStream bool
}

// Snapshot is what observers (the rendering collaborator) receive on every
// published change.
type Snapshot struct {
	Call  State
	Media MediaState
}

// Record summarizes one finished session attempt for the history store.
type Record struct {
	SessionID string
	Role      string
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   string
}
