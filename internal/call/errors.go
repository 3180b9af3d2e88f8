package call

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by operations whose session was torn down
// while they were suspended; their results have been discarded.
var ErrSessionClosed = errors.New("session closed")

// ErrorKind classifies a call failure.
type ErrorKind int

const (
	// KindMediaAccess: device permission or availability failure. Terminal
	// for the session attempt; no automatic retry.
	KindMediaAccess ErrorKind = iota
	// KindSignaling: channel open or send failure. Non-fatal; the user may
	// retry by leaving and rejoining.
	KindSignaling
	// KindNegotiation: malformed or unexpected SDP/candidate. Logged and
	// swallowed per message; the session continues.
	KindNegotiation
	// KindSessionService: create/join call against the session service
	// failed. Terminal; the operation rejects.
	KindSessionService
)

func (k ErrorKind) String() string {
	switch k {
	case KindMediaAccess:
		return "media-access"
	case KindSignaling:
		return "signaling"
	case KindNegotiation:
		return "negotiation"
	case KindSessionService:
		return "session-service"
	default:
		return "unknown"
	}
}

// Error carries the taxonomy kind, a stable user-presentable message, and
// the underlying cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Stable user-facing messages; the renderer shows these verbatim.
const (
	msgMediaDenied     = "camera or microphone unavailable; check permissions"
	msgScreenDenied    = "screen capture unavailable"
	msgSignaling       = "signaling error"
	msgConnectionSetup = "could not set up the call connection"
	msgConnectionLost  = "connection lost; leave and rejoin the session"
	msgCreateFailed    = "could not create session"
	msgJoinFailed      = "could not join session"
)
