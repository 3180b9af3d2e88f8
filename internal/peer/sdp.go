package peer

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// SDPValidationError reports a structurally unusable session description.
type SDPValidationError struct {
	Field   string
	Message string
}

func (e *SDPValidationError) Error() string {
	return fmt.Sprintf("SDP validation error in %s: %s", e.Field, e.Message)
}

// validateSDP rejects descriptions that cannot possibly negotiate a media
// session before they are handed to the transport. A malformed description
// from the remote peer must not take the session down, so callers treat a
// validation failure as a per-message error.
func validateSDP(sd *webrtc.SessionDescription) error {
	if sd == nil {
		return &SDPValidationError{Field: "SessionDescription", Message: "is nil"}
	}

	var (
		hasAudio   bool
		hasVideo   bool
		hasICE     bool
		hasDTLS    bool
		mediaCount int
	)

	for _, line := range strings.Split(sd.SDP, "\n") {
		switch {
		case strings.HasPrefix(line, "m="):
			mediaCount++
			if strings.HasPrefix(line, "m=audio") {
				hasAudio = true
			}
			if strings.HasPrefix(line, "m=video") {
				hasVideo = true
			}
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			hasICE = true
		case strings.HasPrefix(line, "a=fingerprint:"):
			if strings.TrimSpace(strings.TrimPrefix(line, "a=fingerprint:")) != "" {
				hasDTLS = true
			}
		}
	}

	if mediaCount == 0 {
		return &SDPValidationError{Field: "Media", Message: "no media sections found"}
	}
	if !hasICE {
		return &SDPValidationError{Field: "ICE", Message: "no ICE credentials found"}
	}
	if !hasDTLS {
		return &SDPValidationError{Field: "DTLS", Message: "no DTLS fingerprint found"}
	}
	if !hasAudio && !hasVideo {
		return &SDPValidationError{Field: "Media", Message: "neither audio nor video tracks found"}
	}

	return nil
}
