package peer

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// aggregationMode records which delivery style the transport is using for
// remote tracks. Both occur over a call's lifetime: initial negotiation
// usually delivers a stream bundle (tracks sharing a stream ID), while
// renegotiation can deliver bare tracks with no bundle.
type aggregationMode int

const (
	modeUnset aggregationMode = iota
	modeBundled
	modeBareTracks
)

// RemoteStream aggregates inbound remote tracks into one stream handle for
// the rendering collaborator. Renderers borrow the track handles and must
// never stop them.
type RemoteStream struct {
	mu    sync.Mutex
	mode  aggregationMode
	id    string
	audio *webrtc.TrackRemote
	video *webrtc.TrackRemote
	stats map[webrtc.RTPCodecType]*TrackStats
}

// TrackStats counts inbound RTP traffic for one track kind.
type TrackStats struct {
	Packets uint64
	Bytes   uint64
	LastSeq uint16
}

// addTrack incorporates a newly received track. The first track fixes the
// aggregation mode; the mode never flips afterwards. In bundled mode a
// track from a different bundle is dropped (a two-party call has exactly
// one remote stream). Returns whether the track was accepted.
func (r *RemoteStream) addTrack(t *webrtc.TrackRemote) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.classifyLocked(t.StreamID(), t.Kind()) {
		return false
	}
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		r.audio = t
	} else {
		r.video = t
	}
	return true
}

// classifyLocked applies the aggregation rules for a track with the given
// bundle membership and kind, fixing the mode on first use.
func (r *RemoteStream) classifyLocked(streamID string, kind webrtc.RTPCodecType) bool {
	switch r.mode {
	case modeUnset:
		if streamID != "" {
			r.mode = modeBundled
			r.id = streamID
		} else {
			r.mode = modeBareTracks
			r.id = "remote-" + uuid.NewString()
		}
	case modeBundled:
		if streamID != "" && streamID != r.id {
			return false
		}
	case modeBareTracks:
		// accumulate anything
	}
	return kind == webrtc.RTPCodecTypeAudio || kind == webrtc.RTPCodecTypeVideo
}

// ID returns the remote stream identifier, empty until a track arrives.
func (r *RemoteStream) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// AudioTrack returns the remote audio track, or nil.
func (r *RemoteStream) AudioTrack() *webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audio
}

// VideoTrack returns the remote video track, or nil.
func (r *RemoteStream) VideoTrack() *webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.video
}

// recordPacket accounts one inbound packet for the given kind.
func (r *RemoteStream) recordPacket(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats == nil {
		r.stats = make(map[webrtc.RTPCodecType]*TrackStats)
	}
	s, ok := r.stats[kind]
	if !ok {
		s = &TrackStats{}
		r.stats[kind] = s
	}
	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))
	s.LastSeq = pkt.SequenceNumber
}

// Stats returns a copy of the receive counters for the given kind.
func (r *RemoteStream) Stats(kind webrtc.RTPCodecType) TrackStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[kind]; ok {
		return *s
	}
	return TrackStats{}
}

// HasMedia reports whether any remote track has arrived.
func (r *RemoteStream) HasMedia() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audio != nil || r.video != nil
}
