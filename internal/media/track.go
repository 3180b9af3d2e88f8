package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// Track is a single local capture track. It is the only media handle the
// orchestrator and peer layers see; the device-backed implementation lives
// here so tests can substitute their own.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	// Enabled reports whether the track should currently be sent to the
	// remote peer. Toggling is idempotent-observable: two toggles return
	// the track to its original value.
	Enabled() bool
	SetEnabled(bool)
	// Stop releases the underlying capture device. Safe to call more than
	// once; the device is stopped exactly once.
	Stop()
	Stopped() bool
	// OnEnded registers a callback fired when the device ends the track on
	// its own, e.g. the user revokes screen sharing from the OS UI. It does
	// not fire for Stop.
	OnEnded(func())
	// Local exposes the underlying track for wiring into a peer connection.
	Local() webrtc.TrackLocal
}

// deviceTrack adapts a mediadevices capture track to the Track interface.
type deviceTrack struct {
	src     mediadevices.Track
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stop    sync.Once
	stopped atomic.Bool
}

func newDeviceTrack(src mediadevices.Track) *deviceTrack {
	t := &deviceTrack{
		src:  src,
		kind: src.Kind(),
	}
	t.enabled.Store(true)
	return t
}

func (t *deviceTrack) ID() string                { return t.src.ID() }
func (t *deviceTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *deviceTrack) Enabled() bool             { return t.enabled.Load() }
func (t *deviceTrack) SetEnabled(v bool)         { t.enabled.Store(v) }
func (t *deviceTrack) Stopped() bool             { return t.stopped.Load() }

func (t *deviceTrack) Stop() {
	t.stop.Do(func() {
		t.stopped.Store(true)
		t.src.Close()
	})
}

func (t *deviceTrack) OnEnded(fn func()) {
	t.src.OnEnded(func(error) {
		// A deliberate Stop also surfaces as an ended event from the driver;
		// only device-initiated ends reach the callback.
		if t.stopped.Load() {
			return
		}
		fn()
	})
}

func (t *deviceTrack) Local() webrtc.TrackLocal { return t.src }

// Stream is the set of local tracks for one session. At most one Stream is
// active per Manager; the Manager enforces that on Acquire.
type Stream struct {
	id string

	mu     sync.Mutex
	tracks []Track
}

// NewStream bundles tracks under one stream ID.
func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

// ID returns the stream's identifier, shared by its tracks on the wire.
func (s *Stream) ID() string { return s.id }

// Tracks returns a snapshot of the stream's tracks.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// TrackByKind returns the first track of the given kind, or nil.
func (s *Stream) TrackByKind(kind webrtc.RTPCodecType) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// SwapKind replaces the first track of the given kind with repl and returns
// the displaced track, which the caller must stop. The replacement
// inherits the displaced track's enabled flag. Returns nil and appends repl
// when no track of that kind existed.
func (s *Stream) SwapKind(kind webrtc.RTPCodecType, repl Track) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.Kind() == kind {
			repl.SetEnabled(t.Enabled())
			s.tracks[i] = repl
			return t
		}
	}
	s.tracks = append(s.tracks, repl)
	return nil
}

// Stop stops every track in the stream. Individual tracks stop exactly
// once regardless of how often this runs.
func (s *Stream) Stop() {
	s.mu.Lock()
	tracks := make([]Track, len(s.tracks))
	copy(tracks, s.tracks)
	s.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}
