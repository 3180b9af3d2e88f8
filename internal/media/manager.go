// Package media acquires and releases local capture devices for a call
// session: camera+microphone streams, on-demand display capture, and
// track-level enable/disable.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // register display-capture adapter

	"github.com/mikeyg42/peercall/internal/config"
)

// Manager owns local device capture for one session at a time. Acquire
// releases any previously held stream before opening devices again, so at
// most one active capture exists per session and no device handle is
// orphaned by a reacquire.
type Manager struct {
	cfg      config.MediaConfig
	log      *zap.Logger
	selector *mediadevices.CodecSelector

	// Capture entry points, swappable in tests.
	getUserMedia    func(mediadevices.MediaStreamConstraints) ([]Track, error)
	getDisplayMedia func(mediadevices.MediaStreamConstraints) ([]Track, error)

	mu     sync.Mutex
	stream *Stream
}

// NewManager builds a manager with the session's codec selector.
func NewManager(cfg config.MediaConfig, log *zap.Logger) (*Manager, error) {
	selector, err := newCodecSelector(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:             cfg,
		log:             log.Named("media"),
		selector:        selector,
		getUserMedia:    captureUserMedia,
		getDisplayMedia: captureDisplayMedia,
	}, nil
}

func captureUserMedia(c mediadevices.MediaStreamConstraints) ([]Track, error) {
	src, err := mediadevices.GetUserMedia(c)
	if err != nil {
		return nil, err
	}
	return wrapTracks(src), nil
}

func captureDisplayMedia(c mediadevices.MediaStreamConstraints) ([]Track, error) {
	src, err := mediadevices.GetDisplayMedia(c)
	if err != nil {
		return nil, err
	}
	return wrapTracks(src), nil
}

func wrapTracks(src mediadevices.MediaStream) []Track {
	var out []Track
	for _, t := range src.GetTracks() {
		out = append(out, newDeviceTrack(t))
	}
	return out
}

// CodecSelector exposes the selector so the peer layer can populate its
// media engine with the same codecs the capture pipeline encodes to.
func (m *Manager) CodecSelector() *mediadevices.CodecSelector { return m.selector }

// Stream returns the currently held local stream, or nil.
func (m *Manager) Stream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// Acquire opens the camera and microphone and returns the local stream.
// Any previously held stream is released first. Device denial or absence is
// terminal for the attempt; the caller maps it to a user-facing permission
// error and does not retry.
func (m *Manager) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.Release()

	tracks, err := m.getUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(m.cfg.VideoWidth)
			c.Height = prop.Int(m.cfg.VideoHeight)
			c.FrameRate = prop.Float(m.cfg.FrameRate)
			// Raw formats only: some cameras expose MJPEG nodes that emit
			// malformed frames and poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUY2,
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatRGBA,
			}
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(m.cfg.SampleRate)
			c.ChannelCount = prop.Int(m.cfg.ChannelCount)
			c.SampleSize = prop.Int(16)
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(m.cfg.AudioLatency)
		},
		Codec: m.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	stream := NewStream(uuid.NewString(), tracks...)

	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()

	m.log.Info("local media acquired",
		zap.String("stream", stream.ID()),
		zap.Int("tracks", len(stream.tracks)))
	return stream, nil
}

// AcquireVideo opens a fresh camera-only track, used to restore the camera
// after screen sharing ends. It does not touch the held stream; the caller
// swaps the track in.
func (m *Manager) AcquireVideo(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tracks, err := m.getUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(m.cfg.VideoWidth)
			c.Height = prop.Int(m.cfg.VideoHeight)
			c.FrameRate = prop.Float(m.cfg.FrameRate)
		},
		Codec: m.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("reacquire camera: %w", err)
	}

	t := firstOfKind(tracks, webrtc.RTPCodecTypeVideo)
	if t == nil {
		return nil, fmt.Errorf("reacquire camera: no video track")
	}
	return t, nil
}

func firstOfKind(tracks []Track, kind webrtc.RTPCodecType) Track {
	for _, t := range tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// AcquireDisplay opens a display-capture track for screen sharing.
func (m *Manager) AcquireDisplay(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tracks, err := m.getDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(m.cfg.FrameRate)
		},
		Codec: m.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}

	t := firstOfKind(tracks, webrtc.RTPCodecTypeVideo)
	if t == nil {
		return nil, fmt.Errorf("get display media: no video track")
	}

	m.log.Info("display capture started")
	return t, nil
}

// ToggleKind flips the enabled flag on the first track of the given kind.
// Returns the new enabled value and whether such a track existed.
func (m *Manager) ToggleKind(kind webrtc.RTPCodecType) (bool, bool) {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()

	if stream == nil {
		return false, false
	}
	t := stream.TrackByKind(kind)
	if t == nil {
		return false, false
	}
	next := !t.Enabled()
	t.SetEnabled(next)
	m.log.Debug("track toggled",
		zap.String("kind", kind.String()),
		zap.Bool("enabled", next))
	return next, true
}

// Release stops every held track and drops the stream. Idempotent.
func (m *Manager) Release() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream == nil {
		return
	}
	stream.Stop()
	m.log.Info("local media released", zap.String("stream", stream.ID()))
}
