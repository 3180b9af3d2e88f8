package media

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// fakeTrack is an in-memory Track for tests. stops counts device-level
// stops, which the Track contract caps at one.
type fakeTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stopped atomic.Bool
	stops   atomic.Int32
	onEnded func()
}

func newFakeTrack(id string, kind webrtc.RTPCodecType) *fakeTrack {
	t := &fakeTrack{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (f *fakeTrack) ID() string                { return f.id }
func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) Enabled() bool             { return f.enabled.Load() }
func (f *fakeTrack) SetEnabled(v bool)         { f.enabled.Store(v) }
func (f *fakeTrack) Stopped() bool             { return f.stopped.Load() }
func (f *fakeTrack) OnEnded(fn func())         { f.onEnded = fn }
func (f *fakeTrack) Local() webrtc.TrackLocal  { return nil }

func (f *fakeTrack) Stop() {
	if f.stopped.CompareAndSwap(false, true) {
		f.stops.Add(1)
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testMediaConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return m
}

func stubCapture(tracks ...Track) func(mediadevices.MediaStreamConstraints) ([]Track, error) {
	return func(mediadevices.MediaStreamConstraints) ([]Track, error) {
		return tracks, nil
	}
}

func TestAcquireReleasesPrevious(t *testing.T) {
	m := newTestManager(t)

	firstAudio := newFakeTrack("a1", webrtc.RTPCodecTypeAudio)
	firstVideo := newFakeTrack("v1", webrtc.RTPCodecTypeVideo)
	m.getUserMedia = stubCapture(firstAudio, firstVideo)

	first, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	secondAudio := newFakeTrack("a2", webrtc.RTPCodecTypeAudio)
	m.getUserMedia = stubCapture(secondAudio)

	second, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}
	if second.ID() == first.ID() {
		t.Fatal("Reacquire should produce a new stream")
	}

	if !firstAudio.Stopped() || !firstVideo.Stopped() {
		t.Fatal("Previous stream's tracks should be stopped by reacquire")
	}
	if secondAudio.Stopped() {
		t.Fatal("New stream's track should not be stopped")
	}
	if m.Stream() != second {
		t.Fatal("Manager should hold the new stream")
	}
}

func TestAcquireFailurePropagates(t *testing.T) {
	m := newTestManager(t)
	captureErr := errors.New("device busy")
	m.getUserMedia = func(mediadevices.MediaStreamConstraints) ([]Track, error) {
		return nil, captureErr
	}

	if _, err := m.Acquire(context.Background()); !errors.Is(err, captureErr) {
		t.Fatalf("Expected capture error, got %v", err)
	}
	if m.Stream() != nil {
		t.Fatal("Failed acquire must not leave a stream behind")
	}
}

func TestToggleKindParity(t *testing.T) {
	m := newTestManager(t)
	audio := newFakeTrack("a", webrtc.RTPCodecTypeAudio)
	m.getUserMedia = stubCapture(audio)

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	enabled, ok := m.ToggleKind(webrtc.RTPCodecTypeAudio)
	if !ok || enabled {
		t.Fatalf("First toggle = (%v, %v), want (false, true)", enabled, ok)
	}
	enabled, ok = m.ToggleKind(webrtc.RTPCodecTypeAudio)
	if !ok || !enabled {
		t.Fatalf("Second toggle = (%v, %v), want (true, true)", enabled, ok)
	}
	if !audio.Enabled() {
		t.Fatal("Two toggles should restore the original enabled value")
	}
}

func TestToggleKindWithoutTrack(t *testing.T) {
	m := newTestManager(t)

	if _, ok := m.ToggleKind(webrtc.RTPCodecTypeVideo); ok {
		t.Fatal("Toggle without a stream should report no track")
	}

	m.getUserMedia = stubCapture(newFakeTrack("a", webrtc.RTPCodecTypeAudio))
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, ok := m.ToggleKind(webrtc.RTPCodecTypeVideo); ok {
		t.Fatal("Toggle for an absent kind should report no track")
	}
}

func TestAcquireDisplayRequiresVideo(t *testing.T) {
	m := newTestManager(t)

	m.getDisplayMedia = stubCapture(newFakeTrack("d", webrtc.RTPCodecTypeVideo))
	track, err := m.AcquireDisplay(context.Background())
	if err != nil {
		t.Fatalf("AcquireDisplay failed: %v", err)
	}
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatalf("Display track kind = %v", track.Kind())
	}

	m.getDisplayMedia = stubCapture()
	if _, err := m.AcquireDisplay(context.Background()); err == nil {
		t.Fatal("Expected error when display capture yields no video track")
	}
}

func TestReleaseIdempotentStopsOnce(t *testing.T) {
	m := newTestManager(t)
	audio := newFakeTrack("a", webrtc.RTPCodecTypeAudio)
	m.getUserMedia = stubCapture(audio)

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	m.Release()
	m.Release()

	if got := audio.stops.Load(); got != 1 {
		t.Fatalf("Track stopped %d times, want 1", got)
	}
	if m.Stream() != nil {
		t.Fatal("Release should drop the held stream")
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context error, got %v", err)
	}
}
