package media

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/peercall/internal/config"
)

func testMediaConfig() config.MediaConfig {
	return config.NewDefaultConfig().Media
}

func TestStreamSwapKind(t *testing.T) {
	camera := newFakeTrack("cam", webrtc.RTPCodecTypeVideo)
	camera.SetEnabled(false)
	audio := newFakeTrack("mic", webrtc.RTPCodecTypeAudio)
	stream := NewStream("s1", audio, camera)

	display := newFakeTrack("screen", webrtc.RTPCodecTypeVideo)
	old := stream.SwapKind(webrtc.RTPCodecTypeVideo, display)

	if old != Track(camera) {
		t.Fatalf("SwapKind returned %v, want the displaced camera track", old)
	}
	if display.Enabled() {
		t.Fatal("Replacement should inherit the displaced track's enabled flag")
	}
	if got := stream.TrackByKind(webrtc.RTPCodecTypeVideo); got != Track(display) {
		t.Fatalf("Video track after swap = %v, want the display track", got)
	}
	if got := stream.TrackByKind(webrtc.RTPCodecTypeAudio); got != Track(audio) {
		t.Fatal("Audio track should be untouched by a video swap")
	}
	if camera.Stopped() {
		t.Fatal("SwapKind must not stop the displaced track")
	}
}

func TestStreamSwapKindAppendsWhenAbsent(t *testing.T) {
	stream := NewStream("s1", newFakeTrack("mic", webrtc.RTPCodecTypeAudio))

	display := newFakeTrack("screen", webrtc.RTPCodecTypeVideo)
	if old := stream.SwapKind(webrtc.RTPCodecTypeVideo, display); old != nil {
		t.Fatalf("SwapKind with no existing track returned %v, want nil", old)
	}
	if got := stream.TrackByKind(webrtc.RTPCodecTypeVideo); got != Track(display) {
		t.Fatal("Appended track should be retrievable by kind")
	}
	if len(stream.Tracks()) != 2 {
		t.Fatalf("Stream has %d tracks, want 2", len(stream.Tracks()))
	}
}

func TestStreamStopStopsEveryTrack(t *testing.T) {
	audio := newFakeTrack("mic", webrtc.RTPCodecTypeAudio)
	video := newFakeTrack("cam", webrtc.RTPCodecTypeVideo)
	stream := NewStream("s1", audio, video)

	stream.Stop()
	stream.Stop()

	if got := audio.stops.Load(); got != 1 {
		t.Fatalf("Audio track stopped %d times, want 1", got)
	}
	if got := video.stops.Load(); got != 1 {
		t.Fatalf("Video track stopped %d times, want 1", got)
	}
}
