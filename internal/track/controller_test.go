package track

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type fakeSender struct {
	mu       sync.Mutex
	current  webrtc.TrackLocal
	replaces int
	fail     bool
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("replace not supported")
	}
	s.current = t
	s.replaces++
	return nil
}

func (s *fakeSender) track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaces
}

// fakeCapture is a display track whose capture can end on its own.
type fakeCapture struct {
	*webrtc.TrackLocalStaticSample
	mu      sync.Mutex
	onEnded func(error)
	closed  int
}

func (c *fakeCapture) OnEnded(f func(error)) {
	c.mu.Lock()
	c.onEnded = f
	c.mu.Unlock()
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) end() {
	c.mu.Lock()
	f := c.onEnded
	c.mu.Unlock()
	if f != nil {
		f(io.EOF)
	}
}

func (c *fakeCapture) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func videoTrack(t *testing.T, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "test")
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func audioTrack(t *testing.T) *webrtc.TrackLocalStaticSample {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func newTestController(t *testing.T) (*Controller, *fakeSender, *fakeSender, *fakeCapture, *int) {
	t.Helper()
	audio := &fakeSender{}
	video := &fakeSender{}
	screen := &fakeCapture{TrackLocalStaticSample: videoTrack(t, "screen")}
	renegotiations := 0

	c := New(Config{
		Label:       "test",
		AudioSender: audio,
		VideoSender: video,
		MicTrack:    audioTrack(t),
		CameraTrack: videoTrack(t, "camera"),
		OpenDisplay: func(context.Context) (CaptureTrack, error) { return screen, nil },
		Renegotiate: func(webrtc.TrackLocal) error { renegotiations++; return nil },
	})
	return c, audio, video, screen, &renegotiations
}

func TestToggles(t *testing.T) {
	c, audio, video, _, renegotiations := newTestController(t)

	t.Run("mute swaps to nil without negotiation", func(t *testing.T) {
		if err := c.SetAudioEnabled(false); err != nil {
			t.Fatal(err)
		}
		if audio.track() != nil {
			t.Fatal("muted audio should carry a nil track")
		}
		if c.AudioEnabled() {
			t.Fatal("AudioEnabled should be false")
		}
		if err := c.SetAudioEnabled(true); err != nil {
			t.Fatal(err)
		}
		if audio.track() == nil {
			t.Fatal("unmute should restore the mic track")
		}
		if *renegotiations != 0 {
			t.Fatalf("toggles must not renegotiate, got %d", *renegotiations)
		}
	})

	t.Run("repeat toggle is a no-op", func(t *testing.T) {
		before := audio.count()
		if err := c.SetAudioEnabled(true); err != nil {
			t.Fatal(err)
		}
		if audio.count() != before {
			t.Fatal("enabling an enabled track should not touch the sender")
		}
	})

	t.Run("video toggle leaves audio alone", func(t *testing.T) {
		before := audio.count()
		if err := c.SetVideoEnabled(false); err != nil {
			t.Fatal(err)
		}
		if video.track() != nil {
			t.Fatal("disabled video should carry a nil track")
		}
		if audio.count() != before {
			t.Fatal("video toggle must not touch the audio sender")
		}
		if err := c.SetVideoEnabled(true); err != nil {
			t.Fatal(err)
		}
	})
}

func TestScreenShare(t *testing.T) {
	c, audio, video, screen, renegotiations := newTestController(t)
	ctx := context.Background()

	t.Run("start substitutes only the video payload", func(t *testing.T) {
		audioBefore := audio.count()
		if err := c.StartScreenShare(ctx); err != nil {
			t.Fatal(err)
		}
		if !c.Sharing() {
			t.Fatal("Sharing should be true")
		}
		if video.track() != screen {
			t.Fatal("video sender should carry the screen track")
		}
		if audio.count() != audioBefore {
			t.Fatal("screen share must not touch the audio sender")
		}
		if *renegotiations != 0 {
			t.Fatal("in-place substitution must not renegotiate")
		}
	})

	t.Run("start twice is a no-op", func(t *testing.T) {
		before := video.count()
		if err := c.StartScreenShare(ctx); err != nil {
			t.Fatal(err)
		}
		if video.count() != before {
			t.Fatal("second start should not substitute again")
		}
	})

	t.Run("stop restores the camera and closes the capture", func(t *testing.T) {
		if err := c.StopScreenShare(); err != nil {
			t.Fatal(err)
		}
		if c.Sharing() {
			t.Fatal("Sharing should be false")
		}
		got, ok := video.track().(*webrtc.TrackLocalStaticSample)
		if !ok || got.ID() != "camera" {
			t.Fatalf("expected camera track restored, got %v", video.track())
		}
		if screen.closeCount() != 1 {
			t.Fatalf("capture should be closed once, got %d", screen.closeCount())
		}
	})

	t.Run("stop twice releases nothing twice", func(t *testing.T) {
		if err := c.StopScreenShare(); err != nil {
			t.Fatal(err)
		}
		if screen.closeCount() != 1 {
			t.Fatalf("second stop must not close again, got %d", screen.closeCount())
		}
	})
}

func TestScreenShareAutoRevert(t *testing.T) {
	c, _, video, screen, _ := newTestController(t)
	if err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatal(err)
	}

	// OS-level "stop sharing": the capture ends on its own and the controller
	// reverts without an explicit Stop call.
	screen.end()

	deadline := time.Now().Add(2 * time.Second)
	for c.Sharing() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Sharing() {
		t.Fatal("capture end should stop the share")
	}
	got, ok := video.track().(*webrtc.TrackLocalStaticSample)
	if !ok || got.ID() != "camera" {
		t.Fatalf("expected camera restored after capture end, got %v", video.track())
	}
	if screen.closeCount() != 1 {
		t.Fatalf("capture should be closed once, got %d", screen.closeCount())
	}
}

func TestScreenShareWhileVideoDisabled(t *testing.T) {
	c, _, video, screen, _ := newTestController(t)
	if err := c.SetVideoEnabled(false); err != nil {
		t.Fatal(err)
	}
	swapsBefore := video.count()

	if err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatal(err)
	}
	if video.count() != swapsBefore {
		t.Fatal("share with video disabled should not touch the sender")
	}

	// Re-enabling video should surface the screen track, not the camera.
	if err := c.SetVideoEnabled(true); err != nil {
		t.Fatal(err)
	}
	if video.track() != screen {
		t.Fatal("enabled video during share should carry the screen track")
	}
}

func TestSubstitutionFallsBackToRenegotiation(t *testing.T) {
	video := &fakeSender{fail: true}
	screen := &fakeCapture{TrackLocalStaticSample: videoTrack(t, "screen")}
	renegotiated := make([]webrtc.TrackLocal, 0, 1)

	c := New(Config{
		Label:       "test",
		VideoSender: video,
		CameraTrack: videoTrack(t, "camera"),
		OpenDisplay: func(context.Context) (CaptureTrack, error) { return screen, nil },
		Renegotiate: func(t webrtc.TrackLocal) error {
			renegotiated = append(renegotiated, t)
			return nil
		},
	})

	if err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(renegotiated) != 1 || renegotiated[0] != screen {
		t.Fatalf("expected renegotiation fallback with the screen track, got %v", renegotiated)
	}
}

func TestNoVideoSender(t *testing.T) {
	c := New(Config{Label: "test"})
	if err := c.SetVideoEnabled(false); err == nil {
		t.Fatal("expected error without a video sender")
	}
	if err := c.StartScreenShare(context.Background()); err == nil {
		t.Fatal("expected error without a video sender")
	}
	if err := c.SetAudioEnabled(false); err == nil {
		t.Fatal("expected error without an audio sender")
	}
}
