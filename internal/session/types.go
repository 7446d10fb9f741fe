package session

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pairmeet/pairmeet/internal/track"
)

// Signaler is the only surface the session needs from the signaling layer.
// The websocket client satisfies it; tests use an in-memory fake.
type Signaler interface {
	SendOffer(roomID string, sdp webrtc.SessionDescription) error
	SendAnswer(roomID string, sdp webrtc.SessionDescription) error
	SendCandidate(roomID string, cand webrtc.ICECandidateInit) error
}

// MediaOptions caps local capture and encoding.
type MediaOptions struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// Devices abstracts local media capture. The real implementation lives in
// the build-tagged media files; tests substitute synthetic tracks.
type Devices interface {
	// ConfigureEngine registers the codecs local capture produces. Called
	// once, before the peer connection is created.
	ConfigureEngine(me *webrtc.MediaEngine) error

	// GetUserMedia captures camera and microphone. Either track may be nil
	// when that device is unavailable; both nil means receive-only.
	// A non-nil error means no media path at all (permission denied,
	// device busy) and fails the session.
	GetUserMedia(ctx context.Context, opts MediaOptions) (*UserMedia, error)

	// OpenDisplay captures the screen for sharing.
	OpenDisplay(ctx context.Context) (track.CaptureTrack, error)
}

// UserMedia holds the local capture handed to a session. Release is
// idempotent and returns the devices to the OS.
type UserMedia struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal

	releaseOnce sync.Once
	release     func()
}

// NewUserMedia bundles capture tracks with their release function.
func NewUserMedia(audio, video webrtc.TrackLocal, release func()) *UserMedia {
	return &UserMedia{Audio: audio, Video: video, release: release}
}

// Release returns the capture devices. Safe to call more than once; only
// the first call runs the release function.
func (m *UserMedia) Release() {
	m.releaseOnce.Do(func() {
		if m.release != nil {
			m.release()
		}
	})
}
