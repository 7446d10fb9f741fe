// Package track controls what flows on an established session's outgoing
// senders: mute / camera-off toggles and screen-share substitution. All
// operations here work on the live senders and never touch the lifecycle
// state machine unless the transport cannot substitute in place.
//
// Cost ordering: enable toggle (cheapest, no message exchange) < track
// substitution (moderate) < full renegotiation (most expensive, fallback
// only).
package track

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Sender is the slice of *webrtc.RTPSender the controller needs.
// ReplaceTrack(nil) pauses sending without renegotiation — the pion
// equivalent of disabling a browser track.
type Sender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// CaptureTrack is a local capture track that can end on its own (the OS
// "stop sharing" button) and must be closed to release the device.
type CaptureTrack interface {
	webrtc.TrackLocal
	OnEnded(func(error))
	Close() error
}

// DisplayOpener acquires a display-capture video track.
type DisplayOpener func(ctx context.Context) (CaptureTrack, error)

var errNoVideoSender = errors.New("session has no outgoing video sender")

// Controller owns the enable state of one session's outgoing tracks and the
// screen-share substitution.
type Controller struct {
	label string

	mu          sync.Mutex
	audioSender Sender
	videoSender Sender
	micTrack    webrtc.TrackLocal
	cameraTrack webrtc.TrackLocal

	openDisplay DisplayOpener

	// renegotiate is the fallback when in-place substitution fails: the
	// session swaps the track at the transceiver level and re-offers.
	renegotiate func(webrtc.TrackLocal) error

	audioEnabled bool
	videoEnabled bool
	sharing      bool
	screenTrack  CaptureTrack
}

// Config wires a controller to a session's senders. Senders or tracks may be
// nil when the session captured no such media; the corresponding operations
// then report an error instead of acting.
type Config struct {
	Label       string
	AudioSender Sender
	VideoSender Sender
	MicTrack    webrtc.TrackLocal
	CameraTrack webrtc.TrackLocal
	OpenDisplay DisplayOpener
	Renegotiate func(webrtc.TrackLocal) error
}

// New creates a controller with both tracks enabled.
func New(cfg Config) *Controller {
	return &Controller{
		label:        cfg.Label,
		audioSender:  cfg.AudioSender,
		videoSender:  cfg.VideoSender,
		micTrack:     cfg.MicTrack,
		cameraTrack:  cfg.CameraTrack,
		openDisplay:  cfg.OpenDisplay,
		renegotiate:  cfg.Renegotiate,
		audioEnabled: cfg.AudioSender != nil,
		videoEnabled: cfg.VideoSender != nil,
	}
}

// AudioEnabled reports whether the outgoing audio track is live.
func (c *Controller) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled
}

// VideoEnabled reports whether the outgoing video track is live.
func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoEnabled
}

// Sharing reports whether screen share is active.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

// SetAudioEnabled mutes or unmutes the outgoing audio. O(1): a sender-level
// track swap to nil and back, no negotiation, no message exchange.
func (c *Controller) SetAudioEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioSender == nil || c.micTrack == nil {
		return errors.New("session has no outgoing audio sender")
	}
	if enabled == c.audioEnabled {
		return nil
	}
	var t webrtc.TrackLocal
	if enabled {
		t = c.micTrack
	}
	if err := c.audioSender.ReplaceTrack(t); err != nil {
		return err
	}
	c.audioEnabled = enabled
	log.Printf("TRACK [%s]: audio enabled=%v", c.label, enabled)
	return nil
}

// SetVideoEnabled enables or disables the outgoing video. While screen share
// is active the toggle applies to the shared track, so camera-off does not
// interrupt a running share.
func (c *Controller) SetVideoEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoSender == nil {
		return errNoVideoSender
	}
	if enabled == c.videoEnabled {
		return nil
	}
	var t webrtc.TrackLocal
	if enabled {
		t = c.outgoingVideoLocked()
	}
	if err := c.videoSender.ReplaceTrack(t); err != nil {
		return err
	}
	c.videoEnabled = enabled
	log.Printf("TRACK [%s]: video enabled=%v", c.label, enabled)
	return nil
}

// StartScreenShare acquires a display capture and substitutes it for the
// outgoing camera video on the existing connection. Substitution is
// sender-level; only when the transport rejects the in-place swap does the
// controller fall back to renegotiation. Capture ending on its own (OS-level
// "stop sharing") reverts to the camera automatically.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sharing {
		return nil
	}
	if c.videoSender == nil {
		return errNoVideoSender
	}
	if c.openDisplay == nil {
		return errors.New("display capture is not available")
	}

	screen, err := c.openDisplay(ctx)
	if err != nil {
		return err
	}

	if c.videoEnabled {
		if err := c.substituteLocked(screen); err != nil {
			screen.Close()
			return err
		}
	}

	c.sharing = true
	c.screenTrack = screen
	screen.OnEnded(func(err error) {
		if err != nil {
			log.Printf("TRACK [%s]: screen capture ended: %v", c.label, err)
		}
		// Own goroutine: OnEnded may fire from under the capture's lock.
		go c.StopScreenShare()
	})
	log.Printf("TRACK [%s]: screen share started", c.label)
	return nil
}

// StopScreenShare restores the camera track and releases the capture.
// Idempotent: the explicit stop and the capture-ended callback may race.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sharing {
		return nil
	}
	c.sharing = false
	screen := c.screenTrack
	c.screenTrack = nil

	var swapErr error
	if c.videoEnabled {
		var revert webrtc.TrackLocal
		if c.cameraTrack != nil {
			revert = c.cameraTrack
		}
		swapErr = c.substituteLocked(revert)
	}
	if screen != nil {
		if err := screen.Close(); err != nil && swapErr == nil {
			swapErr = err
		}
	}
	log.Printf("TRACK [%s]: screen share stopped", c.label)
	return swapErr
}

// outgoingVideoLocked is the track that should flow when video is enabled.
func (c *Controller) outgoingVideoLocked() webrtc.TrackLocal {
	if c.sharing && c.screenTrack != nil {
		return c.screenTrack
	}
	return c.cameraTrack
}

// substituteLocked swaps the outgoing video in place, falling back to full
// renegotiation when the transport cannot.
func (c *Controller) substituteLocked(t webrtc.TrackLocal) error {
	if err := c.videoSender.ReplaceTrack(t); err == nil {
		return nil
	} else if c.renegotiate == nil {
		return err
	}
	log.Printf("TRACK [%s]: in-place substitution unsupported, renegotiating", c.label)
	return c.renegotiate(t)
}
