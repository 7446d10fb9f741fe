//go:build linux

package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/pairmeet/pairmeet/internal/track"
)

// deviceSet captures camera, microphone and screen via pion/mediadevices
// (V4L2 + malgo on Linux), encoding VP8 and Opus.
type deviceSet struct {
	selector *mediadevices.CodecSelector
}

// NewDevices builds the VP8+Opus codec selector used for all captures of
// this process.
func NewDevices(opts MediaOptions) (Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = opts.VideoBitRate
	if vpxParams.BitRate <= 0 {
		vpxParams.BitRate = 1_500_000
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &deviceSet{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func (d *deviceSet) ConfigureEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// GetUserMedia captures local camera and microphone. Capture fails as a unit
// if either track cannot be opened, so the attempts degrade: video+audio,
// then video-only, then audio-only. Only when every attempt fails does the
// session have no media path at all.
func (d *deviceSet) GetUserMedia(ctx context.Context, opts MediaOptions) (*UserMedia, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("MEDIA: no capture devices found")
	} else {
		for _, dev := range devices {
			log.Printf("MEDIA: device kind=%v label=%q", dev.Kind, dev.Label)
		}
	}

	maxWidth := opts.MaxWidth
	if maxWidth <= 0 {
		maxWidth = 1280
	}
	maxHeight := opts.MaxHeight
	if maxHeight <= 0 {
		maxHeight = 720
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: maxWidth}
				c.Height = prop.IntRanged{Max: maxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		var audio, video webrtc.TrackLocal
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			switch t.Kind() {
			case webrtc.RTPCodecTypeAudio:
				audio = t
			case webrtc.RTPCodecTypeVideo:
				video = t
			}
		}

		log.Printf("MEDIA: captured %s (%d tracks)", a.label, len(tracks))
		release := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return NewUserMedia(audio, video, release), nil
	}

	if lastErr == nil {
		lastErr = errors.New("no capture attempt ran")
	}
	return nil, fmt.Errorf("all media capture attempts failed: %w", lastErr)
}

// OpenDisplay captures the screen for sharing using the same codec selector
// as the camera, so the swap stays within the negotiated VP8 payload.
func (d *deviceSet) OpenDisplay(ctx context.Context) (track.CaptureTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, errors.New("display capture produced no video track")
	}
	log.Printf("MEDIA: display capture started")
	return tracks[0], nil
}
