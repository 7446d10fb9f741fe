//go:build !linux

package session

import (
	"context"
	"errors"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/pairmeet/pairmeet/internal/track"
)

// deviceSet is the non-Linux stand-in. Camera/mic capture via
// pion/mediadevices requires platform drivers (V4L2/malgo on Linux), so
// sessions on other platforms join receive-only.
type deviceSet struct{}

// NewDevices returns a receive-only device set.
func NewDevices(_ MediaOptions) (Devices, error) {
	return deviceSet{}, nil
}

func (deviceSet) ConfigureEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (deviceSet) GetUserMedia(_ context.Context, _ MediaOptions) (*UserMedia, error) {
	log.Printf("MEDIA: no local capture on this platform, joining receive-only")
	return NewUserMedia(nil, nil, nil), nil
}

func (deviceSet) OpenDisplay(_ context.Context) (track.CaptureTrack, error) {
	return nil, errors.New("display capture is not supported on this platform")
}
