package session

import (
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newPeerConnection builds the PeerConnection for one session. The media
// engine carries whatever codecs the local Devices produce; receive-only
// sessions get the default codec set instead.
func newPeerConnection(devices Devices, iceServers []string) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := devices.ConfigureEngine(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not terminate
	// the call. The default disconnectedTimeout of 5s is too short for paths
	// that have short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// addRecvOnly adds recvonly transceivers for the given kinds so the SDP has
// valid m-lines with ICE credentials even when nothing is sent for them.
func addRecvOnly(label string, pc *webrtc.PeerConnection, kinds ...webrtc.RTPCodecType) {
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("SESSION [%s]: AddTransceiver(%s) error: %v", label, kind, err)
		}
	}
}
