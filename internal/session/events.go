package session

import "github.com/pion/webrtc/v4"

type eventKind int

const (
	evMediaReady eventKind = iota
	evMediaFailed
	evPeerJoined
	evPeerLeft
	evOffer
	evAnswer
	evCandidate
	evRemoteTrack
	evTransportChange
	evRenegotiate
	evSignalFailure
	evClose
)

// event is one unit of work for the session loop. Every state transition
// happens in response to exactly one of these; nothing mutates session state
// from outside the loop.
type event struct {
	kind      eventKind
	media     *UserMedia
	err       error
	sdp       webrtc.SessionDescription
	candidate webrtc.ICECandidateInit
	transport webrtc.PeerConnectionState
	newVideo  webrtc.TrackLocal

	// ack, when non-nil, is closed after the event has been handled.
	ack chan struct{}
}
