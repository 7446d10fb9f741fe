// Package session drives the lifecycle of one pairwise call: local media
// acquisition, offer/answer negotiation over the relay, the connected phase
// with quality sampling, renegotiation, and teardown. All transitions run on
// a single event loop goroutine fed by a channel; the public methods only
// enqueue events, so no two transitions of the same session ever race.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairmeet/pairmeet/internal/quality"
	"github.com/pairmeet/pairmeet/internal/room"
	"github.com/pairmeet/pairmeet/internal/track"
)

// State is the lifecycle phase of a session. Failed and Closed are terminal.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateNegotiating
	StateConnected
	StateRenegotiating
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring-media"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateRenegotiating:
		return "renegotiating"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// senderRef is the stable handle the track controller holds on an outgoing
// sender. Renegotiation swaps the underlying RTPSender without the controller
// noticing.
type senderRef struct {
	mu sync.Mutex
	s  *webrtc.RTPSender
}

func (r *senderRef) ReplaceTrack(t webrtc.TrackLocal) error {
	r.mu.Lock()
	s := r.s
	r.mu.Unlock()
	if s == nil {
		return errors.New("no sender bound")
	}
	return s.ReplaceTrack(t)
}

func (r *senderRef) set(s *webrtc.RTPSender) {
	r.mu.Lock()
	r.s = s
	r.mu.Unlock()
}

func (r *senderRef) current() *webrtc.RTPSender {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}

// Config wires a session to its collaborators.
type Config struct {
	RoomID   string
	Role     room.Role
	Signaler Signaler
	Devices  Devices

	Media           MediaOptions
	ICEServers      []string
	QualityInterval time.Duration

	// OnStateChange and OnQuality are called from the session's goroutines.
	OnStateChange func(State)
	OnQuality     func(quality.Tier)
}

// Session is the lifecycle state machine for one remote peer.
type Session struct {
	label   string
	roomID  string
	role    room.Role
	sig     Signaler
	devices Devices

	mediaOpts       MediaOptions
	iceServers      []string
	qualityInterval time.Duration
	onState         func(State)
	onQuality       func(quality.Tier)

	events    chan *event
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	state      State
	err        error
	controller *track.Controller
	videoAcct  *rtpAccountant

	// Loop-owned; touched only from the event loop goroutine.
	pc            *webrtc.PeerConnection
	userMedia     *UserMedia
	audioSender   *senderRef
	videoSender   *senderRef
	peerPresent   bool
	pendingOffer  *webrtc.SessionDescription
	pendingCands  []webrtc.ICECandidateInit
	monitorCancel context.CancelFunc

	remoteSenderReports atomic.Uint64
}

// New creates an idle session. Start begins media acquisition.
func New(cfg Config) (*Session, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("session: Signaler is required")
	}
	if cfg.Devices == nil {
		return nil, errors.New("session: Devices is required")
	}
	return &Session{
		label:           cfg.RoomID,
		roomID:          cfg.RoomID,
		role:            cfg.Role,
		sig:             cfg.Signaler,
		devices:         cfg.Devices,
		mediaOpts:       cfg.Media,
		iceServers:      cfg.ICEServers,
		qualityInterval: cfg.QualityInterval,
		onState:         cfg.OnStateChange,
		onQuality:       cfg.OnQuality,
		events:          make(chan *event, 32),
		done:            make(chan struct{}),
		state:           StateIdle,
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Controller returns the media track controller. Nil until media has been
// acquired and the peer connection built.
func (s *Session) Controller() *track.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}

// RemoteSenderReports returns the number of RTCP sender reports received
// from the remote peer. Mainly diagnostic.
func (s *Session) RemoteSenderReports() uint64 {
	return s.remoteSenderReports.Load()
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start moves the session out of Idle: the event loop starts and local media
// acquisition begins. ctx bounds the acquisition only, not the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.state = StateAcquiringMedia
	s.mu.Unlock()
	log.Printf("SESSION [%s]: state %s (role=%s)", s.label, StateAcquiringMedia, s.role)
	if s.onState != nil {
		s.onState(StateAcquiringMedia)
	}

	go s.run()
	go func() {
		um, err := s.devices.GetUserMedia(ctx, s.mediaOpts)
		if err != nil {
			s.enqueue(&event{kind: evMediaFailed, err: err})
			return
		}
		// Session already torn down: nobody else will release the devices.
		if !s.enqueue(&event{kind: evMediaReady, media: um}) {
			um.Release()
		}
	}()
	return nil
}

// Close tears the session down. Idempotent: the second and later calls are
// no-ops, and devices are released exactly once regardless of how many
// triggers (leave, remote departure, transport error) race.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateClosed
		s.mu.Unlock()
		s.closeOnce.Do(func() { close(s.done) })
		return nil
	}
	s.mu.Unlock()

	ack := make(chan struct{})
	if !s.enqueue(&event{kind: evClose, ack: ack}) {
		return nil
	}
	select {
	case <-ack:
	case <-s.done:
	}
	return nil
}

// PeerJoined tells the session the remote participant is present. The
// initiator sends its offer in response.
func (s *Session) PeerJoined() { s.enqueue(&event{kind: evPeerJoined}) }

// PeerLeft tears the session down in response to remote departure.
func (s *Session) PeerLeft() { s.enqueue(&event{kind: evPeerLeft}) }

// HandleOffer feeds a relayed offer into the state machine.
func (s *Session) HandleOffer(sdp webrtc.SessionDescription) {
	s.enqueue(&event{kind: evOffer, sdp: sdp})
}

// HandleAnswer feeds a relayed answer into the state machine.
func (s *Session) HandleAnswer(sdp webrtc.SessionDescription) {
	s.enqueue(&event{kind: evAnswer, sdp: sdp})
}

// HandleCandidate feeds a relayed ICE candidate into the state machine.
func (s *Session) HandleCandidate(c webrtc.ICECandidateInit) {
	s.enqueue(&event{kind: evCandidate, candidate: c})
}

// SignalingLost fails the session after the relay connection dropped.
// In-flight negotiation messages are lost, not retried.
func (s *Session) SignalingLost(err error) {
	s.enqueue(&event{kind: evSignalFailure, err: err})
}

// InboundVideo implements quality.Sampler over the inbound RTP accounting.
func (s *Session) InboundVideo() (lost, received uint64, ok bool) {
	s.mu.Lock()
	acct := s.videoAcct
	s.mu.Unlock()
	if acct == nil {
		return 0, 0, false
	}
	lost, received = acct.counters()
	return lost, received, true
}

// enqueue delivers an event to the loop, reporting false once the session
// has reached a terminal state.
func (s *Session) enqueue(ev *event) bool {
	select {
	case <-s.done:
		return false
	case s.events <- ev:
		return true
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ev)
			if ev.ack != nil {
				close(ev.ack)
			}
		}
	}
}

func (s *Session) handle(ev *event) {
	switch ev.kind {
	case evMediaReady:
		s.handleMediaReady(ev.media)
	case evMediaFailed:
		s.fail(&MediaAccessError{Err: ev.err})
	case evPeerJoined:
		s.handlePeerJoined()
	case evPeerLeft:
		log.Printf("SESSION [%s]: remote peer left", s.label)
		s.teardown(StateClosed)
	case evOffer:
		s.handleOffer(ev.sdp)
	case evAnswer:
		s.handleAnswer(ev.sdp)
	case evCandidate:
		s.handleCandidate(ev.candidate)
	case evRemoteTrack:
		s.handleRemoteTrack()
	case evTransportChange:
		s.handleTransportChange(ev.transport)
	case evRenegotiate:
		s.handleRenegotiate(ev.newVideo)
	case evSignalFailure:
		s.fail(&SignalingTransportError{Err: ev.err})
	case evClose:
		s.teardown(StateClosed)
	}
}

func (s *Session) handleMediaReady(um *UserMedia) {
	if s.State() != StateAcquiringMedia {
		um.Release()
		return
	}
	s.userMedia = um

	pc, err := newPeerConnection(s.devices, s.iceServers)
	if err != nil {
		um.Release()
		s.userMedia = nil
		s.fail(&NegotiationError{Op: "create", Err: err})
		return
	}
	s.pc = pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.sig.SendCandidate(s.roomID, c.ToJSON()); err != nil {
			s.enqueue(&event{kind: evSignalFailure, err: err})
		}
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, r *webrtc.RTPReceiver) {
		log.Printf("SESSION [%s]: remote %s track %s", s.label, t.Kind(), t.ID())
		acct := &rtpAccountant{}
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			s.mu.Lock()
			s.videoAcct = acct
			s.mu.Unlock()
		}
		go readRemoteTrack(s.label, t, acct)
		go drainReceiverRTCP(s.label, r, &s.remoteSenderReports)
		s.enqueue(&event{kind: evRemoteTrack})
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.enqueue(&event{kind: evTransportChange, transport: st})
	})

	if um.Audio == nil && um.Video == nil {
		addRecvOnly(s.label, pc, webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio)
	} else {
		if um.Audio != nil {
			sender, err := pc.AddTrack(um.Audio)
			if err != nil {
				s.fail(&NegotiationError{Op: "add-track", Err: err})
				return
			}
			s.audioSender = &senderRef{s: sender}
			go drainSenderRTCP(sender)
		} else {
			addRecvOnly(s.label, pc, webrtc.RTPCodecTypeAudio)
		}
		if um.Video != nil {
			sender, err := pc.AddTrack(um.Video)
			if err != nil {
				s.fail(&NegotiationError{Op: "add-track", Err: err})
				return
			}
			s.videoSender = &senderRef{s: sender}
			go drainSenderRTCP(sender)
		} else {
			addRecvOnly(s.label, pc, webrtc.RTPCodecTypeVideo)
		}
	}

	ctlCfg := track.Config{
		Label:       s.label,
		MicTrack:    um.Audio,
		CameraTrack: um.Video,
		OpenDisplay: func(ctx context.Context) (track.CaptureTrack, error) {
			return s.devices.OpenDisplay(ctx)
		},
		Renegotiate: func(t webrtc.TrackLocal) error {
			if !s.enqueue(&event{kind: evRenegotiate, newVideo: t}) {
				return errors.New("session closed")
			}
			return nil
		},
	}
	if s.audioSender != nil {
		ctlCfg.AudioSender = s.audioSender
	}
	if s.videoSender != nil {
		ctlCfg.VideoSender = s.videoSender
	}
	ctl := track.New(ctlCfg)
	s.mu.Lock()
	s.controller = ctl
	s.mu.Unlock()

	s.setState(StateNegotiating)

	if s.role == room.RoleInitiator && s.peerPresent {
		s.sendOffer()
		return
	}
	if s.pendingOffer != nil {
		offer := *s.pendingOffer
		s.pendingOffer = nil
		s.applyOffer(offer)
	}
}

func (s *Session) handlePeerJoined() {
	s.peerPresent = true
	if s.role == room.RoleInitiator && s.State() == StateNegotiating {
		s.sendOffer()
	}
}

// sendOffer creates and sends an offer on the current connection. Candidates
// trickle separately via OnICECandidate.
func (s *Session) sendOffer() {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.fail(&NegotiationError{Op: "offer", Err: err})
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.fail(&NegotiationError{Op: "offer", Err: err})
		return
	}
	if err := s.sig.SendOffer(s.roomID, offer); err != nil {
		s.fail(&SignalingTransportError{Err: err})
		return
	}
	log.Printf("SESSION [%s]: offer sent", s.label)
}

func (s *Session) handleOffer(sdp webrtc.SessionDescription) {
	switch s.State() {
	case StateAcquiringMedia:
		// Relay can deliver the offer before local capture finishes.
		s.pendingOffer = &sdp
	case StateNegotiating, StateConnected:
		s.applyOffer(sdp)
	}
}

func (s *Session) applyOffer(sdp webrtc.SessionDescription) {
	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		s.fail(&NegotiationError{Op: "offer", Err: err})
		return
	}
	if !s.flushCandidates() {
		return
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.fail(&NegotiationError{Op: "answer", Err: err})
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.fail(&NegotiationError{Op: "answer", Err: err})
		return
	}
	if err := s.sig.SendAnswer(s.roomID, answer); err != nil {
		s.fail(&SignalingTransportError{Err: err})
		return
	}
	log.Printf("SESSION [%s]: answer sent", s.label)
}

func (s *Session) handleAnswer(sdp webrtc.SessionDescription) {
	st := s.State()
	if st != StateNegotiating && st != StateRenegotiating {
		return
	}
	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		s.fail(&NegotiationError{Op: "answer", Err: err})
		return
	}
	if !s.flushCandidates() {
		return
	}
	if st == StateRenegotiating {
		s.setState(StateConnected)
		s.startMonitor()
	}
}

func (s *Session) handleCandidate(c webrtc.ICECandidateInit) {
	if s.pc == nil || s.pc.RemoteDescription() == nil {
		// Trickled candidates may beat the description they belong to.
		s.pendingCands = append(s.pendingCands, c)
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		s.fail(&NegotiationError{Op: "candidate", Err: err})
	}
}

func (s *Session) flushCandidates() bool {
	pending := s.pendingCands
	s.pendingCands = nil
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.fail(&NegotiationError{Op: "candidate", Err: err})
			return false
		}
	}
	return true
}

// handleRemoteTrack marks the transport established: first remote media is
// the connected signal.
func (s *Session) handleRemoteTrack() {
	if s.State() != StateNegotiating {
		return
	}
	s.setState(StateConnected)
	s.startMonitor()
}

func (s *Session) handleTransportChange(st webrtc.PeerConnectionState) {
	log.Printf("SESSION [%s]: transport %s", s.label, st)
	switch st {
	case webrtc.PeerConnectionStateFailed:
		s.fail(&NegotiationError{Op: "transport", Err: errors.New("peer connection failed")})
	case webrtc.PeerConnectionStateClosed:
		s.teardown(StateClosed)
	}
}

// handleRenegotiate swaps the outgoing video at the transceiver level and
// re-offers. Only reached when sender-level substitution was rejected.
func (s *Session) handleRenegotiate(newVideo webrtc.TrackLocal) {
	if s.State() != StateConnected {
		return
	}
	s.setState(StateRenegotiating)
	s.stopMonitor()

	if s.videoSender != nil {
		if old := s.videoSender.current(); old != nil {
			if err := s.pc.RemoveTrack(old); err != nil {
				s.fail(&NegotiationError{Op: "remove-track", Err: err})
				return
			}
		}
	}
	sender, err := s.pc.AddTrack(newVideo)
	if err != nil {
		s.fail(&NegotiationError{Op: "add-track", Err: err})
		return
	}
	if s.videoSender == nil {
		s.videoSender = &senderRef{}
	}
	s.videoSender.set(sender)
	go drainSenderRTCP(sender)

	s.sendOffer()
}

func (s *Session) startMonitor() {
	if s.monitorCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.monitorCancel = cancel
	m := quality.NewMonitor(s.label, s.qualityInterval, s, s.onQuality)
	go m.Run(ctx)
}

func (s *Session) stopMonitor() {
	if s.monitorCancel != nil {
		s.monitorCancel()
		s.monitorCancel = nil
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	log.Printf("SESSION [%s]: failed: %v", s.label, err)
	s.teardown(StateFailed)
}

// teardown releases everything the session holds. Each release step runs
// unconditionally so a failure in one cannot leave another resource open.
func (s *Session) teardown(final State) {
	s.mu.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	ctl := s.controller
	s.videoAcct = nil
	s.mu.Unlock()

	s.stopMonitor()
	if ctl != nil {
		if err := ctl.StopScreenShare(); err != nil {
			log.Printf("SESSION [%s]: screen share stop: %v", s.label, err)
		}
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			log.Printf("SESSION [%s]: peer connection close: %v", s.label, err)
		}
	}
	if s.userMedia != nil {
		s.userMedia.Release()
	}

	s.setState(final)
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	log.Printf("SESSION [%s]: state %s", s.label, st)
	if s.onState != nil {
		s.onState(st)
	}
}
