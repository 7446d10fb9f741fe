package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairmeet/pairmeet/internal/room"
	"github.com/pairmeet/pairmeet/internal/track"
)

type fakeSignaler struct {
	mu         sync.Mutex
	offers     []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	err        error
}

func (f *fakeSignaler) SendOffer(_ string, sdp webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.offers = append(f.offers, sdp)
	return nil
}

func (f *fakeSignaler) SendAnswer(_ string, sdp webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.answers = append(f.answers, sdp)
	return nil
}

func (f *fakeSignaler) SendCandidate(_ string, c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeSignaler) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

func (f *fakeSignaler) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

type fakeDevices struct {
	mu       sync.Mutex
	released int
	audio    webrtc.TrackLocal
	video    webrtc.TrackLocal
	err      error
	delay    time.Duration
}

func (d *fakeDevices) ConfigureEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, _ MediaOptions) (*UserMedia, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return NewUserMedia(d.audio, d.video, func() {
		d.mu.Lock()
		d.released++
		d.mu.Unlock()
	}), nil
}

func (d *fakeDevices) OpenDisplay(context.Context) (track.CaptureTrack, error) {
	return nil, errors.New("no display in tests")
}

func (d *fakeDevices) releaseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

func captureTracks(t *testing.T) (audio, video webrtc.TrackLocal) {
	t.Helper()
	a, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "cap")
	if err != nil {
		t.Fatal(err)
	}
	v, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "cap")
	if err != nil {
		t.Fatal(err)
	}
	return a, v
}

func newTestSession(t *testing.T, role room.Role, sig *fakeSignaler, dev *fakeDevices) (*Session, chan State) {
	t.Helper()
	states := make(chan State, 32)
	s, err := New(Config{
		RoomID:   "testroom",
		Role:     role,
		Signaler: sig,
		Devices:  dev,
		OnStateChange: func(st State) {
			select {
			case states <- st:
			default:
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, states
}

func waitState(t *testing.T, states chan State, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMediaFailureFailsSession(t *testing.T) {
	sig := &fakeSignaler{}
	dev := &fakeDevices{err: errors.New("device busy")}
	s, states := newTestSession(t, room.RoleInitiator, sig, dev)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, StateFailed)

	var mediaErr *MediaAccessError
	if !errors.As(s.Err(), &mediaErr) {
		t.Fatalf("expected MediaAccessError, got %v", s.Err())
	}
	if dev.releaseCount() != 0 {
		t.Fatal("nothing was acquired, nothing should be released")
	}
}

func TestInitiatorOffersWhenPeerJoins(t *testing.T) {
	sig := &fakeSignaler{}
	audio, video := captureTracks(t)
	dev := &fakeDevices{audio: audio, video: video}
	s, states := newTestSession(t, room.RoleInitiator, sig, dev)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, StateNegotiating)

	if sig.offerCount() != 0 {
		t.Fatal("initiator must not offer into an empty room")
	}

	s.PeerJoined()
	waitFor(t, "offer", func() bool { return sig.offerCount() == 1 })

	sig.mu.Lock()
	offer := sig.offers[0]
	sig.mu.Unlock()
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		t.Fatalf("malformed offer: %+v", offer.Type)
	}

	if s.Controller() == nil {
		t.Fatal("controller should exist once negotiating")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestResponderAnswersOffer(t *testing.T) {
	sig := &fakeSignaler{}
	audio, video := captureTracks(t)
	dev := &fakeDevices{audio: audio, video: video}
	s, states := newTestSession(t, room.RoleResponder, sig, dev)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, StateNegotiating)

	s.HandleOffer(remoteOffer(t))
	waitFor(t, "answer", func() bool { return sig.answerCount() == 1 })

	if sig.offerCount() != 0 {
		t.Fatal("responder must not send offers")
	}
	// The remote side never sent media, so only receiver reports can have
	// arrived; the sender report counter stays at zero.
	if n := s.RemoteSenderReports(); n != 0 {
		t.Fatalf("expected 0 remote sender reports, got %d", n)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOfferBeforeMediaReadyIsDeferred(t *testing.T) {
	sig := &fakeSignaler{}
	audio, video := captureTracks(t)
	dev := &fakeDevices{audio: audio, video: video, delay: 50 * time.Millisecond}
	s, states := newTestSession(t, room.RoleResponder, sig, dev)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Relay delivers the offer while capture is still in flight.
	s.HandleOffer(remoteOffer(t))
	waitState(t, states, StateNegotiating)
	waitFor(t, "deferred answer", func() bool { return sig.answerCount() == 1 })

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sig := &fakeSignaler{}
	audio, video := captureTracks(t)
	dev := &fakeDevices{audio: audio, video: video}
	s, states := newTestSession(t, room.RoleInitiator, sig, dev)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, StateNegotiating)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if dev.releaseCount() != 1 {
		t.Fatalf("devices released %d times, want exactly 1", dev.releaseCount())
	}
}

func TestConcurrentTeardownTriggers(t *testing.T) {
	sig := &fakeSignaler{}
	audio, video := captureTracks(t)
	dev := &fakeDevices{audio: audio, video: video}
	s, states := newTestSession(t, room.RoleInitiator, sig, dev)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, StateNegotiating)

	// Explicit leave and remote departure race; devices still go back once.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = s.Close() }()
	go func() { defer wg.Done(); s.PeerLeft() }()
	wg.Wait()

	<-s.Done()
	if dev.releaseCount() != 1 {
		t.Fatalf("devices released %d times, want exactly 1", dev.releaseCount())
	}
}

func TestCloseDuringAcquisitionReleasesMedia(t *testing.T) {
	sig := &fakeSignaler{}
	audio, video := captureTracks(t)
	dev := &fakeDevices{audio: audio, video: video, delay: 80 * time.Millisecond}
	s, _ := newTestSession(t, room.RoleInitiator, sig, dev)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Tear down while capture is still in flight: the late-arriving media
	// must still be released, exactly once.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	waitFor(t, "late media release", func() bool { return dev.releaseCount() == 1 })
}

func TestCloseBeforeStart(t *testing.T) {
	sig := &fakeSignaler{}
	s, _ := newTestSession(t, room.RoleInitiator, sig, &fakeDevices{})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("starting a closed session should fail")
	}
}

func TestSignalingLossFailsSession(t *testing.T) {
	sig := &fakeSignaler{}
	audio, video := captureTracks(t)
	dev := &fakeDevices{audio: audio, video: video}
	s, states := newTestSession(t, room.RoleInitiator, sig, dev)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, StateNegotiating)

	s.SignalingLost(errors.New("connection reset"))
	waitState(t, states, StateFailed)

	var transportErr *SignalingTransportError
	if !errors.As(s.Err(), &transportErr) {
		t.Fatalf("expected SignalingTransportError, got %v", s.Err())
	}
	if dev.releaseCount() != 1 {
		t.Fatalf("devices released %d times, want exactly 1", dev.releaseCount())
	}
}

func TestReceiveOnlySessionNegotiates(t *testing.T) {
	sig := &fakeSignaler{}
	dev := &fakeDevices{} // both tracks nil
	s, states := newTestSession(t, room.RoleInitiator, sig, dev)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, StateNegotiating)

	s.PeerJoined()
	waitFor(t, "recvonly offer", func() bool { return sig.offerCount() == 1 })
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

// remoteOffer builds a valid offer from an independent peer connection.
func remoteOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			t.Fatal(err)
		}
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	return offer
}
