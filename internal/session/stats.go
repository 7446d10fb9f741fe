package session

import (
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// rtpAccountant tracks cumulative inbound packet counters for one remote
// track, deriving loss from sequence-number gaps (RFC 3550 §A.3, without
// the reordering heuristics — good enough for a per-window classifier).
type rtpAccountant struct {
	mu       sync.Mutex
	started  bool
	baseSeq  uint16
	maxSeq   uint16
	cycles   uint64
	received uint64
}

func (a *rtpAccountant) record(p *rtp.Packet) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := p.SequenceNumber
	if !a.started {
		a.started = true
		a.baseSeq = seq
		a.maxSeq = seq
		a.received = 1
		return
	}
	a.received++
	// Wraparound: a big backwards jump means the 16-bit counter cycled.
	if seq < a.maxSeq && a.maxSeq-seq > 0x8000 {
		a.cycles++
		a.maxSeq = seq
	} else if seq > a.maxSeq {
		a.maxSeq = seq
	}
}

// counters returns cumulative (lost, received).
func (a *rtpAccountant) counters() (lost, received uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return 0, 0
	}
	expected := a.cycles*(1<<16) + uint64(a.maxSeq) - uint64(a.baseSeq) + 1
	if expected > a.received {
		lost = expected - a.received
	}
	return lost, a.received
}

// readRemoteTrack drains RTP from a remote track into the accountant until
// the track ends. Reading keeps the interceptor chain fed; the packets
// themselves are not rendered here.
func readRemoteTrack(label string, t *webrtc.TrackRemote, acct *rtpAccountant) {
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			if err != io.EOF {
				log.Printf("SESSION [%s]: remote %s track read ended: %v", label, t.Kind(), err)
			}
			return
		}
		acct.record(pkt)
	}
}

// drainReceiverRTCP reads and parses RTCP on a receiver until it closes.
// Sender reports carry the remote's send-side clock; their arrival doubles
// as a liveness signal.
func drainReceiverRTCP(label string, r *webrtc.RTPReceiver, senderReports *atomic.Uint64) {
	for {
		pkts, _, err := r.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.SenderReport); ok {
				senderReports.Add(1)
			}
		}
	}
}

// drainSenderRTCP reads incoming RTCP on a sender so interceptors (NACK,
// receiver-report processing) keep running.
func drainSenderRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}
