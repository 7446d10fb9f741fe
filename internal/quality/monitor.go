package quality

import (
	"context"
	"log"
	"time"
)

// DefaultInterval is the sampling period while a session is connected.
const DefaultInterval = 5 * time.Second

// Sampler exposes the inbound video counters of a live session. Counters
// are cumulative; the classifier works on the per-window delta.
type Sampler interface {
	// InboundVideo returns cumulative packets lost and received, and whether
	// the session has an inbound video stream at all.
	InboundVideo() (lost, received uint64, ok bool)
}

// Monitor samples a session's transport statistics on a fixed interval and
// reports the classified tier. Its lifetime is scoped by the context the
// caller passes to Run — the session cancels it on every exit from the
// connected state, so there are no dangling timers.
type Monitor struct {
	label    string
	interval time.Duration
	sampler  Sampler
	onTier   func(Tier)

	lastLost      uint64
	lastReceived  uint64
	warnedNoVideo bool
}

// NewMonitor creates a monitor for one session. interval <= 0 selects
// DefaultInterval. onTier is called once per sample from the monitor
// goroutine.
func NewMonitor(label string, interval time.Duration, sampler Sampler, onTier func(Tier)) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		label:    label,
		interval: interval,
		sampler:  sampler,
		onTier:   onTier,
	}
}

// Run samples until ctx is cancelled. It is synchronous; callers run it on
// its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	lost, received, ok := m.sampler.InboundVideo()
	if !ok {
		// Audio-only session: the classifier only inspects video counters,
		// so it would report poor forever. Flag it once instead of guessing.
		if !m.warnedNoVideo {
			m.warnedNoVideo = true
			log.Printf("QUALITY [%s]: no inbound video stream; quality reports poor", m.label)
		}
		m.report(TierPoor)
		return
	}

	// Per-window deltas; counters are cumulative and never reset.
	dLost := lost - m.lastLost
	dReceived := received - m.lastReceived
	m.lastLost, m.lastReceived = lost, received

	m.report(Classify(dLost, dReceived))
}

func (m *Monitor) report(t Tier) {
	if m.onTier != nil {
		m.onTier(t)
	}
}
