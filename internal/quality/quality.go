// Package quality classifies connection quality from inbound video packet
// counters sampled on a fixed interval.
package quality

// Tier is a discrete connection quality classification.
type Tier string

const (
	TierPoor      Tier = "poor"
	TierGood      Tier = "good"
	TierExcellent Tier = "excellent"
)

// Classify maps one sampling window's inbound video counters to a tier.
// No packets received means no usable video path and classifies as poor;
// otherwise lossRate = lost / (lost + received):
//
//	lossRate > 0.05          poor
//	0.02 < lossRate <= 0.05  good
//	lossRate <= 0.02         excellent
func Classify(packetsLost, packetsReceived uint64) Tier {
	if packetsReceived == 0 {
		return TierPoor
	}
	lossRate := float64(packetsLost) / float64(packetsLost+packetsReceived)
	switch {
	case lossRate > 0.05:
		return TierPoor
	case lossRate > 0.02:
		return TierGood
	default:
		return TierExcellent
	}
}
