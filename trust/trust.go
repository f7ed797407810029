// Package trust maintains per-affiliate trust scores. Scores live in
// [0,1], move by fixed per-event deltas, and drive both queue priority
// and the operating bucket shown to operators.
package trust

import (
	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/model"
)

// Score buckets, highest standing first.
const (
	BucketHighTrust = "high_trust"
	BucketNormal    = "normal"
	BucketLowTrust  = "low_trust"
	BucketCritical  = "critical"
)

// ApplyEvent moves a trust score by the configured delta for ev and
// clips the result into [Min, Max]. The effective delta is the movement
// that actually happened after clipping, so a score pinned at a bound
// reports less than the nominal delta. Unknown events move nothing.
func ApplyEvent(current float64, ev model.TrustEvent, cfg config.Trust) (newScore, effectiveDelta float64) {
	newScore = current + cfg.Events[ev]
	if newScore < cfg.Min {
		newScore = cfg.Min
	}
	if newScore > cfg.Max {
		newScore = cfg.Max
	}
	return newScore, newScore - current
}

// Bucket places a score into its operating band.
func Bucket(score float64, cfg config.Trust) string {
	switch {
	case score >= cfg.HighTrustMin:
		return BucketHighTrust
	case score >= cfg.NormalMin:
		return BucketNormal
	case score >= cfg.LowTrustMin:
		return BucketLowTrust
	default:
		return BucketCritical
	}
}

// PriorityFor maps a trust bucket to a queue priority label. Low-trust
// and critical affiliates reconcile first, trusted ones can wait, and
// suspicion flags on the submission escalate to high regardless of
// standing.
func PriorityFor(score float64, suspicious bool, cfg config.Trust) string {
	if suspicious {
		return model.PriorityHigh
	}
	switch Bucket(score, cfg) {
	case BucketHighTrust:
		return model.PriorityLow
	case BucketNormal:
		return model.PriorityNormal
	default:
		return model.PriorityHigh
	}
}
