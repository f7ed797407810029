// Package classify grades affiliate-claimed metrics against platform
// source-of-truth counts. Classification is pure: callers pass in the
// claimed counts, whatever the platform fetch produced, and the hours
// elapsed since submission. No clock, storage, or network access
// happens here, which keeps the decision table trivially testable.
package classify

import (
	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/model"
)

// Input is one claimed-versus-platform comparison. Platform counts are
// nil when the adapter omitted the field; PartialMissing carries the
// fetch layer's record of which fields came back absent.
type Input struct {
	ClaimedViews       int64
	ClaimedClicks      int64
	ClaimedConversions int64

	PlatformViews       *int64
	PlatformClicks      *int64
	PlatformConversions *int64

	ElapsedHours   float64
	PartialMissing []string
}

// Result is the classifier verdict. Count discrepancies are signed
// (claimed minus allowance-adjusted platform) and fall back to the raw
// claimed value when that metric never arrived; pct diffs exist only
// for metrics the platform actually returned.
type Result struct {
	Status     model.ReconciliationStatus
	TrustEvent *model.TrustEvent

	ViewsDiscrepancy       int64
	ClicksDiscrepancy      int64
	ConversionsDiscrepancy int64

	ViewsDiffPct       *float64
	ClicksDiffPct      *float64
	ConversionsDiffPct *float64

	MaxDiscrepancyPct *float64
	DiscrepancyLevel  *model.DiscrepancyLevel

	ConfidenceRatio float64
	MissingFields   []string
}

// Classify runs the decision table over one comparison.
//
// Paths, in order:
//   - no platform metrics at all: MISSING_PLATFORM_DATA, confidence 0,
//     all three fields reported missing, zero discrepancies.
//   - some metrics absent: INCOMPLETE_PLATFORM_DATA with confidence
//     provided/3. Discrepancies and pct diffs are still computed for
//     the metrics that did arrive so partial evidence is not thrown
//     away, but no trust event or level is assigned.
//   - full data: each platform count is inflated by the growth
//     allowance, then overclaim takes precedence (any metric claimed
//     above its adjusted platform count by OverclaimThreshold or more),
//     then the max pct diff lands in the MATCHED / LOW / MEDIUM / HIGH
//     tiers.
func Classify(in Input, cfg config.Reconciliation) Result {
	if in.PlatformViews == nil && in.PlatformClicks == nil && in.PlatformConversions == nil {
		return Result{
			Status:          model.StatusMissingPlatform,
			ConfidenceRatio: 0,
			MissingFields:   []string{"views", "clicks", "conversions"},
		}
	}

	type metric struct {
		name     string
		claimed  int64
		platform *int64

		discrepancy int64
		pct         *float64
	}
	metrics := [3]*metric{
		{name: "views", claimed: in.ClaimedViews, platform: in.PlatformViews},
		{name: "clicks", claimed: in.ClaimedClicks, platform: in.PlatformClicks},
		{name: "conversions", claimed: in.ClaimedConversions, platform: in.PlatformConversions},
	}

	missing := appendUnique(nil, in.PartialMissing...)
	provided := 0
	for _, m := range metrics {
		if m.platform == nil {
			missing = appendUnique(missing, m.name)
			m.discrepancy = m.claimed
			continue
		}
		provided++
		adjusted := ApplyGrowthAllowance(*m.platform, in.ElapsedHours, cfg.GrowthAllowancePerHour, cfg.GrowthAllowanceCapHours)
		m.discrepancy = m.claimed - adjusted
		pct := PctDiff(m.claimed, adjusted)
		m.pct = &pct
	}

	var maxPct *float64
	for _, m := range metrics {
		if m.pct == nil {
			continue
		}
		if maxPct == nil || *m.pct > *maxPct {
			v := *m.pct
			maxPct = &v
		}
	}

	res := Result{
		ViewsDiscrepancy:       metrics[0].discrepancy,
		ClicksDiscrepancy:      metrics[1].discrepancy,
		ConversionsDiscrepancy: metrics[2].discrepancy,
		ViewsDiffPct:           metrics[0].pct,
		ClicksDiffPct:          metrics[1].pct,
		ConversionsDiffPct:     metrics[2].pct,
		MaxDiscrepancyPct:      maxPct,
		ConfidenceRatio:        float64(provided) / 3.0,
		MissingFields:          missing,
	}

	if provided < len(metrics) {
		res.Status = model.StatusIncompletePlatform
		return res
	}

	overclaimed, critical := false, false
	for _, m := range metrics {
		if m.discrepancy > 0 && *m.pct >= cfg.OverclaimThreshold {
			overclaimed = true
			if *m.pct >= cfg.OverclaimCritical {
				critical = true
			}
		}
	}

	switch {
	case overclaimed:
		res.Status = model.StatusOverclaimed
		res.TrustEvent = eventPtr(model.TrustOverclaim)
		if critical {
			res.DiscrepancyLevel = levelPtr(model.LevelCritical)
		} else {
			res.DiscrepancyLevel = levelPtr(model.LevelHigh)
		}
	case maxPct == nil || *maxPct <= cfg.TolerancePerfect:
		res.Status = model.StatusMatched
		res.TrustEvent = eventPtr(model.TrustPerfectMatch)
	case *maxPct <= cfg.ToleranceMinor:
		res.Status = model.StatusDiscrepancyLow
		res.TrustEvent = eventPtr(model.TrustMinorDiscrepancy)
		res.DiscrepancyLevel = levelPtr(model.LevelLow)
	case *maxPct <= cfg.ToleranceMedium:
		res.Status = model.StatusDiscrepancyMedium
		res.TrustEvent = eventPtr(model.TrustMediumDiscrepancy)
		res.DiscrepancyLevel = levelPtr(model.LevelMedium)
	default:
		res.Status = model.StatusDiscrepancyHigh
		res.TrustEvent = eventPtr(model.TrustHighDiscrepancy)
		res.DiscrepancyLevel = levelPtr(model.LevelHigh)
	}
	return res
}

func appendUnique(dst []string, names ...string) []string {
	for _, n := range names {
		seen := false
		for _, have := range dst {
			if have == n {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, n)
		}
	}
	return dst
}

func eventPtr(ev model.TrustEvent) *model.TrustEvent { return &ev }

func levelPtr(lvl model.DiscrepancyLevel) *model.DiscrepancyLevel { return &lvl }
