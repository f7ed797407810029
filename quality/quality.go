// Package quality runs the submission-time anomaly checks. Every rule
// is a pure function over the claimed metrics; findings come back
// keyed by rule name, ready to store on the report's suspicion flags.
package quality

import (
	"fmt"
	"math"

	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/model"
)

// Input carries everything the validators look at. Previous is the
// affiliate's prior report for the same post, nil on a first
// submission.
type Input struct {
	ClaimedViews       int64
	ClaimedClicks      int64
	ClaimedConversions int64
	HasEvidence        bool
	Previous           *model.AffiliateReport
}

// Evaluate runs every rule against one submission. An empty map means
// a clean submission.
func Evaluate(in Input, cfg config.Quality) map[string]model.SuspicionFlag {
	flags := make(map[string]model.SuspicionFlag)

	if f := highCTR(in, cfg); f != nil {
		flags["high_ctr"] = *f
	}
	if f := highCVR(in, cfg); f != nil {
		flags["high_cvr"] = *f
	}
	if f := metricOrder(in); f != nil {
		flags["metric_order_violation"] = *f
	}
	if f := missingEvidence(in, cfg); f != nil {
		flags["missing_evidence"] = *f
	}
	for key, f := range decreases(in, cfg) {
		flags[key] = f
	}
	for key, f := range spikes(in, cfg) {
		flags[key] = f
	}
	return flags
}

func ratio(numerator, denominator int64) float64 {
	if denominator <= 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}

// severityFromExcess grades how far past its threshold a ratio landed.
func severityFromExcess(excess float64, cfg config.Quality) string {
	switch {
	case excess >= cfg.SeverityHighMultiplier:
		return string(model.SeverityHigh)
	case excess >= cfg.SeverityMediumMultiplier:
		return string(model.SeverityMedium)
	default:
		return string(model.SeverityLow)
	}
}

func highCTR(in Input, cfg config.Quality) *model.SuspicionFlag {
	if in.ClaimedViews < cfg.CTRMinViews {
		return nil
	}
	ctr := ratio(in.ClaimedClicks, in.ClaimedViews)
	if ctr <= cfg.CTRThreshold {
		return nil
	}
	return &model.SuspicionFlag{
		Value:     fptr(round4(ctr)),
		Threshold: fptr(cfg.CTRThreshold),
		Severity:  severityFromExcess(ctr/cfg.CTRThreshold, cfg),
		Message:   fmt.Sprintf("CTR %.2f%% exceeds %.0f%% threshold", ctr*100, cfg.CTRThreshold*100),
	}
}

func highCVR(in Input, cfg config.Quality) *model.SuspicionFlag {
	if in.ClaimedClicks < cfg.CVRMinClicks {
		return nil
	}
	cvr := ratio(in.ClaimedConversions, in.ClaimedClicks)
	if cvr <= cfg.CVRThreshold {
		return nil
	}
	return &model.SuspicionFlag{
		Value:     fptr(round4(cvr)),
		Threshold: fptr(cfg.CVRThreshold),
		Severity:  severityFromExcess(cvr/cfg.CVRThreshold, cfg),
		Message:   fmt.Sprintf("CVR %.2f%% exceeds %.0f%% threshold", cvr*100, cfg.CVRThreshold*100),
	}
}

func metricOrder(in Input) *model.SuspicionFlag {
	if in.ClaimedViews >= in.ClaimedClicks && in.ClaimedClicks >= in.ClaimedConversions {
		return nil
	}
	return &model.SuspicionFlag{
		Severity: string(model.SeverityMedium),
		Message:  "Expected views >= clicks >= conversions",
	}
}

func missingEvidence(in Input, cfg config.Quality) *model.SuspicionFlag {
	if in.ClaimedViews < cfg.MissingEvidenceViews || in.HasEvidence {
		return nil
	}
	return &model.SuspicionFlag{
		Severity: string(model.SeverityMedium),
		Message:  fmt.Sprintf("Views %d exceed %d but no evidence provided", in.ClaimedViews, cfg.MissingEvidenceViews),
	}
}

// decreases flags metrics that shrank versus the previous report
// beyond a small tolerance. History rules never fire without a
// previous report.
func decreases(in Input, cfg config.Quality) map[string]model.SuspicionFlag {
	if in.Previous == nil {
		return nil
	}
	out := make(map[string]model.SuspicionFlag)
	check := func(name string, current, previous int64) {
		if previous <= 0 {
			return
		}
		if current+int64(float64(previous)*cfg.DecreaseTolerance) < previous {
			out[name+"_decrease"] = model.SuspicionFlag{
				Previous: iptr(previous),
				Current:  iptr(current),
				Severity: string(model.SeverityLow),
				Message:  fmt.Sprintf("%s decreased from %d to %d", name, previous, current),
			}
		}
	}
	check("views", in.ClaimedViews, in.Previous.ClaimedViews)
	check("clicks", in.ClaimedClicks, in.Previous.ClaimedClicks)
	check("conversions", in.ClaimedConversions, in.Previous.ClaimedConversions)
	return out
}

// spikes flags implausible growth versus the previous report. Growth
// from zero is unmeasurable and never flagged.
func spikes(in Input, cfg config.Quality) map[string]model.SuspicionFlag {
	if in.Previous == nil {
		return nil
	}
	out := make(map[string]model.SuspicionFlag)
	check := func(name string, current, previous int64) {
		if previous <= 0 {
			return
		}
		growth := float64(current-previous) / float64(previous)
		if growth <= cfg.SpikeGrowth {
			return
		}
		out[name+"_spike"] = model.SuspicionFlag{
			Value:     fptr(math.Round(growth*100) / 100),
			Threshold: fptr(cfg.SpikeGrowth),
			Severity:  string(model.SeverityHigh),
			Message:   fmt.Sprintf("%s grew %.0f%% vs previous > %.0f%% threshold", name, growth*100, cfg.SpikeGrowth*100),
		}
	}
	check("views", in.ClaimedViews, in.Previous.ClaimedViews)
	check("clicks", in.ClaimedClicks, in.Previous.ClaimedClicks)
	check("conversions", in.ClaimedConversions, in.Previous.ClaimedConversions)
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func fptr(v float64) *float64 { return &v }
func iptr(v int64) *int64     { return &v }
