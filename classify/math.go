package classify

import "math"

// PctDiff returns the relative difference of a claimed count against a
// platform count, as a fraction of the platform count. Two zeroes agree
// perfectly; a zero platform count with a nonzero claim is treated as a
// full 100% discrepancy rather than a division blowup.
func PctDiff(claimed, platform int64) float64 {
	if claimed == 0 && platform == 0 {
		return 0.0
	}
	if platform == 0 {
		return 1.0
	}
	diff := claimed - platform
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(platform)
}

// ApplyGrowthAllowance inflates a platform count to account for metrics
// that keep accruing between the affiliate's snapshot and the platform
// fetch. Hours are capped so stale reports do not earn unbounded slack.
// The result rounds half away from zero.
func ApplyGrowthAllowance(platformValue int64, elapsedHours, ratePerHour, capHours float64) int64 {
	hours := elapsedHours
	if hours < 0 {
		hours = 0
	}
	if hours > capHours {
		hours = capHours
	}
	return int64(math.Round(float64(platformValue) * (1 + ratePerHour*hours)))
}
