// Package clock is the single wall-time source. All persisted timestamps
// are UTC; components needing deterministic time hold a now func()
// defaulting to Now.
package clock

import "time"

// Now returns the current UTC wall time. The monotonic reading is kept so
// durations measured between two Now calls stay immune to clock steps.
func Now() time.Time {
	return time.Now().UTC()
}

// HoursBetween returns the hours elapsed from a to b, clamped non-negative.
func HoursBetween(a, b time.Time) float64 {
	h := b.Sub(a).Hours()
	if h < 0 {
		return 0
	}
	return h
}
