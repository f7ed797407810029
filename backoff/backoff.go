// Package backoff computes retry delays for platform adapter calls:
// exponential growth from a base delay, a hard cap, and a jitter band
// so concurrent retries do not re-converge on the same instant.
package backoff

import (
	"math"
	"math/rand"
	"time"

	"github.com/claimpilot/reconciler/config"
)

// Delay returns the pause before the given retry attempt. Attempts
// count from 1; anything lower is treated as 1. The exponential delay
// is capped before jitter, and jitter spreads the result uniformly
// across [d-d*j, d+d*j].
func Delay(attempt int, cfg config.Backoff) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.Base) * math.Pow(cfg.Factor, float64(attempt-1))
	if limit := float64(cfg.Max); d > limit {
		d = limit
	}
	if cfg.Jitter > 0 {
		span := d * cfg.Jitter
		d = d - span + rand.Float64()*2*span
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
