// Package integrations holds the built-in platform adapters. Each one
// serves mock metrics derived deterministically from the post URL, so
// repeated fetches for the same post agree with each other and the
// pipeline can run end to end without external credentials. Swapping a
// mock for a real API client only requires implementing fetch.Adapter.
package integrations

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"github.com/claimpilot/reconciler/fetch"
)

// profile shapes one platform's numbers: audience size, typical
// click-through and conversion ratios, simulated latency, and how
// often the mock pretends the API is down.
type profile struct {
	name       string
	minViews   int64
	maxViews   int64
	ctr        float64 // clicks as a fraction of views
	cvr        float64 // conversions as a fraction of clicks
	latencyMin time.Duration
	latencyMax time.Duration

	failureRate float64
	// Some platforms hide conversion-grade metrics for a share of
	// posts; those fetches come back partial.
	omitConversionsRate float64
}

// MockAdapter is a deterministic stand-in for a platform API client.
type MockAdapter struct {
	p profile
}

func (a *MockAdapter) FetchPostMetrics(ctx context.Context, postURL string) (fetch.Metrics, error) {
	rng := rand.New(rand.NewSource(seed(a.p.name, postURL)))

	latency := a.p.latencyMin
	if span := int64(a.p.latencyMax - a.p.latencyMin); span > 0 {
		latency += time.Duration(rng.Int63n(span))
	}
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return fetch.Metrics{}, ctx.Err()
		case <-t.C:
		}
	}

	if rng.Float64() < a.p.failureRate {
		return fetch.Metrics{}, fmt.Errorf("%s api temporarily unavailable", a.p.name)
	}

	views := a.p.minViews + rng.Int63n(a.p.maxViews-a.p.minViews+1)
	clicks := int64(float64(views) * a.p.ctr * (0.8 + 0.4*rng.Float64()))
	conversions := int64(float64(clicks) * a.p.cvr * (0.8 + 0.4*rng.Float64()))

	m := fetch.Metrics{Views: &views, Clicks: &clicks, Conversions: &conversions}
	if a.p.omitConversionsRate > 0 && rng.Float64() < a.p.omitConversionsRate {
		m.Conversions = nil
	}
	return m, nil
}

// seed folds platform and URL into one stable source so every fetch
// for a post replays the same numbers.
func seed(platform, postURL string) int64 {
	h := fnv.New64a()
	h.Write([]byte(platform))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.ToLower(postURL)))
	return int64(h.Sum64())
}

// Registry returns the built-in adapters keyed by lowercase platform
// name. "twitter" aliases the x adapter.
func Registry() map[string]fetch.Adapter {
	x := &MockAdapter{p: profile{
		name: "x", minViews: 300, maxViews: 15000, ctr: 0.025, cvr: 0.04,
		latencyMin: 15 * time.Millisecond, latencyMax: 60 * time.Millisecond,
		failureRate: 0.05, omitConversionsRate: 0.10,
	}}
	return map[string]fetch.Adapter{
		"reddit": &MockAdapter{p: profile{
			name: "reddit", minViews: 100, maxViews: 5000, ctr: 0.04, cvr: 0.12,
			latencyMin: 20 * time.Millisecond, latencyMax: 80 * time.Millisecond,
			failureRate: 0.05,
		}},
		"instagram": &MockAdapter{p: profile{
			name: "instagram", minViews: 500, maxViews: 20000, ctr: 0.03, cvr: 0.08,
			latencyMin: 25 * time.Millisecond, latencyMax: 90 * time.Millisecond,
			failureRate: 0.05,
		}},
		"tiktok": &MockAdapter{p: profile{
			name: "tiktok", minViews: 2000, maxViews: 120000, ctr: 0.02, cvr: 0.05,
			latencyMin: 20 * time.Millisecond, latencyMax: 70 * time.Millisecond,
			failureRate: 0.05,
		}},
		"youtube": &MockAdapter{p: profile{
			name: "youtube", minViews: 1000, maxViews: 80000, ctr: 0.035, cvr: 0.06,
			latencyMin: 30 * time.Millisecond, latencyMax: 110 * time.Millisecond,
			failureRate: 0.05,
		}},
		"x":       x,
		"twitter": x,
	}
}
