package integrations

import (
	"context"
	"testing"
	"time"
)

func testAdapter(omitRate float64) *MockAdapter {
	return &MockAdapter{p: profile{
		name:     "reddit",
		minViews: 100, maxViews: 5000,
		ctr: 0.04, cvr: 0.12,
		latencyMin: time.Millisecond, latencyMax: 2 * time.Millisecond,

		omitConversionsRate: omitRate,
	}}
}

func TestFetchPostMetricsDeterministic(t *testing.T) {
	a := testAdapter(0)
	ctx := context.Background()

	first, err := a.FetchPostMetrics(ctx, "https://reddit.com/r/deals/abc")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second, err := a.FetchPostMetrics(ctx, "https://reddit.com/r/deals/abc")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if *first.Views != *second.Views || *first.Clicks != *second.Clicks || *first.Conversions != *second.Conversions {
		t.Errorf("Expected identical metrics for repeated fetches, got %d/%d/%d then %d/%d/%d",
			*first.Views, *first.Clicks, *first.Conversions,
			*second.Views, *second.Clicks, *second.Conversions)
	}
}

func TestFetchPostMetricsPlausibleShape(t *testing.T) {
	a := testAdapter(0)
	m, err := a.FetchPostMetrics(context.Background(), "https://reddit.com/r/deals/xyz")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if *m.Views < a.p.minViews || *m.Views > a.p.maxViews {
		t.Errorf("Expected views within [%d, %d], got %d", a.p.minViews, a.p.maxViews, *m.Views)
	}
	if *m.Clicks > *m.Views {
		t.Errorf("Expected clicks <= views, got %d > %d", *m.Clicks, *m.Views)
	}
	if *m.Conversions > *m.Clicks {
		t.Errorf("Expected conversions <= clicks, got %d > %d", *m.Conversions, *m.Clicks)
	}
}

func TestFetchPostMetricsOmitsConversions(t *testing.T) {
	a := testAdapter(1.0)
	m, err := a.FetchPostMetrics(context.Background(), "https://reddit.com/r/deals/partial")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.Views == nil || m.Clicks == nil {
		t.Fatal("Expected views and clicks to be present")
	}
	if m.Conversions != nil {
		t.Errorf("Expected conversions to be omitted, got %d", *m.Conversions)
	}
}

func TestFetchPostMetricsHonorsContext(t *testing.T) {
	a := &MockAdapter{p: profile{
		name: "reddit", minViews: 100, maxViews: 5000, ctr: 0.04, cvr: 0.12,
		latencyMin: 200 * time.Millisecond, latencyMax: 400 * time.Millisecond,
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	if _, err := a.FetchPostMetrics(ctx, "https://reddit.com/r/slow"); err == nil {
		t.Error("Expected context error for canceled fetch")
	}
}

func TestRegistryPlatforms(t *testing.T) {
	reg := Registry()

	for _, name := range []string{"reddit", "instagram", "tiktok", "youtube", "x", "twitter"} {
		if _, ok := reg[name]; !ok {
			t.Errorf("Expected registry to contain %q", name)
		}
	}
	if reg["twitter"] != reg["x"] {
		t.Error("Expected twitter to alias the x adapter")
	}
}
