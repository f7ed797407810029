package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/claimpilot/reconciler/breaker"
	"github.com/claimpilot/reconciler/config"
)

type stubAdapter struct {
	calls int
	fn    func(call int) (Metrics, error)
}

func (s *stubAdapter) FetchPostMetrics(ctx context.Context, postURL string) (Metrics, error) {
	s.calls++
	return s.fn(s.calls)
}

func i64(v int64) *int64 { return &v }

func fullMetrics() Metrics {
	return Metrics{Views: i64(1000), Clicks: i64(50), Conversions: i64(5)}
}

// newTestFetcher wires a fetcher with deterministic backoff, captured
// sleeps, and no rate limiter.
func newTestFetcher(adapters map[string]Adapter) (*Fetcher, *breaker.Breaker, *[]time.Duration) {
	br := breaker.New(config.DefaultCircuitBreaker())
	bo := config.DefaultBackoff()
	bo.Jitter = 0
	f := NewFetcher(adapters, br, nil, bo, config.DefaultFetch(), nil)

	sleeps := &[]time.Duration{}
	f.sleep = func(ctx context.Context, d time.Duration) bool {
		*sleeps = append(*sleeps, d)
		return true
	}
	return f, br, sleeps
}

func TestFetchSuccess(t *testing.T) {
	adapter := &stubAdapter{fn: func(int) (Metrics, error) { return fullMetrics(), nil }}
	f, br, _ := newTestFetcher(map[string]Adapter{"reddit": adapter})

	out := f.Fetch(context.Background(), "reddit", "https://reddit.com/r/x/comments/1")
	if !out.Success {
		t.Fatalf("Expected success, got %+v", out)
	}
	if out.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", out.Attempts)
	}
	if len(out.PartialMissing) != 0 {
		t.Errorf("Expected no missing fields, got %v", out.PartialMissing)
	}
	if out.Metrics == nil || *out.Metrics.Views != 1000 {
		t.Errorf("Expected views 1000, got %+v", out.Metrics)
	}
	if snap := br.Snapshot(); snap["reddit"].Failures != 0 {
		t.Errorf("Expected clean breaker after success, got %+v", snap["reddit"])
	}
}

func TestFetchPartialMissing(t *testing.T) {
	adapter := &stubAdapter{fn: func(int) (Metrics, error) {
		return Metrics{Views: i64(90)}, nil
	}}
	f, _, _ := newTestFetcher(map[string]Adapter{"x": adapter})

	out := f.Fetch(context.Background(), "x", "https://x.com/u/status/1")
	if !out.Success {
		t.Fatalf("Expected success with partial data, got %+v", out)
	}
	if len(out.PartialMissing) != 2 || out.PartialMissing[0] != "clicks" || out.PartialMissing[1] != "conversions" {
		t.Errorf("Expected missing [clicks conversions], got %v", out.PartialMissing)
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	adapter := &stubAdapter{fn: func(call int) (Metrics, error) {
		if call < 3 {
			return Metrics{}, errors.New("connection reset")
		}
		return fullMetrics(), nil
	}}
	f, _, sleeps := newTestFetcher(map[string]Adapter{"tiktok": adapter})

	out := f.Fetch(context.Background(), "tiktok", "https://tiktok.com/@u/video/1")
	if !out.Success || out.Attempts != 3 {
		t.Fatalf("Expected success on attempt 3, got %+v", out)
	}
	// Backoff between attempts only: 1s after the first failure, 2s
	// after the second.
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("Expected %d backoff sleeps, got %v", len(want), *sleeps)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Errorf("Expected sleep %d of %v, got %v", i, d, (*sleeps)[i])
		}
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	adapter := &stubAdapter{fn: func(int) (Metrics, error) {
		return Metrics{}, errors.New("fetch failed")
	}}
	f, br, _ := newTestFetcher(map[string]Adapter{"youtube": adapter})

	out := f.Fetch(context.Background(), "youtube", "https://youtube.com/watch?v=1")
	if out.Success {
		t.Fatal("Expected failure after exhausting retries")
	}
	if out.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", out.Attempts)
	}
	if out.ErrorCode != CodeFetchError || out.ErrorMessage != "fetch failed" {
		t.Errorf("Expected fetch_error/fetch failed, got %s/%s", out.ErrorCode, out.ErrorMessage)
	}
	if len(out.PartialMissing) != 3 {
		t.Errorf("Expected all fields missing, got %v", out.PartialMissing)
	}
	if snap := br.Snapshot(); snap["youtube"].Failures != 3 {
		t.Errorf("Expected 3 breaker failures, got %+v", snap["youtube"])
	}
}

func TestAuthErrorIsTerminal(t *testing.T) {
	adapter := &stubAdapter{fn: func(int) (Metrics, error) {
		return Metrics{}, errors.New("401 unauthorized")
	}}
	f, _, sleeps := newTestFetcher(map[string]Adapter{"instagram": adapter})

	out := f.Fetch(context.Background(), "instagram", "https://instagram.com/p/1")
	if out.Success || out.Attempts != 1 {
		t.Fatalf("Expected single terminal attempt, got %+v", out)
	}
	if out.ErrorCode != CodeAuthError {
		t.Errorf("Expected auth_error, got %s", out.ErrorCode)
	}
	if len(*sleeps) != 0 {
		t.Errorf("Expected no backoff after a terminal error, got %v", *sleeps)
	}
	if adapter.calls != 1 {
		t.Errorf("Expected adapter called once, got %d", adapter.calls)
	}
}

func TestRateLimitedFlagSticks(t *testing.T) {
	adapter := &stubAdapter{fn: func(int) (Metrics, error) {
		return Metrics{}, errors.New("Rate limit exceeded, try later")
	}}
	f, _, _ := newTestFetcher(map[string]Adapter{"reddit": adapter})

	out := f.Fetch(context.Background(), "reddit", "https://reddit.com/r/x/comments/2")
	if out.Success || !out.RateLimited {
		t.Fatalf("Expected rate-limited failure, got %+v", out)
	}
	if out.ErrorCode != CodeRateLimited || out.Attempts != 3 {
		t.Errorf("Expected rate_limited after 3 attempts, got %s/%d", out.ErrorCode, out.Attempts)
	}
}

func TestRateLimitedThenRecovered(t *testing.T) {
	adapter := &stubAdapter{fn: func(call int) (Metrics, error) {
		if call == 1 {
			return Metrics{}, errors.New("rate limit hit")
		}
		return fullMetrics(), nil
	}}
	f, _, _ := newTestFetcher(map[string]Adapter{"reddit": adapter})

	out := f.Fetch(context.Background(), "reddit", "https://reddit.com/r/x/comments/3")
	if !out.Success || out.Attempts != 2 {
		t.Fatalf("Expected recovery on attempt 2, got %+v", out)
	}
	// A successful outcome does not carry the flag from earlier tries.
	if out.RateLimited {
		t.Error("Expected rate_limited false on success")
	}
}

func TestBreakerDenialShortCircuits(t *testing.T) {
	adapter := &stubAdapter{fn: func(int) (Metrics, error) { return fullMetrics(), nil }}
	f, br, _ := newTestFetcher(map[string]Adapter{"reddit": adapter})

	for i := 0; i < 5; i++ {
		br.RecordFailure("reddit")
	}

	out := f.Fetch(context.Background(), "reddit", "https://reddit.com/r/x/comments/4")
	if out.Success || out.Attempts != 0 {
		t.Fatalf("Expected denial without attempts, got %+v", out)
	}
	if out.ErrorCode != breaker.ReasonCircuitOpen {
		t.Errorf("Expected circuit_open, got %s", out.ErrorCode)
	}
	if out.ErrorMessage != "Circuit breaker denies call: circuit_open" {
		t.Errorf("Unexpected message %q", out.ErrorMessage)
	}
	if adapter.calls != 0 {
		t.Errorf("Expected adapter untouched, got %d calls", adapter.calls)
	}
}

func TestUnknownPlatformIsTerminal(t *testing.T) {
	f, br, _ := newTestFetcher(map[string]Adapter{})

	out := f.Fetch(context.Background(), "myspace", "https://myspace.com/post/1")
	if out.Success || out.Attempts != 0 {
		t.Fatalf("Expected terminal adapter_missing, got %+v", out)
	}
	if out.ErrorCode != CodeAdapterMissing {
		t.Errorf("Expected adapter_missing, got %s", out.ErrorCode)
	}
	// The breaker never saw the call.
	if snap := br.Snapshot(); len(snap) != 0 {
		t.Errorf("Expected no circuits, got %+v", snap)
	}
}

func TestPlatformNameCaseInsensitive(t *testing.T) {
	adapter := &stubAdapter{fn: func(int) (Metrics, error) { return fullMetrics(), nil }}
	f, _, _ := newTestFetcher(map[string]Adapter{"reddit": adapter})

	if out := f.Fetch(context.Background(), "Reddit", "https://reddit.com/r/x/comments/5"); !out.Success {
		t.Errorf("Expected case-insensitive platform match, got %+v", out)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		msg  string
		code string
	}{
		{"Rate limit exceeded", CodeRateLimited},
		{"slow down, RATE LIMIT", CodeRateLimited},
		{"auth token expired", CodeAuthError},
		{"HTTP 401 from upstream", CodeAuthError},
		{"got 403 forbidden", CodeAuthError},
		{"connection refused", CodeFetchError},
	}
	for _, tc := range cases {
		if code, _ := classifyError(errors.New(tc.msg)); code != tc.code {
			t.Errorf("classifyError(%q): expected %s, got %s", tc.msg, tc.code, code)
		}
	}
}

func TestLimiterBurst(t *testing.T) {
	cfg := config.DefaultFetch()
	cfg.RatePerSecond = 1
	cfg.RateBurst = 2
	l := NewPlatformLimiter(cfg)

	if !l.Allow("reddit") || !l.Allow("reddit") {
		t.Fatal("Expected burst of 2 allowed")
	}
	if l.Allow("reddit") {
		t.Error("Expected third immediate call denied")
	}
	// Buckets are per platform.
	if !l.Allow("tiktok") {
		t.Error("Expected fresh bucket for another platform")
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	cfg := config.DefaultFetch()
	cfg.RatePerSecond = 0.001
	cfg.RateBurst = 1
	l := NewPlatformLimiter(cfg)
	l.Allow("reddit") // drain the burst

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "reddit"); err == nil {
		t.Error("Expected wait to abort with the context")
	}
}
