// Package fetch wraps platform adapter calls with the resilience
// stack: per-platform circuit breaker, per-platform rate limiting,
// bounded retries with exponential backoff, and partial-data tagging.
// The reconciliation engine consumes the resulting Outcome without
// caring which of those mechanisms shaped it.
package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/claimpilot/reconciler/backoff"
	"github.com/claimpilot/reconciler/breaker"
	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/observability"
)

// Error codes carried on failed outcomes. Breaker denials reuse the
// breaker package's reason strings.
const (
	CodeRateLimited    = "rate_limited"
	CodeAuthError      = "auth_error"
	CodeFetchError     = "fetch_error"
	CodeAdapterMissing = "adapter_missing"
)

// Metrics are the platform-side counts an adapter returned. Nil means
// the platform did not provide that field.
type Metrics struct {
	Views       *int64
	Clicks      *int64
	Conversions *int64
}

// Outcome is the result of one resilient fetch. Attempts counts
// adapter invocations; zero means the call never reached the adapter.
type Outcome struct {
	Success        bool
	Metrics        *Metrics
	PartialMissing []string
	Attempts       int
	ErrorCode      string
	ErrorMessage   string
	RateLimited    bool
}

// Adapter retrieves source-of-truth metrics for a post URL on one
// platform.
type Adapter interface {
	FetchPostMetrics(ctx context.Context, postURL string) (Metrics, error)
}

// Fetcher runs adapter calls for every platform through the shared
// resilience stack.
type Fetcher struct {
	adapters map[string]Adapter
	breaker  *breaker.Breaker
	limiter  *PlatformLimiter

	maxAttempts int
	backoffCfg  config.Backoff
	callTimeout time.Duration

	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewFetcher(adapters map[string]Adapter, br *breaker.Breaker, lim *PlatformLimiter, bo config.Backoff, fc config.Fetch, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		adapters:    adapters,
		breaker:     br,
		limiter:     lim,
		maxAttempts: bo.MaxAttempts,
		backoffCfg:  bo,
		callTimeout: fc.CallTimeout,
		log:         log,
		sleep:       sleepCtx,
	}
}

// Fetch retrieves metrics for a post. Unknown platforms fail terminally
// without touching the breaker; breaker denials fail without touching
// the adapter. Everything else runs the retry loop.
func (f *Fetcher) Fetch(ctx context.Context, platform, postURL string) Outcome {
	name := strings.ToLower(platform)

	adapter, ok := f.adapters[name]
	if !ok {
		f.log.Error("no adapter registered for platform", zap.String("platform", platform))
		return Outcome{
			PartialMissing: allFieldsMissing(),
			ErrorCode:      CodeAdapterMissing,
			ErrorMessage:   fmt.Sprintf("no adapter registered for platform %q", platform),
		}
	}

	if allow, reason := f.breaker.AllowCall(name); !allow {
		f.log.Warn("platform fetch skipped by circuit breaker",
			zap.String("platform", name),
			zap.String("reason", reason))
		return Outcome{
			PartialMissing: allFieldsMissing(),
			ErrorCode:      reason,
			ErrorMessage:   "Circuit breaker denies call: " + reason,
		}
	}

	var (
		attempts    int
		lastCode    string
		lastMessage string
		rateLimited bool
	)
	for attempts < f.maxAttempts {
		attempts++
		metrics, code, msg := f.callAdapter(ctx, adapter, name, postURL)
		result := code
		if result == "" {
			result = "success"
		}
		observability.FetchAttempts.WithLabelValues(name, result).Inc()
		if code == "" {
			f.breaker.RecordSuccess(name)
			return Outcome{
				Success:        true,
				Metrics:        metrics,
				PartialMissing: missingFields(metrics),
				Attempts:       attempts,
			}
		}

		lastCode, lastMessage = code, msg
		if code == CodeRateLimited {
			rateLimited = true
		}
		f.breaker.RecordFailure(name)
		if code == CodeAuthError {
			break
		}
		if attempts >= f.maxAttempts {
			break
		}

		delay := backoff.Delay(attempts, f.backoffCfg)
		f.log.Warn("platform fetch retry scheduled",
			zap.String("platform", name),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.String("error_code", code))
		if !f.sleep(ctx, delay) {
			break
		}
	}

	return Outcome{
		PartialMissing: allFieldsMissing(),
		Attempts:       attempts,
		ErrorCode:      lastCode,
		ErrorMessage:   lastMessage,
		RateLimited:    rateLimited,
	}
}

// callAdapter runs one adapter invocation under the rate limiter and
// the per-call timeout, classifying any error into a code.
func (f *Fetcher) callAdapter(ctx context.Context, adapter Adapter, platform, postURL string) (*Metrics, string, string) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, platform); err != nil {
			return nil, CodeFetchError, "rate limiter wait aborted: " + err.Error()
		}
	}

	callCtx := ctx
	if f.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.callTimeout)
		defer cancel()
	}
	metrics, err := adapter.FetchPostMetrics(callCtx, postURL)
	if err != nil {
		code, msg := classifyError(err)
		return nil, code, msg
	}
	return &metrics, "", ""
}

// classifyError buckets adapter failures. Rate-limit wording retries
// with the flag set; auth failures are terminal; anything else is a
// retryable fetch error.
func classifyError(err error) (code, message string) {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"):
		return CodeRateLimited, msg
	case strings.Contains(lower, "auth"), strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return CodeAuthError, msg
	default:
		return CodeFetchError, msg
	}
}

func allFieldsMissing() []string {
	return []string{"views", "clicks", "conversions"}
}

// missingFields lists nil metrics in canonical order.
func missingFields(m *Metrics) []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value *int64
	}{
		{"views", m.Views},
		{"clicks", m.Clicks},
		{"conversions", m.Conversions},
	} {
		if f.value == nil {
			missing = append(missing, f.name)
		}
	}
	return missing
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
