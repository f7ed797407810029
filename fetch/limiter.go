package fetch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/claimpilot/reconciler/config"
)

// PlatformLimiter smooths adapter call rates with one token bucket per
// platform. Buckets are created on first use.
type PlatformLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func NewPlatformLimiter(cfg config.Fetch) *PlatformLimiter {
	return &PlatformLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(cfg.RatePerSecond),
		b:        cfg.RateBurst,
	}
}

func (l *PlatformLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow reports whether a call may proceed right now.
func (l *PlatformLimiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

// Wait blocks until a token is available or ctx is done.
func (l *PlatformLimiter) Wait(ctx context.Context, key string) error {
	return l.limiterFor(key).Wait(ctx)
}
