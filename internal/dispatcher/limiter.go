package dispatcher

import (
	"sync"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter is a per-key rate limiter, adapted from the teacher's
// scheduler.TokenBucketLimiter: one token bucket per microcontroller UUID,
// used here as a secondary publish-admission safeguard on top of the
// per-microcontroller inflight cap the repository already enforces — a
// microcontroller with a flaky connection shouldn't be hammered with
// retries the instant its inflight slot frees up.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter allowing r events/sec per key
// with burst b.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether key may proceed now, consuming a token if so.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiterFor(key).Allow()
}

func (l *TokenBucketLimiter) limiterFor(key string) *rate.Limiter {
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}
