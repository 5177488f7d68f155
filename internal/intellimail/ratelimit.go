package intellimail

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitOptions struct {
	RequestsPerMinute float64
	Burst             int
	MaxWait           time.Duration
}

// RateLimiter holds one token bucket per owner. All workers in a process share
// the same instance.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	maxWait  time.Duration
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	limit, burst, maxWait := normalizeRateLimit(opts)
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		maxWait:  maxWait,
		limiters: map[string]*rate.Limiter{},
	}
}

func normalizeRateLimit(opts RateLimitOptions) (rate.Limit, int, time.Duration) {
	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	maxWait := opts.MaxWait
	if maxWait < 0 {
		maxWait = 0
	}
	return rate.Limit(rpm / 60), burst, maxWait
}

// Acquire waits for a token from the owner's bucket. When the token would not
// be available within MaxWait (or before ctx's deadline) the reservation is
// returned to the bucket and a *QuotaError is reported instead.
func (l *RateLimiter) Acquire(ctx context.Context, ownerID string) error {
	if l == nil {
		return nil
	}
	limiter := l.limiterFor(ownerID)
	l.mu.Lock()
	maxWait := l.maxWait
	l.mu.Unlock()

	now := time.Now()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return &QuotaError{OwnerID: ownerID, RetryAfter: maxWait}
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	allowed := maxWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := deadline.Sub(now); remaining < allowed {
			allowed = remaining
		}
	}
	if delay > allowed {
		reservation.CancelAt(now)
		return &QuotaError{OwnerID: ownerID, RetryAfter: delay}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	}
}

// Allow takes a token only when one is available right now.
func (l *RateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.limiterFor(key).Allow()
}

// Update retunes every bucket. Tokens already spent stay spent.
func (l *RateLimiter) Update(opts RateLimitOptions) {
	if l == nil {
		return
	}
	limit, burst, maxWait := normalizeRateLimit(opts)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
	l.burst = burst
	l.maxWait = maxWait
	now := time.Now()
	for _, limiter := range l.limiters {
		limiter.SetLimitAt(now, limit)
		limiter.SetBurstAt(now, burst)
	}
}

func (l *RateLimiter) limiterFor(key string) *rate.Limiter {
	key = strings.TrimSpace(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}
