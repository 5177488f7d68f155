package intellimail

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterBurstThenWait(t *testing.T) {
	// 600 rpm is one token every 100ms.
	limiter := NewRateLimiter(RateLimitOptions{RequestsPerMinute: 600, Burst: 2, MaxWait: time.Second})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := limiter.Acquire(ctx, "owner_1"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 180*time.Millisecond {
		t.Fatalf("expected at least (4-2)/r = 200ms of waiting, got %s", elapsed)
	}
}

func TestRateLimiterQuotaErrorKeepsToken(t *testing.T) {
	limiter := NewRateLimiter(RateLimitOptions{RequestsPerMinute: 60, Burst: 1, MaxWait: 10 * time.Millisecond})
	ctx := context.Background()
	if err := limiter.Acquire(ctx, "owner_1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := limiter.Acquire(ctx, "owner_1")
	var quotaErr *QuotaError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if quotaErr.RetryAfter <= 500*time.Millisecond || quotaErr.RetryAfter > time.Second {
		t.Fatalf("expected retry hint near one second, got %s", quotaErr.RetryAfter)
	}
	// The cancelled reservation is handed back, so the next hint does not grow.
	err = limiter.Acquire(ctx, "owner_1")
	if !errors.As(err, &quotaErr) || quotaErr.RetryAfter > time.Second {
		t.Fatalf("expected retry hint to stay under one second, got %v", err)
	}
}

func TestRateLimiterOwnersAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(RateLimitOptions{RequestsPerMinute: 1, Burst: 1})
	if !limiter.Allow("owner_1") || limiter.Allow("owner_1") {
		t.Fatalf("expected owner_1 to get exactly one token")
	}
	if !limiter.Allow("owner_2") {
		t.Fatalf("expected owner_2 to have its own bucket")
	}
}

func TestRateLimiterUpdateRetunes(t *testing.T) {
	limiter := NewRateLimiter(RateLimitOptions{RequestsPerMinute: 1, Burst: 1})
	if !limiter.Allow("owner_1") {
		t.Fatalf("expected first token")
	}
	limiter.Update(RateLimitOptions{RequestsPerMinute: 60000, Burst: 5})
	time.Sleep(20 * time.Millisecond)
	if !limiter.Allow("owner_1") {
		t.Fatalf("expected a token after raising the rate")
	}
}

func TestRateLimiterNilIsUnlimited(t *testing.T) {
	var limiter *RateLimiter
	if err := limiter.Acquire(context.Background(), "owner_1"); err != nil || !limiter.Allow("owner_1") {
		t.Fatalf("expected nil limiter to allow everything, got %v", err)
	}
}
