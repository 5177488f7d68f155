package intellimail

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultRetryBase              = 2 * time.Second
	defaultRetryMultiplier        = 2.0
	defaultRetryCap               = 5 * time.Minute
	defaultRetryJitter            = time.Second
	defaultRetryMaxAttempts       = 5
	defaultRetryMaxQuotaDeferrals = 20
)

// RetryPolicy is shared by worker nacks and scheduler fetch retries.
type RetryPolicy struct {
	Base              time.Duration
	Multiplier        float64
	Cap               time.Duration
	Jitter            time.Duration
	MaxAttempts       int
	MaxQuotaDeferrals int

	random func() float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Jitter: defaultRetryJitter}.Normalize()
}

func (p RetryPolicy) Normalize() RetryPolicy {
	if p.Base <= 0 {
		p.Base = defaultRetryBase
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultRetryMultiplier
	}
	if p.Cap <= 0 {
		p.Cap = defaultRetryCap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryMaxAttempts
	}
	if p.MaxQuotaDeferrals <= 0 {
		p.MaxQuotaDeferrals = defaultRetryMaxQuotaDeferrals
	}
	if p.random == nil {
		p.random = rand.Float64
	}
	return p
}

// Delay returns the wait after the attempt with 0-based index k:
// min(Base*Multiplier^k, Cap) plus a uniform jitter in [0, Jitter].
func (p RetryPolicy) Delay(k int) time.Duration {
	p = p.Normalize()
	if k < 0 {
		k = 0
	}
	backoff := float64(p.Base) * math.Pow(p.Multiplier, float64(k))
	if math.IsInf(backoff, 0) || backoff > float64(p.Cap) {
		backoff = float64(p.Cap)
	}
	delay := time.Duration(backoff)
	if p.Jitter > 0 {
		delay += time.Duration(p.random() * float64(p.Jitter))
	}
	return delay
}

func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.Normalize().MaxAttempts
}

func (p RetryPolicy) QuotaExhausted(deferrals int) bool {
	return deferrals >= p.Normalize().MaxQuotaDeferrals
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempt budget runs out. Quota errors wait for their RetryAfter hint.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.Normalize()
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		kind := Classify(err)
		if kind == KindPermanent || kind == KindCanceled {
			return err
		}
		if attempt+1 >= p.MaxAttempts {
			break
		}
		delay := p.Delay(attempt)
		var quotaErr *QuotaError
		if kind == KindQuota && errors.As(err, &quotaErr) && quotaErr.RetryAfter > 0 {
			delay = quotaErr.RetryAfter
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
