package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter wraps golang.org/x/time/rate for clients with a
// fixed request budget, like the embeddings provider.
type TokenBucketLimiter struct {
	limiter *rate.Limiter
}

func NewTokenBucketLimiter(rps int, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// AdaptiveLimiter spaces outbound requests by a minimum inter-request
// delay that self-tunes from the remote API's feedback: it doubles on
// low remaining quota, 429s and network failures, and relaxes back
// toward the endpoint-class floor after a run of successes. One
// instance is shared by all concurrent callers of the same endpoint
// class, because the remote rate limit is global to the credential,
// not per tenant.
type AdaptiveLimiter struct {
	mu sync.Mutex

	floor   time.Duration
	ceiling time.Duration

	minDelay      time.Duration
	lastRequest   time.Time
	successStreak int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

const (
	// relax the delay after this many consecutive clean responses
	relaxAfterSuccesses = 20
	// remaining-quota level below which the delay is doubled
	lowQuotaThreshold = 5
	// extra sleep on top of a 429's Retry-After
	retryAfterBuffer = time.Second
)

type AdaptiveOption func(*AdaptiveLimiter)

// WithClock substitutes the time source and sleep function. Tests use
// this to assert on delay computations without real sleeps.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) AdaptiveOption {
	return func(l *AdaptiveLimiter) {
		l.now = now
		l.sleep = sleep
	}
}

func NewAdaptiveLimiter(floor, ceiling time.Duration, opts ...AdaptiveOption) *AdaptiveLimiter {
	l := &AdaptiveLimiter{
		floor:    floor,
		ceiling:  ceiling,
		minDelay: floor,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait blocks until the minimum inter-request delay since the previous
// request has elapsed, then records the request start.
func (l *AdaptiveLimiter) Wait(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	now := l.now()
	var wait time.Duration
	if !l.lastRequest.IsZero() {
		elapsed := now.Sub(l.lastRequest)
		if elapsed < l.minDelay {
			wait = l.minDelay - elapsed
		}
	}
	l.lastRequest = now.Add(wait)
	l.mu.Unlock()

	if wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return wait, err
		}
	}
	return wait, nil
}

// ReportSuccess records a clean response. remaining is the value of the
// remote's remaining-quota header, or -1 when the header was absent.
func (l *AdaptiveLimiter) ReportSuccess(remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if remaining >= 0 && remaining < lowQuotaThreshold {
		l.raise(l.minDelay * 2)
		l.successStreak = 0
		return
	}

	l.successStreak++
	if l.successStreak >= relaxAfterSuccesses && l.minDelay > l.floor {
		// relax cautiously: halfway back toward the floor, never below it
		relaxed := l.floor + (l.minDelay-l.floor)/2
		if relaxed-l.floor < l.floor/20 {
			relaxed = l.floor
		}
		l.minDelay = relaxed
		l.successStreak = 0
	}
}

// ReportThrottled handles a 429: sleeps for retryAfter plus a buffer
// and raises the delay to at least double its prior value, never below
// double the endpoint-class floor.
func (l *AdaptiveLimiter) ReportThrottled(ctx context.Context, retryAfter time.Duration) error {
	l.mu.Lock()
	raised := l.minDelay * 2
	if raised < l.floor*2 {
		raised = l.floor * 2
	}
	l.raise(raised)
	l.successStreak = 0
	l.mu.Unlock()

	return l.sleep(ctx, retryAfter+retryAfterBuffer)
}

// ReportFailure doubles the delay after a network-level failure as a
// precaution.
func (l *AdaptiveLimiter) ReportFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.raise(l.minDelay * 2)
	l.successStreak = 0
}

func (l *AdaptiveLimiter) MinDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minDelay
}

// raise sets minDelay, clamped to [floor, ceiling]. Callers hold the lock.
func (l *AdaptiveLimiter) raise(d time.Duration) {
	if d > l.ceiling {
		d = l.ceiling
	}
	if d < l.floor {
		d = l.floor
	}
	l.minDelay = d
}
