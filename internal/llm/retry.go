package llm

import (
	"context"
	"time"
)

// RetryPolicy bounds retries for overload-class failures. The same
// policy object serves both chat and summarize calls so the
// classification logic is tested once.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; it doubles on
	// each subsequent attempt (1s, 2s, 4s, ...).
	BaseDelay time.Duration
}

// DefaultRetryPolicy returns the standard policy: 3 attempts, 1s base.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

func (p RetryPolicy) applyDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	return p
}

// Delay returns the backoff before the given retry. attempt is
// zero-based: Delay(0) is the wait after the first failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// RetryableStatus reports whether an HTTP status warrants another attempt.
func RetryableStatus(status int) bool {
	return status >= 500
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns true if the
// sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
