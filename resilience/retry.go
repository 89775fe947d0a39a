package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy retries a single provider call with exponential backoff.
// The zero value performs exactly one attempt.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, first call included.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it grows by Multiplier.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff. Zero means no cap.
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the fraction of each delay that is randomized, in [0,1].
	Jitter float64
	// AttemptTimeout bounds each attempt independently. Zero disables it.
	AttemptTimeout time.Duration
	// Retryable decides whether a failed attempt is worth repeating.
	// Nil retries every error.
	Retryable func(error) bool
	// Logger receives retry warnings. Nil keeps retries silent.
	Logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// DefaultRetryPolicy returns 3 attempts, 100ms base delay doubling up to 2s
// with 20% jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx ends. It returns the number of attempts made and the
// last error. Backoff sleeps honour ctx.
func (p *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	maxAttempts := 1
	if p != nil && p.MaxAttempts > 1 {
		maxAttempts = p.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = p.attempt(ctx, fn)
		if lastErr == nil {
			return attempt, nil
		}

		// Don't retry if the caller's context is done.
		if ctx.Err() != nil {
			return attempt, lastErr
		}
		// An open circuit stays open for the rest of this request.
		if _, ok := lastErr.(*ErrCircuitOpen); ok {
			return attempt, lastErr
		}
		if p == nil || (p.Retryable != nil && !p.Retryable(lastErr)) {
			return attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "retrying call",
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"backoff_ms", wait.Milliseconds(),
				"error", lastErr)
		}
		if wait > 0 {
			if err := p.doSleep(ctx, wait); err != nil {
				return attempt, lastErr
			}
		}
	}
	return maxAttempts, lastErr
}

func (p *RetryPolicy) attempt(ctx context.Context, fn func(context.Context) error) error {
	if p != nil && p.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// Backoff returns the delay after the given (1-based) failed attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if p == nil || p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if j := min(max(p.Jitter, 0), 1); j > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		// Keep (1-j) of the delay fixed, randomize the rest.
		d = d*(1-j) + d*j*r()
	}
	return time.Duration(d)
}

func (p *RetryPolicy) doSleep(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
