// Package retry provides the bounded retry loop shared by every caller of a
// cold-starting upstream.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy controls how a failed call is retried. Only errors accepted by
// Retryable are retried; anything else ends the loop immediately.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Retryable    func(error) bool

	// Sleep waits between attempts. Nil means a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(maxRetries int, delay time.Duration, retryable func(error) bool) Policy {
	return Policy{
		MaxRetries:   maxRetries,
		InitialDelay: delay,
		Multiplier:   1,
		MaxDelay:     delay,
		Retryable:    retryable,
	}
}

// Exponential returns a policy whose delay grows by multiplier per retry, capped at maxDelay.
func Exponential(maxRetries int, initial time.Duration, multiplier float64, maxDelay time.Duration, retryable func(error) bool) Policy {
	return Policy{
		MaxRetries:   maxRetries,
		InitialDelay: initial,
		Multiplier:   multiplier,
		MaxDelay:     maxDelay,
		Retryable:    retryable,
	}
}

// MaxAttempts is the total number of calls the policy can make.
func (p Policy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// NextDelay returns the wait before retry number retry (1-indexed).
func (p Policy) NextDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(retry-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether err is retryable and another attempt is allowed
// after the given (1-indexed) attempt.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts() {
		return false
	}
	if p.Retryable == nil {
		return false
	}
	return p.Retryable(err)
}

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Number int // 1-indexed attempt that just failed
	Max    int
	Err    error
	Delay  time.Duration
}

// Do calls fn until it succeeds, returns a non-retryable error, or the policy
// is exhausted. onRetry, if set, is called after each retryable failure and
// before the delay. Cancelling ctx interrupts both fn and the pending delay.
// The returned error is the last error from fn, or ctx.Err() if the wait was
// interrupted.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry func(Attempt)) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	maxAttempts := p.MaxAttempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.ShouldRetry(lastErr, attempt) {
			return lastErr
		}

		delay := p.NextDelay(attempt)
		if onRetry != nil {
			onRetry(Attempt{Number: attempt, Max: maxAttempts, Err: lastErr, Delay: delay})
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
