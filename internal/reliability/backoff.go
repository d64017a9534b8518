package reliability

import (
	"context"
	"math"
	"time"
)

// RetryPolicy describes an exponential backoff: Base * Factor^attempt, capped at Max
type RetryPolicy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// DefaultRetryPolicy returns the supervisor reconnect policy (5s doubling up to 5 minutes)
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:   5 * time.Second,
		Factor: 2,
		Max:    300 * time.Second,
	}
}

// normalized fills in missing or invalid fields
func (p RetryPolicy) normalized() RetryPolicy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Factor <= 1 {
		p.Factor = 2
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// Delay returns the wait before retry number attempt (0-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}

	// Compare exponents to avoid overflowing float64 for large attempt counts
	e := float64(attempt) * math.Log(p.Factor)
	maxE := math.Log(float64(p.Max) / float64(p.Base))
	if math.IsNaN(e) || math.IsInf(e, 0) || e >= maxE {
		return p.Max
	}

	delay := time.Duration(math.Round(float64(p.Base) * math.Pow(p.Factor, float64(attempt))))
	if delay > p.Max {
		return p.Max
	}
	return delay
}

// Backoff is a stateful attempt counter over a RetryPolicy. It is not safe for concurrent use.
type Backoff struct {
	policy  RetryPolicy
	attempt int
}

// NewBackoff creates a backoff starting at attempt zero
func NewBackoff(policy RetryPolicy) *Backoff {
	return &Backoff{policy: policy}
}

// Next returns the delay for the current attempt and advances the counter
func (b *Backoff) Next() time.Duration {
	d := b.policy.Delay(b.attempt)
	if d < b.policy.normalized().Max {
		b.attempt++
	}
	return d
}

// Attempt returns the number of consecutive failures recorded so far
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset restarts the sequence after a success
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Wait sleeps for the next delay or until ctx is cancelled
func (b *Backoff) Wait(ctx context.Context) error {
	return Sleep(ctx, b.Next())
}

// Sleep waits for d, returning ctx.Err() if the context ends first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry runs fn up to attempts times, sleeping per policy between failures.
// It stops early when ctx is cancelled.
func Retry(ctx context.Context, policy RetryPolicy, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}
