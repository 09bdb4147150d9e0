package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes an exponential backoff schedule. It carries no state
// between calls, so one Policy can serve any number of operations.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// Jitter is the fraction (0 <= j < 1) by which a delay may be scaled up or down.
	Jitter float64

	// OnRetry, when set, is called before sleeping between attempts.
	OnRetry func(attempt int, delay time.Duration, err error)

	random func() float64
}

// DefaultPolicy mirrors the configuration defaults: 3 retries, 1s base, x2, 60s cap, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		BackoffFactor: 2,
		MaxDelay:      60 * time.Second,
		Jitter:        0.1,
	}
}

// BaseDelayFor returns the un-jittered delay for a 0-based attempt:
// min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func (p Policy) BaseDelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns BaseDelayFor(attempt) scaled by a random factor in
// [1-Jitter, 1+Jitter], never exceeding MaxDelay and never negative.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelayFor(attempt)
	if p.Jitter <= 0 {
		return d
	}
	r := rand.Float64
	if p.random != nil {
		r = p.random
	}
	scaled := float64(d) * (1 + p.Jitter*(2*r()-1))
	if scaled < 0 {
		scaled = 0
	}
	if p.MaxDelay > 0 && scaled > float64(p.MaxDelay) {
		scaled = float64(p.MaxDelay)
	}
	return time.Duration(scaled)
}

// BackOff adapts the policy to backoff.BackOff. When attempt is nil the
// schedule counts NextBackOff calls since the last Reset; otherwise it asks
// attempt which 0-based attempt the next delay belongs to, so a caller can
// carry one schedule across several retry episodes.
func (p Policy) BackOff(attempt func() int) backoff.BackOff {
	return &policyBackOff{policy: p, attempt: attempt}
}

type policyBackOff struct {
	policy  Policy
	attempt func() int
	calls   int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	n := b.calls
	if b.attempt != nil {
		n = b.attempt()
	}
	b.calls++
	return b.policy.Delay(n)
}

func (b *policyBackOff) Reset() { b.calls = 0 }

// Tries is the total number of attempts the policy allows.
func (p Policy) Tries() uint {
	if p.MaxRetries < 0 {
		return 1
	}
	return uint(p.MaxRetries) + 1
}

// Do calls fn until it succeeds, MaxRetries retries have been spent, fn
// returns a Permanent error, or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, fn(ctx)
	},
		backoff.WithBackOff(p.BackOff(nil)),
		backoff.WithMaxTries(p.Tries()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempts-1, delay, err)
			}
		}),
	)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("retry aborted after %d attempts: %w", attempts, err)
	case uint(attempts) >= p.Tries():
		return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
	}
	return err
}

// Sleep waits for d or until ctx is done, whichever comes first.
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
