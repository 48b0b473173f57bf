// Package retry provides an explicit, injectable retry policy with
// exponential backoff. Both the relay supervisor's restart loop and the
// alert pipeline's websocket reconnect use a Policy value, keeping the
// backoff behavior testable without real subprocesses or sockets.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	MaxAttempts  int           // attempts before giving up
	BaseDelay    time.Duration // base delay for exponential backoff
	MaxDelay     time.Duration // cap on the delay between attempts
	JitterFactor float64       // randomization factor (0.25 = ±25%)
	Exponential  bool          // exponentially increase delay; fixed delay otherwise
}

// DefaultPolicy returns sensible defaults for transient failures.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
		Exponential:  true,
	}
}

// Delay returns the backoff delay before the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	if p.Exponential {
		delay = time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * p.JitterFactor * float64(delay)
		delay = time.Duration(float64(delay) + jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// Exhausted reports whether the zero-based attempt count has hit the cap.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Wait sleeps for the attempt's backoff delay, returning early with the
// context's error if it is cancelled first.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes fn with the policy, backing off between attempts. The first
// call counts as attempt zero; fn runs at most MaxAttempts+1 times.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if p.Exhausted(attempt) {
			return lastErr
		}
		if err := p.Wait(ctx, attempt); err != nil {
			return err
		}
	}
}
