// Package retry provides bounded, jittered retries around arbitrary
// operations. The policy is generic over the operation's result type so call
// sites do not duplicate the loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// StatusError models an HTTP-class storage failure so transient
// classification can key off the status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("status_%d", e.Code) }

// Policy bounds the retry loop. Zero delays are valid so tests can run the
// loop without sleeping.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// MinDelay is the base delay before the first retry; it doubles each
	// attempt up to MaxDelay, with jitter up to the base applied on top.
	MinDelay time.Duration
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsTransient.
	Retryable func(error) bool
}

func (p Policy) validate() error {
	if p.Attempts <= 0 {
		return fmt.Errorf("retry attempts must be positive, got %d", p.Attempts)
	}
	if p.MinDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry delays must not be negative")
	}
	if p.MaxDelay > 0 && p.MinDelay > p.MaxDelay {
		return errors.New("retry min delay exceeds max delay")
	}
	return nil
}

// Do runs op up to policy.Attempts times, sleeping a jittered, doubling delay
// between attempts. It stops early on success, on a non-retryable error, or
// when ctx is cancelled between attempts.
func Do[T any](ctx context.Context, policy Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := policy.validate(); err != nil {
		return zero, err
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == policy.Attempts || !retryable(err) {
			break
		}
		if err := sleep(ctx, delayFor(policy, attempt)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func delayFor(policy Policy, attempt int) time.Duration {
	base := policy.MinDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if policy.MaxDelay > 0 && base >= policy.MaxDelay {
			base = policy.MaxDelay
			break
		}
	}
	if base <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	d := base + jitter
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		// Still honor cancellation between attempts.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTransient classifies an error as probably-recoverable: network timeouts,
// deadline expiry, connection-level failures, and 5xx-class status errors.
// Integrity and validation failures are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
