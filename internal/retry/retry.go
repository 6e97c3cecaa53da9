// Package retry wraps cenkalti/backoff with the fixed, jitter-free policy used
// for uploads and resubmissions: delay(n) = min(initial * multiplier^(n-1), max).
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds one retry boundary.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	// Timer replaces the real timer; tests use one that fires immediately.
	Timer backoff.Timer
}

// UploadPolicy is used for simple uploads, chunks and finalize calls.
func UploadPolicy(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, Initial: time.Second, Multiplier: 2, Max: 30 * time.Second}
}

// ResubmitPolicy spaces out recovery resubmissions.
func ResubmitPolicy(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, Initial: 2 * time.Second, Multiplier: 2, Max: 30 * time.Second}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			return p.Max
		}
	}
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.Multiplier = p.Multiplier
	eb.MaxInterval = p.Max
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// AttemptError reports exhaustion of a retry boundary; it unwraps to the last failure.
type AttemptError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Notify is called after each failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns a backoff.Permanent error, the policy
// is exhausted or ctx ends. op receives the 1-based attempt number.
func (p Policy) Do(ctx context.Context, op string, fn func(attempt int) error, notify Notify) error {
	var (
		attempt   int
		lastErr   error
		permanent bool
	)
	operation := func() error {
		attempt++
		err := fn(attempt)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		lastErr = err
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, p.backOff(ctx), onRetry, p.Timer)
	if err == nil {
		return nil
	}
	if permanent {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && errors.Is(err, ctxErr) && !errors.Is(lastErr, ctxErr) {
		err = fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
	}
	return &AttemptError{Op: op, Attempts: attempt, Err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
