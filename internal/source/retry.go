package source

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy retries transient failures with exponential backoff. Auth,
// protocol and unknown errors are returned immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	notify backoff.Notify
}

// DefaultRetryPolicy makes a single attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 1,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// retryAfterBackOff doubles from BaseDelay up to MaxDelay and prefers the
// server's Retry-After hint, capped at MaxDelay, when the last error has one.
type retryAfterBackOff struct {
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	last *error
}

func (p RetryPolicy) newBackOff(last *error) *retryAfterBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = max(p.BaseDelay, 0)
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	}
	return &retryAfterBackOff{exp: exp, max: p.MaxDelay, last: last}
}

func (b *retryAfterBackOff) Reset() { b.exp.Reset() }

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.exp.NextBackOff()
	if ra := RetryAfter(*b.last); ra > 0 {
		next = ra
	}
	if b.max > 0 && next > b.max {
		next = b.max
	}
	return next
}

// Retry calls fn until it succeeds, fails with a non-transient error, the
// attempts run out or ctx is done. The last error from fn is returned.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)

	var last error
	op := func() (T, error) {
		result, err := fn(ctx)
		last = err
		if err != nil && !IsTransient(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.newBackOff(&last)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.notify != nil {
		opts = append(opts, backoff.WithNotify(p.notify))
	}

	result, err := backoff.Retry(ctx, op, opts...)
	if err != nil && last != nil {
		return result, last
	}
	return result, err
}
