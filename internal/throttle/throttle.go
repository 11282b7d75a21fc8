// Package throttle spaces out outbound calls of a single connector.
package throttle

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerSecond is used when a non-positive rate is configured.
const DefaultRequestsPerSecond = 5

// Throttle enforces a minimum interval between granted acquisitions.
// Waiters are served in call order. A Throttle is never shared between
// connectors.
type Throttle struct {
	limiter *rate.Limiter
}

// New returns a Throttle allowing requestsPerSecond acquisitions per second.
func New(requestsPerSecond float64) *Throttle {
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1)}
}

// Acquire blocks until the interval since the previous grant has elapsed.
// It only fails when ctx is done before the slot comes up, in which case
// the reserved slot is handed back.
func (t *Throttle) Acquire(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// The limiter refuses up front when the wait would outlast the deadline.
		return fmt.Errorf("waiting for throttle: %w", context.DeadlineExceeded)
	}
	return nil
}
