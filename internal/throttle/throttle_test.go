package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewDefaultsRate(t *testing.T) {
	assert.Equal(t, rate.Limit(DefaultRequestsPerSecond), New(0).limiter.Limit())
	assert.Equal(t, rate.Limit(DefaultRequestsPerSecond), New(-3).limiter.Limit())
	assert.Equal(t, rate.Limit(10), New(10).limiter.Limit())
	assert.Equal(t, 1, New(10).limiter.Burst())
}

func TestAcquireSpacesGrants(t *testing.T) {
	th := New(10)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, th.Acquire(ctx))
	}
	elapsed := time.Since(start)

	// Three grants at 10/s need at least two full intervals.
	assert.GreaterOrEqual(t, elapsed, 190*time.Millisecond)
}

func TestAcquireConcurrentCallersAreSpaced(t *testing.T) {
	th := New(20)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		grants []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, th.Acquire(ctx))
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, grants, 4)
	first, last := grants[0], grants[0]
	for _, g := range grants {
		if g.Before(first) {
			first = g
		}
		if g.After(last) {
			last = g
		}
	}
	assert.GreaterOrEqual(t, last.Sub(first), 140*time.Millisecond)
}

func TestAcquireCanceled(t *testing.T) {
	th := New(1)
	require.NoError(t, th.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := th.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquireDeadlineShorterThanInterval(t *testing.T) {
	th := New(1)
	require.NoError(t, th.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := th.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
