package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/provider"
	"github.com/nhle/mailhub/internal/source/sourcetest"
)

func newManager(t *testing.T, conns ...*sourcetest.Connector) *provider.Manager {
	t.Helper()
	entries := make([]provider.Entry, len(conns))
	for i, c := range conns {
		entries[i] = provider.Entry{Connector: c, Enabled: true}
	}
	m, err := provider.NewManager(entries)
	require.NoError(t, err)
	m.Start(context.Background())
	return m
}

func TestPoll_RecoversFailedProviders(t *testing.T) {
	ok := sourcetest.New("alpha")
	ok.Unread = 3
	flaky := sourcetest.New("beta")
	flaky.InitErr = errors.New("dns failure")
	m := newManager(t, ok, flaky)

	p := New(m, time.Hour)

	res := p.Poll()
	assert.Equal(t, []string{"beta"}, res.Failed)
	assert.Empty(t, res.Recovered)
	assert.Equal(t, 3, res.Unread.Total)
	assert.Equal(t, SyncError, p.Status().State)

	flaky.InitErr = nil
	flaky.Unread = 2
	res = p.Poll()
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"beta"}, res.Recovered)
	assert.Equal(t, 5, res.Unread.Total)

	st := p.Status()
	assert.Equal(t, SyncIdle, st.State)
	assert.False(t, st.LastSync.IsZero())
	assert.Equal(t, 5, st.Unread.Total)
}

func TestPoller_StartTriggerStop(t *testing.T) {
	a := sourcetest.New("alpha")
	m := newManager(t, a)

	p := New(m, time.Hour)
	p.Start()
	p.Start()

	select {
	case <-p.Results():
	case <-time.After(2 * time.Second):
		t.Fatal("no initial poll")
	}

	p.Trigger()
	select {
	case <-p.Results():
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not poll")
	}

	p.Stop()
	p.Stop()
	assert.GreaterOrEqual(t, a.Calls("unread"), 2)
}

func TestSyncStateString(t *testing.T) {
	assert.Equal(t, "idle", SyncIdle.String())
	assert.Equal(t, "running", SyncRunning.String())
	assert.Equal(t, "error", SyncError.String())
}

type mockManager struct {
	mock.Mock
}

func (m *mockManager) RefreshFailed(ctx context.Context) []provider.ProviderStatus {
	args := m.Called(ctx)
	return args.Get(0).([]provider.ProviderStatus)
}

func (m *mockManager) UnreadCountsAll(ctx context.Context) *provider.UnreadCounts {
	args := m.Called(ctx)
	return args.Get(0).(*provider.UnreadCounts)
}

func TestPoll_CallsManagerWithDeadline(t *testing.T) {
	mm := new(mockManager)
	hasDeadline := mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})
	mm.On("RefreshFailed", hasDeadline).Return([]provider.ProviderStatus{
		{ID: "alpha", Status: provider.StateActive},
	}).Once()
	mm.On("UnreadCountsAll", hasDeadline).Return(&provider.UnreadCounts{Total: 7}).Once()

	res := New(mm, 0).Poll()
	assert.Equal(t, 7, res.Unread.Total)
	assert.Empty(t, res.Failed)
	mm.AssertExpectations(t)
}

func TestStop_CancelsInFlightPoll(t *testing.T) {
	mm := new(mockManager)
	started := make(chan struct{})
	var pollErr error
	mm.On("RefreshFailed", mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		close(started)
		<-ctx.Done()
		pollErr = ctx.Err()
	}).Return([]provider.ProviderStatus{}).Once()
	mm.On("UnreadCountsAll", mock.Anything).Return(&provider.UnreadCounts{}).Once()

	p := New(mm, time.Hour)
	p.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("poll never started")
	}

	begin := time.Now()
	p.Stop()
	assert.Less(t, time.Since(begin), time.Second)
	assert.ErrorIs(t, pollErr, context.Canceled)
	mm.AssertExpectations(t)
}
