// Package sync keeps providers warm in the background: it retries failed
// connectors and refreshes unread counts on an interval.
package sync

import (
	"context"
	"slices"
	gosync "sync"
	"time"

	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/provider"
)

// SyncState represents the current state of the poller.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// Manager is the part of provider.Manager the poller drives.
type Manager interface {
	RefreshFailed(ctx context.Context) []provider.ProviderStatus
	UnreadCountsAll(ctx context.Context) *provider.UnreadCounts
}

// SyncStatus is the outcome of the latest poll.
type SyncStatus struct {
	State    SyncState
	LastSync time.Time
	Unread   *provider.UnreadCounts
	Failed   []string
}

// Result is published after every poll.
type Result struct {
	Unread *provider.UnreadCounts
	// Recovered lists providers that came back during this poll.
	Recovered []string
	// Failed lists providers still failed after this poll.
	Failed []string
}

// fetchTimeout is the maximum time allowed for a single poll.
const fetchTimeout = 30 * time.Second

const defaultInterval = 120 * time.Second

// Poller periodically refreshes a Manager.
type Poller struct {
	manager   Manager
	interval  time.Duration
	resultCh  chan Result
	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	cancel    context.CancelFunc

	mu      gosync.Mutex
	status  SyncStatus
	running bool
}

// New creates a Poller. A non-positive interval selects two minutes.
func New(m Manager, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Poller{
		manager:   m,
		interval:  interval,
		resultCh:  make(chan Result, 16),
		triggerCh: make(chan struct{}, 1),
	}
}

// Start launches the polling goroutine. It polls once immediately.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(ctx, p.stopCh, p.doneCh)
}

// Stop halts the polling goroutine. An in-flight poll is canceled and Stop
// waits for it to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.cancel()
	done := p.doneCh
	p.mu.Unlock()

	<-done
}

// Trigger requests an immediate poll. Extra triggers while one is pending
// are dropped.
func (p *Poller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Results delivers one Result per poll. Results are dropped when nobody reads.
func (p *Poller) Results() <-chan Result {
	return p.resultCh
}

// Status returns the state of the latest poll.
func (p *Poller) Status() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.poll(ctx)
		case <-p.triggerCh:
			p.poll(ctx)
		}
	}
}

// Poll retries failed providers and refreshes unread counts once.
func (p *Poller) Poll() Result {
	return p.poll(context.Background())
}

func (p *Poller) poll(parent context.Context) Result {
	log := logging.Logger(logging.LogSync)
	p.setState(SyncRunning)

	ctx, cancel := context.WithTimeout(parent, fetchTimeout)
	defer cancel()

	wasFailed := p.Status().Failed
	var res Result
	for _, st := range p.manager.RefreshFailed(ctx) {
		if st.Status == provider.StateFailed {
			res.Failed = append(res.Failed, st.ID)
		}
	}
	for _, id := range wasFailed {
		if !slices.Contains(res.Failed, id) {
			res.Recovered = append(res.Recovered, id)
			log.WithField("provider", id).Info("Provider recovered")
		}
	}

	res.Unread = p.manager.UnreadCountsAll(ctx)

	p.mu.Lock()
	p.status.LastSync = time.Now()
	p.status.Unread = res.Unread
	p.status.Failed = res.Failed
	p.status.State = SyncIdle
	if len(res.Failed) > 0 {
		p.status.State = SyncError
	}
	p.mu.Unlock()

	log.WithField("unread", res.Unread.Total).WithField("failed", len(res.Failed)).Debug("Poll complete")

	select {
	case p.resultCh <- res:
	default:
	}
	return res
}

func (p *Poller) setState(state SyncState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = state
}
