// Package provider aggregates mailbox operations across registered connectors.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/source"
)

var (
	// ErrUnknownProvider is returned for ids that were never registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrProviderInactive is returned for operations on a provider that is
	// not active.
	ErrProviderInactive = errors.New("provider is not active")
)

const (
	defaultOperationTimeout = 30 * time.Second
	defaultConcurrency      = 8
	defaultRecentWindow     = 7 * 24 * time.Hour
	defaultLimit            = 50
)

// Entry registers a connector with the manager.
type Entry struct {
	Connector   source.Connector
	DisplayName string
	Enabled     bool
}

// registration is the manager's record of one connector. Records are
// created once and never removed.
type registration struct {
	id            string
	connector     source.Connector
	displayName   string
	kind          source.Kind
	enabled       bool
	state         State
	lastError     string
	lastErr       error
	initializedAt time.Time
}

// Manager owns the connector registry and runs fan-out operations.
type Manager struct {
	mu    sync.RWMutex
	regs  map[string]*registration
	order []string

	retry        source.RetryPolicy
	timeout      time.Duration
	concurrency  int
	recentWindow time.Duration
	defaultLimit int
	now          func() time.Time
	log          *logrus.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryPolicy sets the policy applied to every connector call.
func WithRetryPolicy(p source.RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// WithOperationTimeout bounds every single connector call.
func WithOperationTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMaxConcurrency limits how many connectors a fan-out calls at once.
func WithMaxConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithRecentWindow sets how far back RecentAll and InsightsAll look.
func WithRecentWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.recentWindow = d
		}
	}
}

// WithDefaultLimit sets the merged result size used when callers pass none.
func WithDefaultLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.defaultLimit = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// OptionsFromConfig translates the aggregate config section.
func OptionsFromConfig(cfg model.AggregateConfig) []Option {
	return []Option{
		WithOperationTimeout(cfg.OperationTimeout()),
		WithMaxConcurrency(cfg.MaxConcurrency),
		WithRecentWindow(time.Duration(cfg.RecentWindowDays) * 24 * time.Hour),
		WithDefaultLimit(cfg.DefaultLimit),
		WithRetryPolicy(source.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		}),
	}
}

// NewManager registers entries in order. Connector ids must be unique.
func NewManager(entries []Entry, opts ...Option) (*Manager, error) {
	m := &Manager{
		regs:         make(map[string]*registration, len(entries)),
		retry:        source.DefaultRetryPolicy(),
		timeout:      defaultOperationTimeout,
		concurrency:  defaultConcurrency,
		recentWindow: defaultRecentWindow,
		defaultLimit: defaultLimit,
		now:          time.Now,
		log:          logging.Logger(logging.LogManager),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, e := range entries {
		if e.Connector == nil {
			return nil, errors.New("registering provider: nil connector")
		}
		id := e.Connector.ID()
		if _, dup := m.regs[id]; dup {
			return nil, fmt.Errorf("registering provider %q: duplicate id", id)
		}
		name := e.DisplayName
		if name == "" {
			name = id
		}
		m.regs[id] = &registration{
			id:          id,
			connector:   e.Connector,
			displayName: name,
			kind:        e.Connector.Kind(),
			enabled:     e.Enabled,
			state:       StateUnconfigured,
		}
		m.order = append(m.order, id)
	}
	return m, nil
}

// Start initializes every enabled connector that is not active yet and
// returns the resulting statuses. Failures are recorded, not returned.
func (m *Manager) Start(ctx context.Context) []ProviderStatus {
	m.initialize(ctx, func(r *registration) bool {
		return r.enabled && r.state != StateActive
	}, false)
	return m.Statuses()
}

// RefreshAllConnections disconnects and re-initializes every enabled connector.
func (m *Manager) RefreshAllConnections(ctx context.Context) []ProviderStatus {
	m.initialize(ctx, func(r *registration) bool { return r.enabled }, true)
	return m.Statuses()
}

// RefreshFailed retries only the connectors whose initialization failed.
func (m *Manager) RefreshFailed(ctx context.Context) []ProviderStatus {
	m.initialize(ctx, func(r *registration) bool {
		return r.enabled && r.state == StateFailed
	}, false)
	return m.Statuses()
}

// initialize moves every selected registration through Initializing to
// Active or Failed, in parallel.
func (m *Manager) initialize(ctx context.Context, selectFn func(*registration) bool, reset bool) {
	m.mu.Lock()
	var targets []*registration
	for _, id := range m.order {
		r := m.regs[id]
		if r.state == StateInitializing || !selectFn(r) {
			continue
		}
		r.state = StateInitializing
		targets = append(targets, r)
	}
	m.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for _, r := range targets {
		g.Go(func() error {
			if reset {
				dctx, cancel := context.WithTimeout(ctx, m.timeout)
				if err := r.connector.Disconnect(dctx); err != nil {
					m.log.WithError(err).WithField("provider", r.id).Warn("Disconnect before refresh failed")
				}
				cancel()
			}

			_, err := call(ctx, m, r, func(ctx context.Context, c source.Connector) (struct{}, error) {
				return struct{}{}, c.Initialize(ctx)
			})
			m.finishInit(r, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) finishInit(r *registration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.log.WithFields(logrus.Fields{"provider": r.id, "kind": r.kind})
	if err != nil {
		r.state = StateFailed
		r.lastError = err.Error()
		r.lastErr = err
		entry.WithError(err).Warn("Provider initialization failed")
		return
	}
	r.state = StateActive
	r.lastError = ""
	r.lastErr = nil
	r.initializedAt = m.now()
	entry.Info("Provider active")
}

// observe applies the state consequences of an operation's error: an auth
// failure moves the connector to Failed, anything else leaves it Active.
func (m *Manager) observe(r *registration, err error) {
	if !source.IsAuthError(err) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.state == StateActive {
		r.state = StateFailed
		r.lastError = err.Error()
		r.lastErr = err
		m.log.WithError(err).WithField("provider", r.id).Warn("Provider needs re-authorization")
	}
}

// snapshotActive copies the active registrations at the start of a fan-out.
func (m *Manager) snapshotActive() []registration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]registration, 0, len(m.order))
	for _, id := range m.order {
		r := m.regs[id]
		if r.enabled && r.state == StateActive {
			out = append(out, *r)
		}
	}
	return out
}

func (m *Manager) lookup(id string) (*registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return r, nil
}

func (m *Manager) lookupActive(id string) (*registration, error) {
	r, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !r.enabled || r.state != StateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrProviderInactive, id, r.state)
	}
	return r, nil
}

// Has reports whether id is registered.
func (m *Manager) Has(id string) bool {
	_, err := m.lookup(id)
	return err == nil
}

// call runs fn against one connector with its own deadline and the retry
// policy. Panics are turned into errors so one connector cannot take down a
// fan-out.
func call[T any](ctx context.Context, m *Manager, r *registration, fn func(context.Context, source.Connector) (T, error)) (result T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("provider %s panicked: %v", r.id, p)
		}
	}()

	return source.Retry(ctx, m.retry, func(ctx context.Context) (T, error) {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		v, err := fn(cctx, r.connector)
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !source.IsTransient(err) && !source.IsAuthError(err) {
			err = &source.TransientError{Provider: r.id, Op: "call", Err: fmt.Errorf("%w: %v", context.DeadlineExceeded, err)}
		}
		return v, err
	})
}

// outcome is one connector's result within a fan-out.
type outcome[T any] struct {
	reg  registration
	data T
	err  error
}

// fanOut calls fn on every active connector concurrently. A failure is kept
// in that connector's slot and never cancels or delays the others.
func fanOut[T any](ctx context.Context, m *Manager, op string, fn func(context.Context, source.Connector) (T, error)) []outcome[T] {
	regs := m.snapshotActive()
	results := make([]outcome[T], len(regs))

	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for i := range regs {
		g.Go(func() error {
			r := &regs[i]
			data, err := call(ctx, m, r, fn)
			if err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{"provider": r.id, "op": op}).Warn("Provider call failed")
				if live, lerr := m.lookup(r.id); lerr == nil {
					m.observe(live, err)
				}
			}
			results[i] = outcome[T]{reg: *r, data: data, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func slotFor[T any](o outcome[T]) ProviderResult[T] {
	if o.err != nil {
		return ProviderResult[T]{
			DisplayName: o.reg.displayName,
			Error:       o.err.Error(),
			ErrorKind:   source.Classify(o.err),
		}
	}
	return ProviderResult[T]{Success: true, DisplayName: o.reg.displayName, Data: o.data}
}

func (m *Manager) limitOrDefault(limit int) int {
	if limit <= 0 {
		return m.defaultLimit
	}
	return limit
}

// SearchAll runs a search on every active provider and merges the results
// newest first, truncated to opts.MaxResults.
func (m *Manager) SearchAll(ctx context.Context, opts source.SearchOptions) *AggregateResult[*source.SearchResult] {
	opts.MaxResults = m.limitOrDefault(opts.MaxResults)

	outcomes := fanOut(ctx, m, source.OpSearch, func(ctx context.Context, c source.Connector) (*source.SearchResult, error) {
		return c.SearchEmails(ctx, opts)
	})

	agg := &AggregateResult[*source.SearchResult]{
		RequestID:  uuid.New(),
		ByProvider: make(map[string]ProviderResult[*source.SearchResult], len(outcomes)),
	}
	batches := make([]batch, 0, len(outcomes))
	for _, o := range outcomes {
		agg.ByProvider[o.reg.id] = slotFor(o)
		if o.err != nil || o.data == nil {
			continue
		}
		agg.TotalCount += o.data.TotalFound
		batches = append(batches, batch{displayName: o.reg.displayName, messages: o.data.Emails})
	}
	agg.Merged = mergeMessages(batches, opts.MaxResults)

	m.log.WithFields(logrus.Fields{
		"request":   agg.RequestID,
		"providers": len(outcomes),
		"succeeded": agg.Succeeded(),
		"merged":    len(agg.Merged),
	}).Debug("Search fan-out complete")
	return agg
}

// RecentAll returns the newest messages of the recent window.
func (m *Manager) RecentAll(ctx context.Context, limit int) *AggregateResult[*source.SearchResult] {
	return m.SearchAll(ctx, source.SearchOptions{
		Since:      m.now().Add(-m.recentWindow),
		MaxResults: limit,
	})
}

// UnreadCountsAll sums the unread counts of every active provider.
func (m *Manager) UnreadCountsAll(ctx context.Context) *UnreadCounts {
	outcomes := fanOut(ctx, m, source.OpUnread, func(ctx context.Context, c source.Connector) (int, error) {
		return c.GetUnreadCount(ctx)
	})

	res := &UnreadCounts{ByProvider: make(map[string]UnreadSlot, len(outcomes))}
	for _, o := range outcomes {
		var partial *source.PartialError
		switch {
		case o.err == nil:
			n := max(o.data, 0)
			res.ByProvider[o.reg.id] = UnreadSlot{Count: &n}
			res.Total += n
		case errors.As(o.err, &partial):
			n := max(o.data, 0)
			res.ByProvider[o.reg.id] = UnreadSlot{Count: &n, Warning: partial.Message}
			res.Total += n
		default:
			res.ByProvider[o.reg.id] = UnreadSlot{Error: o.err.Error()}
		}
	}
	return res
}

// StatsAll collects stats from active providers. Inactive providers are
// listed with their state and last error.
func (m *Manager) StatsAll(ctx context.Context) *StatsReport {
	outcomes := fanOut(ctx, m, source.OpStats, func(ctx context.Context, c source.Connector) (*source.Stats, error) {
		return c.Stats(ctx)
	})

	report := &StatsReport{Providers: make(map[string]ProviderStats)}
	for _, o := range outcomes {
		ps := ProviderStats{
			DisplayName: o.reg.displayName,
			Kind:        o.reg.kind,
			Status:      o.reg.state,
		}
		if o.err != nil || o.data == nil {
			if o.err != nil {
				ps.Error = o.err.Error()
			}
			report.Providers[o.reg.id] = ps
			continue
		}
		ps.Success = true
		ps.TotalMessages = o.data.TotalMessages
		ps.UnreadMessages = o.data.UnreadMessages
		ps.Accounts = o.data.Accounts
		report.Providers[o.reg.id] = ps

		report.Totals.TotalMessages += ps.TotalMessages
		report.Totals.UnreadMessages += ps.UnreadMessages
		report.Totals.Accounts += ps.Accounts
	}

	for _, st := range m.Statuses() {
		if _, ok := report.Providers[st.ID]; ok {
			continue
		}
		msg := st.LastError
		if msg == "" {
			msg = fmt.Sprintf("provider is %s", st.Status)
		}
		report.Providers[st.ID] = ProviderStats{
			DisplayName: st.DisplayName,
			Kind:        st.Kind,
			Status:      st.Status,
			Error:       msg,
		}
	}
	return report
}

// InsightsAll derives insights from the merged recent messages.
func (m *Manager) InsightsAll(ctx context.Context, opts InsightOptions) *Insights {
	recent := m.RecentAll(ctx, opts.Limit)
	ins := computeInsights(recent.Merged, opts.Top)
	ins.RequestID = recent.RequestID
	if errs := recent.Errors(); len(errs) > 0 {
		ins.Errors = errs
	}
	return &ins
}

// ProviderDetail describes one provider and lists its folders when active.
func (m *Manager) ProviderDetail(ctx context.Context, id string) *ProviderDetail {
	r, err := m.lookup(id)
	if err != nil {
		return &ProviderDetail{Provider: id, Error: err.Error()}
	}

	m.mu.RLock()
	snap := *r
	m.mu.RUnlock()

	detail := &ProviderDetail{
		Provider:    id,
		DisplayName: snap.displayName,
		Kind:        snap.kind,
		Status:      snap.state,
	}
	accounts := snap.connector.Accounts()
	if len(accounts) == 1 {
		detail.Account = &accounts[0]
	} else {
		detail.Accounts = accounts
	}

	if !snap.enabled || snap.state != StateActive {
		detail.Error = snap.lastError
		if detail.Error == "" {
			detail.Error = fmt.Sprintf("provider is %s", snap.state)
		}
		return detail
	}

	folders, err := call(ctx, m, r, func(ctx context.Context, c source.Connector) ([]source.Folder, error) {
		return c.ListFolders(ctx)
	})
	if err != nil {
		m.observe(r, err)
		detail.Error = err.Error()
		return detail
	}
	detail.Success = true
	detail.Folders = folders
	return detail
}

// GetEmail fetches one message from one provider. It returns nil, nil when
// the provider does not have it.
func (m *Manager) GetEmail(ctx context.Context, providerID, id string, includeBody bool) (*model.Message, error) {
	r, err := m.lookupActive(providerID)
	if err != nil {
		return nil, err
	}
	msg, err := call(ctx, m, r, func(ctx context.Context, c source.Connector) (*model.Message, error) {
		return c.GetEmailByID(ctx, id, includeBody)
	})
	if err != nil {
		m.observe(r, err)
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	tagged := *msg
	tagged.ProviderName = r.displayName
	return &tagged, nil
}

// MarkAsRead marks one message as read on its provider.
func (m *Manager) MarkAsRead(ctx context.Context, providerID, id string) error {
	r, err := m.lookupActive(providerID)
	if err != nil {
		return err
	}
	_, err = call(ctx, m, r, func(ctx context.Context, c source.Connector) (struct{}, error) {
		return struct{}{}, c.MarkAsRead(ctx, id)
	})
	m.observe(r, err)
	return err
}

// AuthURL returns the authorization URL of a provider, active or not.
func (m *Manager) AuthURL(providerID, state string) (string, error) {
	r, err := m.lookup(providerID)
	if err != nil {
		return "", err
	}
	return r.connector.AuthURL(state)
}

// AuthCallback completes an authorization flow and activates the provider.
func (m *Manager) AuthCallback(ctx context.Context, providerID, code string) (ProviderStatus, error) {
	r, err := m.lookup(providerID)
	if err != nil {
		return ProviderStatus{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err = r.connector.AuthCallback(cctx, code)
	if errors.Is(err, errors.ErrUnsupported) {
		return m.status(r), err
	}

	m.mu.Lock()
	r.enabled = true
	m.mu.Unlock()
	m.finishInit(r, err)
	return m.status(r), err
}

// Disconnect releases a provider's resources and excludes it from fan-outs
// until Reconnect.
func (m *Manager) Disconnect(ctx context.Context, providerID string) error {
	r, err := m.lookup(providerID)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err = r.connector.Disconnect(cctx)

	m.mu.Lock()
	r.enabled = false
	r.state = StateDisconnected
	m.mu.Unlock()

	m.log.WithField("provider", providerID).Info("Provider disconnected")
	return err
}

// Reconnect enables a provider and initializes it.
func (m *Manager) Reconnect(ctx context.Context, providerID string) (ProviderStatus, error) {
	r, err := m.lookup(providerID)
	if err != nil {
		return ProviderStatus{}, err
	}

	m.mu.Lock()
	r.enabled = true
	m.mu.Unlock()

	m.initialize(ctx, func(x *registration) bool { return x.id == providerID }, true)

	st := m.status(r)
	if st.Status != StateActive {
		m.mu.RLock()
		err := r.lastErr
		m.mu.RUnlock()
		if err != nil {
			return st, err
		}
		return st, fmt.Errorf("%w: %s is %s", ErrProviderInactive, providerID, st.Status)
	}
	return st, nil
}

// Statuses lists every registered provider in registration order.
func (m *Manager) Statuses() []ProviderStatus {
	m.mu.RLock()
	regs := make([]*registration, 0, len(m.order))
	for _, id := range m.order {
		regs = append(regs, m.regs[id])
	}
	m.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(regs))
	for _, r := range regs {
		out = append(out, m.status(r))
	}
	return out
}

func (m *Manager) status(r *registration) ProviderStatus {
	m.mu.RLock()
	snap := *r
	m.mu.RUnlock()

	st := ProviderStatus{
		ID:          snap.id,
		DisplayName: snap.displayName,
		Kind:        snap.kind,
		Enabled:     snap.enabled,
		Status:      snap.state,
		LastError:   snap.lastError,
		Accounts:    snap.connector.Accounts(),
	}
	if !snap.initializedAt.IsZero() {
		at := snap.initializedAt
		st.InitializedAt = &at
	}
	return st
}

// Close disconnects every provider.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, st := range m.Statuses() {
		if st.Status == StateDisconnected {
			continue
		}
		if err := m.Disconnect(ctx, st.ID); err != nil {
			errs = append(errs, fmt.Errorf("disconnecting %s: %w", st.ID, err))
		}
	}
	return errors.Join(errs...)
}
