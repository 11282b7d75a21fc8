// Package email implements the IMAP connector. One connector serves every
// account configured on the same server.
package email

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/source"
	"github.com/nhle/mailhub/internal/throttle"
)

// Connector implements source.Connector over IMAP.
type Connector struct {
	id       string
	cfg      model.IMAPConfig
	throttle *throttle.Throttle
	caches   *source.Caches
	lock     source.SessionLock
	dial     dialFunc
	log      *logrus.Entry

	mu          sync.Mutex
	initialized bool
	connected   map[string]bool
}

var _ source.Connector = (*Connector)(nil)

// NewConnector builds an IMAP connector from a resolved provider config.
func NewConnector(cfg model.ProviderConfig) *Connector {
	return &Connector{
		id:       cfg.ID,
		cfg:      cfg.IMAP,
		throttle: throttle.New(cfg.RequestsPerSecond),
		caches:   source.NewCaches(cfg.Cache.Size, cfg.Cache.TTL(), cfg.Cache.UnreadTTL()),
		lock:     source.NewSessionLock(),
		dial:     dialSession,
		log:      logging.Logger(logging.LogIMAP).WithField("provider", cfg.ID),

		connected: make(map[string]bool, len(cfg.IMAP.Accounts)),
	}
}

// ID returns the provider id.
func (c *Connector) ID() string { return c.id }

// Kind returns source.KindIMAP.
func (c *Connector) Kind() source.Kind { return source.KindIMAP }

// Accounts lists the configured mailboxes and whether they authenticated.
func (c *Connector) Accounts() []model.AccountInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.AccountInfo, 0, len(c.cfg.Accounts))
	for _, acct := range c.cfg.Accounts {
		out = append(out, model.AccountInfo{Address: acct.Address, Connected: c.connected[acct.Address]})
	}
	return out
}

// Initialize opens a session for every account, selects the mailbox and logs
// out again. Every account must succeed.
func (c *Connector) Initialize(ctx context.Context) error {
	c.mu.Lock()
	done := c.initialized
	c.mu.Unlock()
	if done {
		return nil
	}

	if err := c.lock.Lock(ctx); err != nil {
		return c.wrap("initialize", err)
	}
	defer c.lock.Unlock()

	for _, acct := range c.cfg.Accounts {
		err := c.withSession(ctx, acct, "initialize", func(s session) error {
			_, err := s.Select(c.cfg.Mailbox)
			return err
		})
		c.setConnected(acct.Address, err == nil)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.log.WithField("accounts", len(c.cfg.Accounts)).Info("IMAP connector initialized")
	return nil
}

// SearchEmails runs the search on every account and merges the results,
// newest first. Failing accounts are reported in AccountErrors; the call only
// fails when every account failed.
func (c *Connector) SearchEmails(ctx context.Context, opts source.SearchOptions) (*source.SearchResult, error) {
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, c.wrap("search", err)
	}

	key := source.SearchKey("", opts)
	if cached, ok := source.Lookup[*source.SearchResult](c.caches.Results, key); ok {
		return cached.Clone(), nil
	}

	if err := c.lock.Lock(ctx); err != nil {
		return nil, c.wrap("search", err)
	}
	defer c.lock.Unlock()

	criteria := buildCriteria(opts, c.cfg.SearchMode)
	result := &source.SearchResult{Emails: []model.Message{}}
	var errs []error

	for _, acct := range c.cfg.Accounts {
		var found []model.Message
		var total int
		err := c.withSession(ctx, acct, "search", func(s session) error {
			if _, err := s.Select(c.cfg.Mailbox); err != nil {
				return err
			}
			uids, err := s.Search(criteria)
			if err != nil {
				return err
			}
			total = len(uids)
			uids = newestUIDs(uids, opts.MaxResults)

			envelopes, err := s.Fetch(uids, opts.IncludeBody)
			if err != nil {
				return err
			}
			for _, env := range envelopes {
				if !withinRange(env, opts) {
					total--
					continue
				}
				found = append(found, c.toMessage(acct.Address, env, opts.IncludeBody))
			}
			return nil
		})
		if err != nil {
			c.log.WithError(err).WithField("account", acct.Address).Warn("Search failed for account")
			if result.AccountErrors == nil {
				result.AccountErrors = make(map[string]string)
			}
			result.AccountErrors[acct.Address] = err.Error()
			errs = append(errs, err)
			continue
		}
		result.Emails = append(result.Emails, found...)
		result.TotalFound += total
	}

	if len(errs) > 0 && len(errs) == len(c.cfg.Accounts) {
		return nil, c.allFailed("search", errs)
	}

	sortNewestFirst(result.Emails)
	if opts.MaxResults > 0 && len(result.Emails) > opts.MaxResults {
		result.Emails = result.Emails[:opts.MaxResults]
	}

	if len(errs) == 0 {
		c.caches.Results.Set(key, result.Clone())
	}
	return result, nil
}

// GetEmailByID fetches one message by its "<address>:<uid>" id. Unknown
// accounts, malformed ids and missing UIDs all yield nil, nil.
func (c *Connector) GetEmailByID(ctx context.Context, id string, includeBody bool) (*model.Message, error) {
	acct, uid, ok := c.parseID(id)
	if !ok {
		return nil, nil
	}

	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, c.wrap("fetch", err)
	}

	key := source.FetchKey(id, includeBody)
	if cached, ok := source.Lookup[model.Message](c.caches.Results, key); ok {
		return &cached, nil
	}

	if err := c.lock.Lock(ctx); err != nil {
		return nil, c.wrap("fetch", err)
	}
	defer c.lock.Unlock()

	var msg *model.Message
	err := c.withSession(ctx, acct, "fetch", func(s session) error {
		if _, err := s.Select(c.cfg.Mailbox); err != nil {
			return err
		}
		envelopes, err := s.Fetch([]imap.UID{uid}, includeBody)
		if err != nil {
			return err
		}
		for _, env := range envelopes {
			if env.UID == uint32(uid) {
				m := c.toMessage(acct.Address, env, includeBody)
				msg = &m
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if msg != nil {
		c.caches.Results.Set(key, *msg)
	}
	return msg, nil
}

// GetUnreadCount sums STATUS UNSEEN over all accounts. Accounts that fail or
// report no count contribute 0 and are listed in the returned PartialError.
func (c *Connector) GetUnreadCount(ctx context.Context) (int, error) {
	if err := c.throttle.Acquire(ctx); err != nil {
		return 0, c.wrap("unread", err)
	}

	key := source.OpKey(source.OpUnread)
	if n, ok := c.caches.Unread.Get(key); ok {
		return n, nil
	}

	if err := c.lock.Lock(ctx); err != nil {
		return 0, c.wrap("unread", err)
	}
	defer c.lock.Unlock()

	total := 0
	var unknown []string
	var errs []error
	for _, acct := range c.cfg.Accounts {
		var st MailboxStatus
		err := c.withSession(ctx, acct, "unread", func(s session) error {
			var err error
			st, err = s.Status(c.cfg.Mailbox)
			return err
		})
		switch {
		case err != nil:
			errs = append(errs, err)
			unknown = append(unknown, acct.Address)
		case st.Unseen == nil:
			unknown = append(unknown, acct.Address)
		default:
			total += int(*st.Unseen)
		}
	}

	if len(errs) > 0 && len(errs) == len(c.cfg.Accounts) {
		return 0, c.allFailed("unread", errs)
	}
	if len(unknown) > 0 {
		return total, &source.PartialError{
			Provider: c.id,
			Message:  "unread count unknown for " + strings.Join(unknown, ", "),
		}
	}

	c.caches.Unread.Set(key, total)
	return total, nil
}

// MarkAsRead sets \Seen on the message and clears this connector's caches.
func (c *Connector) MarkAsRead(ctx context.Context, id string) error {
	acct, uid, ok := c.parseID(id)
	if !ok {
		return fmt.Errorf("marking %q as read: %w", id, source.ErrInvalidID)
	}

	if err := c.throttle.Acquire(ctx); err != nil {
		return c.wrap("mark-read", err)
	}
	if err := c.lock.Lock(ctx); err != nil {
		return c.wrap("mark-read", err)
	}
	defer c.lock.Unlock()
	defer c.caches.Clear()

	return c.withSession(ctx, acct, "mark-read", func(s session) error {
		if _, err := s.Select(c.cfg.Mailbox); err != nil {
			return err
		}
		return s.MarkSeen(uid)
	})
}

// ListFolders lists every mailbox of every account. The configured mailbox
// carries its STATUS counts.
func (c *Connector) ListFolders(ctx context.Context) ([]source.Folder, error) {
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, c.wrap("folders", err)
	}

	key := source.OpKey(source.OpFolders)
	if cached, ok := source.Lookup[[]source.Folder](c.caches.Results, key); ok {
		return append([]source.Folder(nil), cached...), nil
	}

	if err := c.lock.Lock(ctx); err != nil {
		return nil, c.wrap("folders", err)
	}
	defer c.lock.Unlock()

	var folders []source.Folder
	var errs []error
	for _, acct := range c.cfg.Accounts {
		err := c.withSession(ctx, acct, "folders", func(s session) error {
			names, err := s.List()
			if err != nil {
				return err
			}
			for _, name := range names {
				f := source.Folder{Name: name, Account: acct.Address}
				if strings.EqualFold(name, c.cfg.Mailbox) {
					if st, err := s.Status(name); err == nil {
						f.Total = uint32Ptr(st.Messages)
						f.Unread = uint32Ptr(st.Unseen)
					}
				}
				folders = append(folders, f)
			}
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 && len(errs) == len(c.cfg.Accounts) {
		return nil, c.allFailed("folders", errs)
	}
	if len(errs) == 0 {
		c.caches.Results.Set(key, append([]source.Folder(nil), folders...))
	}
	return folders, nil
}

// Stats sums mailbox STATUS counts over all accounts.
func (c *Connector) Stats(ctx context.Context) (*source.Stats, error) {
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, c.wrap("stats", err)
	}

	key := source.OpKey(source.OpStats)
	if cached, ok := source.Lookup[source.Stats](c.caches.Results, key); ok {
		return &cached, nil
	}

	if err := c.lock.Lock(ctx); err != nil {
		return nil, c.wrap("stats", err)
	}
	defer c.lock.Unlock()

	stats := source.Stats{Accounts: len(c.cfg.Accounts)}
	var errs []error
	for _, acct := range c.cfg.Accounts {
		err := c.withSession(ctx, acct, "stats", func(s session) error {
			st, err := s.Status(c.cfg.Mailbox)
			if err != nil {
				return err
			}
			if st.Messages != nil {
				stats.TotalMessages += int(*st.Messages)
			}
			if st.Unseen != nil {
				stats.UnreadMessages += int(*st.Unseen)
			}
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 && len(errs) == len(c.cfg.Accounts) {
		return nil, c.allFailed("stats", errs)
	}
	if len(errs) == 0 {
		c.caches.Results.Set(key, stats)
	}
	return &stats, nil
}

// AuthURL is not supported: IMAP accounts authenticate with passwords.
func (c *Connector) AuthURL(string) (string, error) {
	return "", errors.ErrUnsupported
}

// AuthCallback is not supported.
func (c *Connector) AuthCallback(context.Context, string) error {
	return errors.ErrUnsupported
}

// Disconnect forgets the initialized state and drops cached results.
// Sessions never outlive a call, so there is nothing else to release.
func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized && len(c.connected) == 0 {
		return nil
	}
	c.initialized = false
	clear(c.connected)
	c.caches.Clear()
	c.log.Info("IMAP connector disconnected")
	return nil
}

// withSession opens a session for acct, runs fn and always logs out.
// The caller must hold the session lock.
func (c *Connector) withSession(ctx context.Context, acct model.IMAPAccountConfig, op string, fn func(session) error) error {
	if acct.Password == "" {
		return &source.AuthError{Provider: c.id, Message: "no password configured for " + acct.Address}
	}

	s, err := c.dial(ctx, c.cfg, acct)
	if err != nil {
		return c.wrap(op, err)
	}
	defer func() {
		if err := s.Logout(); err != nil {
			c.log.WithError(err).WithField("account", acct.Address).Debug("Logout failed")
		}
	}()

	if err := fn(s); err != nil {
		return c.wrap(op, err)
	}
	return nil
}

// wrap maps a session error onto the connector error classes. Errors that
// are already classified pass through.
func (c *Connector) wrap(op string, err error) error {
	var (
		authErr      *source.AuthError
		transientErr *source.TransientError
		protocolErr  *source.ProtocolError
		imapErr      *imap.Error
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &authErr), errors.As(err, &transientErr), errors.As(err, &protocolErr):
		return err
	case errors.Is(err, errLoginRejected):
		return &source.AuthError{Provider: c.id, Message: "login rejected", Err: err}
	case errors.As(err, &imapErr):
		return &source.ProtocolError{Provider: c.id, Op: op, Err: err}
	default:
		return &source.TransientError{Provider: c.id, Op: op, Err: err}
	}
}

// allFailed collapses per-account errors when no account succeeded. If
// every account was rejected the result is an auth error.
func (c *Connector) allFailed(op string, errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	for _, err := range errs {
		if !source.IsAuthError(err) {
			msgs := make([]string, len(errs))
			for i, e := range errs {
				msgs[i] = e.Error()
			}
			return &source.TransientError{
				Provider: c.id,
				Op:       op,
				Err:      errors.New("all accounts failed: " + strings.Join(msgs, "; ")),
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Connector) setConnected(address string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected[address] = ok
}

// parseID splits "<address>:<uid>" at the last colon.
func (c *Connector) parseID(id string) (model.IMAPAccountConfig, imap.UID, bool) {
	i := strings.LastIndex(id, ":")
	if i <= 0 || i == len(id)-1 {
		return model.IMAPAccountConfig{}, 0, false
	}
	uid, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil || uid == 0 {
		return model.IMAPAccountConfig{}, 0, false
	}
	address := id[:i]
	for _, acct := range c.cfg.Accounts {
		if strings.EqualFold(acct.Address, address) {
			return acct, imap.UID(uid), true
		}
	}
	return model.IMAPAccountConfig{}, 0, false
}

func messageID(address string, uid uint32) string {
	return address + ":" + strconv.FormatUint(uint64(uid), 10)
}

// toMessage converts an envelope into the unified message shape.
func (c *Connector) toMessage(address string, env Envelope, includeBody bool) model.Message {
	date := env.Date
	if date.IsZero() {
		date = env.InternalDate
	}
	to := env.To
	if to == nil {
		to = []string{}
	}

	msg := model.Message{
		ID:       messageID(address, env.UID),
		Provider: c.id,
		Account:  address,
		Subject:  env.Subject,
		From:     env.From,
		To:       to,
		Date:     date,
		Unread:   !env.Seen(),
	}
	if includeBody {
		msg.Body = bodyText(env.Raw)
		msg.Snippet = snippet(msg.Body)
	}
	return msg
}

// newestUIDs keeps the limit highest UIDs, which are the most recently
// delivered messages.
func newestUIDs(uids []imap.UID, limit int) []imap.UID {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}
	return uids
}

func sortNewestFirst(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].Date.After(msgs[j].Date)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func uint32Ptr(v *uint32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
