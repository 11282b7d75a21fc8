// Package sourcetest provides an in-memory source.Connector for tests.
package sourcetest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/source"
)

// Connector is a scriptable source.Connector. Zero-valued error fields mean
// success. All fields may be changed between calls while holding no lock;
// tests are expected to configure it before use.
type Connector struct {
	IDValue   string
	KindValue source.Kind
	Address   string

	Messages []model.Message
	Unread   int
	Folders  []source.Folder

	// Err is returned by every backend operation when set.
	Err error
	// InitErr is returned by Initialize when set.
	InitErr error
	// UnreadErr is returned alongside Unread when set.
	UnreadErr error
	// Delay is waited (or the context's end) before every operation.
	Delay time.Duration

	mu          sync.Mutex
	calls       map[string]int
	initialized bool
	marked      []string
	authCode    string
}

var _ source.Connector = (*Connector)(nil)

// New returns a fake connector serving msgs. Messages are tagged with id.
func New(id string, msgs ...model.Message) *Connector {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		m.Provider = id
		if m.Account == "" {
			m.Account = id + "@example.com"
		}
		out[i] = m
	}
	return &Connector{
		IDValue:   id,
		KindValue: source.KindIMAP,
		Address:   id + "@example.com",
		Messages:  out,
		calls:     make(map[string]int),
	}
}

// Calls reports how often op was invoked.
func (c *Connector) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Marked returns the ids passed to MarkAsRead.
func (c *Connector) Marked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.marked...)
}

// AuthCode returns the last code passed to AuthCallback.
func (c *Connector) AuthCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authCode
}

func (c *Connector) enter(ctx context.Context, op string) error {
	c.mu.Lock()
	c.calls[op]++
	c.mu.Unlock()

	if c.Delay > 0 {
		t := time.NewTimer(c.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return &source.TransientError{Provider: c.IDValue, Op: op, Err: ctx.Err()}
		case <-t.C:
		}
	}
	return c.Err
}

func (c *Connector) ID() string        { return c.IDValue }
func (c *Connector) Kind() source.Kind { return c.KindValue }

func (c *Connector) Accounts() []model.AccountInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []model.AccountInfo{{Address: c.Address, Connected: c.initialized}}
}

func (c *Connector) Initialize(ctx context.Context) error {
	c.mu.Lock()
	c.calls["initialize"]++
	c.mu.Unlock()

	if c.InitErr != nil {
		return c.InitErr
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// SearchEmails filters Messages by a case-insensitive substring of subject,
// sender or snippet and by the time range, newest first.
func (c *Connector) SearchEmails(ctx context.Context, opts source.SearchOptions) (*source.SearchResult, error) {
	if err := c.enter(ctx, "search"); err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(opts.Query))
	var found []model.Message
	for _, m := range c.Messages {
		if !opts.Since.IsZero() && m.Date.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && !m.Date.Before(opts.Until) {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(m.Subject+" "+m.From+" "+m.Snippet), q) {
			continue
		}
		if !opts.IncludeBody {
			m.Body = ""
		}
		found = append(found, m)
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].Date.After(found[j].Date) })

	total := len(found)
	if opts.MaxResults > 0 && len(found) > opts.MaxResults {
		found = found[:opts.MaxResults]
	}
	if found == nil {
		found = []model.Message{}
	}
	return &source.SearchResult{Emails: found, TotalFound: total}, nil
}

func (c *Connector) GetEmailByID(ctx context.Context, id string, includeBody bool) (*model.Message, error) {
	if err := c.enter(ctx, "fetch"); err != nil {
		return nil, err
	}
	for _, m := range c.Messages {
		if m.ID == id {
			if !includeBody {
				m.Body = ""
			}
			return &m, nil
		}
	}
	return nil, nil
}

func (c *Connector) GetUnreadCount(ctx context.Context) (int, error) {
	if err := c.enter(ctx, "unread"); err != nil {
		return 0, err
	}
	return c.Unread, c.UnreadErr
}

func (c *Connector) MarkAsRead(ctx context.Context, id string) error {
	if err := c.enter(ctx, "mark-read"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			c.Messages[i].Unread = false
			c.marked = append(c.marked, id)
			return nil
		}
	}
	return source.ErrInvalidID
}

func (c *Connector) ListFolders(ctx context.Context) ([]source.Folder, error) {
	if err := c.enter(ctx, "folders"); err != nil {
		return nil, err
	}
	if c.Folders == nil {
		return []source.Folder{{Name: "INBOX", Account: c.Address}}, nil
	}
	return c.Folders, nil
}

// Stats counts Messages; unread messages are those flagged Unread.
func (c *Connector) Stats(ctx context.Context) (*source.Stats, error) {
	if err := c.enter(ctx, "stats"); err != nil {
		return nil, err
	}
	st := &source.Stats{TotalMessages: len(c.Messages), Accounts: 1}
	for _, m := range c.Messages {
		if m.Unread {
			st.UnreadMessages++
		}
	}
	return st, nil
}

func (c *Connector) AuthURL(state string) (string, error) {
	if c.KindValue != source.KindREST {
		return "", errors.ErrUnsupported
	}
	return "https://auth.example.com/?state=" + state, nil
}

func (c *Connector) AuthCallback(ctx context.Context, code string) error {
	if c.KindValue != source.KindREST {
		return errors.ErrUnsupported
	}
	c.mu.Lock()
	c.authCode = code
	c.mu.Unlock()
	c.InitErr = nil
	return c.Initialize(ctx)
}

func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["disconnect"]++
	c.initialized = false
	return nil
}
