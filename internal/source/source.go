package source

import (
	"context"
	"strings"
	"time"

	"github.com/nhle/mailhub/internal/model"
)

// Kind identifies the backend family a connector talks to.
type Kind string

const (
	KindREST Kind = "rest"
	KindIMAP Kind = "imap"
)

// SearchOptions controls a message search. Since is inclusive and Until is
// exclusive; a zero Since or Until leaves that side of the time range open.
type SearchOptions struct {
	Query       string
	Since       time.Time
	Until       time.Time
	MaxResults  int
	IncludeBody bool
}

// SearchResult holds the messages one connector returned for a search.
type SearchResult struct {
	Emails     []model.Message `json:"emails"`
	TotalFound int             `json:"totalFound"`

	// AccountErrors maps account address to error message for accounts that
	// failed while others succeeded.
	AccountErrors map[string]string `json:"accountErrors,omitempty"`
}

// Clone returns a copy whose message slice can be modified freely.
func (r *SearchResult) Clone() *SearchResult {
	if r == nil {
		return nil
	}
	out := &SearchResult{
		Emails:     append([]model.Message(nil), r.Emails...),
		TotalFound: r.TotalFound,
	}
	if len(r.AccountErrors) > 0 {
		out.AccountErrors = make(map[string]string, len(r.AccountErrors))
		for k, v := range r.AccountErrors {
			out.AccountErrors[k] = v
		}
	}
	return out
}

// Folder is a mailbox or label. Counts are nil when the backend does not
// report them.
type Folder struct {
	Name    string `json:"name"`
	Account string `json:"account,omitempty"`
	Total   *int   `json:"total,omitempty"`
	Unread  *int   `json:"unread,omitempty"`
}

// Stats summarizes a connector's mailboxes.
type Stats struct {
	TotalMessages  int `json:"totalMessages"`
	UnreadMessages int `json:"unreadMessages"`
	Accounts       int `json:"accounts"`
}

// Connector is the capability contract every mail backend implements.
type Connector interface {
	// ID returns the provider id this connector was registered under.
	ID() string

	// Kind returns the backend family.
	Kind() Kind

	// Accounts lists the mailboxes served by this connector, without secrets.
	Accounts() []model.AccountInfo

	// Initialize performs the backend handshake. It is idempotent and fails
	// with an AuthError when credentials are missing or rejected.
	Initialize(ctx context.Context) error

	// SearchEmails returns messages matching opts, newest first.
	SearchEmails(ctx context.Context, opts SearchOptions) (*SearchResult, error)

	// GetEmailByID fetches a single message. It returns nil and no error when
	// the message does not exist.
	GetEmailByID(ctx context.Context, id string, includeBody bool) (*model.Message, error)

	// GetUnreadCount returns the number of unread inbox messages. When the
	// backend cannot report a count it returns 0 with a *PartialError.
	GetUnreadCount(ctx context.Context) (int, error)

	// MarkAsRead flags a message as seen and invalidates this connector's caches.
	MarkAsRead(ctx context.Context, id string) error

	// ListFolders returns the available mailboxes or labels.
	ListFolders(ctx context.Context) ([]Folder, error)

	// Stats returns message totals across all accounts.
	Stats(ctx context.Context) (*Stats, error)

	// AuthURL returns the URL a user visits to grant access. Backends without
	// an interactive flow return errors.ErrUnsupported.
	AuthURL(state string) (string, error)

	// AuthCallback exchanges an authorization code for new credentials.
	AuthCallback(ctx context.Context, code string) error

	// Disconnect releases backend resources. Calling it twice is not an error.
	Disconnect(ctx context.Context) error
}

// Cache operations.
const (
	OpSearch  = "search"
	OpFetch   = "fetch"
	OpUnread  = "unread"
	OpFolders = "folders"
	OpStats   = "stats"
)

// CacheKey identifies a cached connector result. Fields that do not apply to
// an operation are left zero.
type CacheKey struct {
	Op      string
	Account string
	Query   string
	Since   int64
	Until   int64
	Limit   int
	Body    bool
	ID      string
}

// SearchKey builds the cache key for a search on account.
func SearchKey(account string, opts SearchOptions) CacheKey {
	return CacheKey{
		Op:      OpSearch,
		Account: account,
		Query:   strings.TrimSpace(opts.Query),
		Since:   unixOrZero(opts.Since),
		Until:   unixOrZero(opts.Until),
		Limit:   opts.MaxResults,
		Body:    opts.IncludeBody,
	}
}

// FetchKey builds the cache key for a single message fetch.
func FetchKey(id string, includeBody bool) CacheKey {
	return CacheKey{Op: OpFetch, ID: id, Body: includeBody}
}

// OpKey builds the cache key for an operation without arguments.
func OpKey(op string) CacheKey {
	return CacheKey{Op: op}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// SessionLock serializes a connector's backend sessions. Waiting for it can
// be abandoned with the caller's context.
type SessionLock chan struct{}

// NewSessionLock returns an unlocked SessionLock.
func NewSessionLock() SessionLock {
	return make(SessionLock, 1)
}

// Lock blocks until the lock is held or ctx is done.
func (l SessionLock) Lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases a lock obtained with Lock.
func (l SessionLock) Unlock() {
	<-l
}
