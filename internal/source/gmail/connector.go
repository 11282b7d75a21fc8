// Package gmail implements the OAuth REST connector for Gmail-style mail APIs.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/source"
	"github.com/nhle/mailhub/internal/throttle"
)

const inboxLabel = "INBOX"

// Connector implements source.Connector for a single OAuth account.
type Connector struct {
	id       string
	cfg      model.RESTConfig
	oauth    *oauth2.Config
	throttle *throttle.Throttle
	caches   *source.Caches
	lock     source.SessionLock
	log      *logrus.Entry

	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	sink        TokenSink

	mu      sync.Mutex
	token   *oauth2.Token
	client  *Client
	address string
}

var _ source.Connector = (*Connector)(nil)

// Option configures a Connector.
type Option func(*Connector)

// WithHTTPClient sets the base client used for API and token requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) { c.httpClient = client }
}

// WithTokenSource replaces the refresh-token flow with a fixed source.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Connector) { c.tokenSource = ts }
}

// WithTokenSink registers a callback for new refresh tokens.
func WithTokenSink(sink TokenSink) Option {
	return func(c *Connector) { c.sink = sink }
}

// NewConnector builds a REST connector from a resolved provider config.
func NewConnector(cfg model.ProviderConfig, opts ...Option) *Connector {
	c := &Connector{
		id:       cfg.ID,
		cfg:      cfg.REST,
		oauth:    oauthConfig(cfg.REST),
		throttle: throttle.New(cfg.RequestsPerSecond),
		caches:   source.NewCaches(cfg.Cache.Size, cfg.Cache.TTL(), cfg.Cache.UnreadTTL()),
		lock:     source.NewSessionLock(),
		log:      logging.Logger(logging.LogREST).WithField("provider", cfg.ID),
		address:  cfg.REST.Address,
	}
	if cfg.REST.RefreshToken != "" {
		c.token = &oauth2.Token{RefreshToken: cfg.REST.RefreshToken}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// ID returns the provider id.
func (c *Connector) ID() string { return c.id }

// Kind returns source.KindREST.
func (c *Connector) Kind() source.Kind { return source.KindREST }

// Accounts returns the single account served by this connector.
func (c *Connector) Accounts() []model.AccountInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []model.AccountInfo{{Address: c.address, Connected: c.client != nil}}
}

// Initialize obtains an access token and reads the account profile.
func (c *Connector) Initialize(ctx context.Context) error {
	c.mu.Lock()
	ready := c.client != nil
	c.mu.Unlock()
	if ready {
		return nil
	}

	if err := c.lock.Lock(ctx); err != nil {
		return &source.TransientError{Provider: c.id, Op: "initialize", Err: err}
	}
	defer c.lock.Unlock()

	ts, err := c.newTokenSource()
	if err != nil {
		return err
	}
	if err := fetchToken(ctx, ts); err != nil {
		if ctx.Err() != nil {
			return &source.TransientError{Provider: c.id, Op: "initialize", Err: err}
		}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return &source.AuthError{Provider: c.id, Message: "obtaining access token", Err: err}
		}
		return &source.TransientError{Provider: c.id, Op: "initialize", Err: err}
	}

	client := NewClient(c.apiBase(), c.id, oauth2.NewClient(withHTTPClient(context.Background(), c.httpClient), ts))

	var profile Profile
	if err := client.Get(ctx, "/profile", nil, &profile); err != nil {
		return c.notFoundAsProtocol("profile", err)
	}

	c.mu.Lock()
	c.client = client
	if profile.EmailAddress != "" {
		c.address = profile.EmailAddress
	}
	address := c.address
	c.mu.Unlock()

	c.log.WithField("account", address).Info("REST connector initialized")
	return nil
}

// fetchToken waits for the first token until ctx is done. The refresh keeps
// running in the background after a timeout and its result lands in the
// token source's cache.
func fetchToken(ctx context.Context, ts oauth2.TokenSource) error {
	done := make(chan error, 1)
	go func() {
		_, err := ts.Token()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("obtaining access token: %w", ctx.Err())
	}
}

func (c *Connector) newTokenSource() (oauth2.TokenSource, error) {
	if c.tokenSource != nil {
		return c.tokenSource, nil
	}

	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok == nil || (tok.RefreshToken == "" && !tok.Valid()) {
		return nil, &source.AuthError{Provider: c.id, Message: "no refresh token configured; authorize the account first"}
	}

	base := c.oauth.TokenSource(withHTTPClient(context.Background(), c.httpClient), tok)
	return newNotifyingSource(base, c.id, tok.RefreshToken, c.storeToken), nil
}

// storeToken keeps the newest token and forwards it to the sink.
func (c *Connector) storeToken(provider string, tok *oauth2.Token) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	if c.sink != nil {
		c.sink(provider, tok)
	}
}

func (c *Connector) apiBase() string {
	user := c.cfg.User
	if user == "" {
		user = "me"
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/gmail/v1/users/" + url.PathEscape(user)
}

func (c *Connector) api() (*Client, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, "", fmt.Errorf("%s: %w", c.id, source.ErrNotConnected)
	}
	return c.client, c.address, nil
}

// SearchEmails lists matching message ids and fetches their metadata.
func (c *Connector) SearchEmails(ctx context.Context, opts source.SearchOptions) (*source.SearchResult, error) {
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, &source.TransientError{Provider: c.id, Op: "search", Err: err}
	}

	key := source.SearchKey("", opts)
	if cached, ok := source.Lookup[*source.SearchResult](c.caches.Results, key); ok {
		return cached.Clone(), nil
	}

	client, address, err := c.api()
	if err != nil {
		return nil, err
	}
	if err := c.lock.Lock(ctx); err != nil {
		return nil, &source.TransientError{Provider: c.id, Op: "search", Err: err}
	}
	defer c.lock.Unlock()

	params := url.Values{}
	if q := buildQuery(opts); q != "" {
		params.Set("q", q)
	}
	if opts.MaxResults > 0 {
		params.Set("maxResults", strconv.Itoa(opts.MaxResults))
	}

	var list MessageList
	if err := client.Get(ctx, "/messages", params, &list); err != nil {
		return nil, c.notFoundAsProtocol("search", err)
	}

	refs := list.Messages
	if opts.MaxResults > 0 && len(refs) > opts.MaxResults {
		refs = refs[:opts.MaxResults]
	}

	result := &source.SearchResult{Emails: make([]model.Message, 0, len(refs))}
	for _, ref := range refs {
		m, err := c.fetch(ctx, client, ref.ID, opts.IncludeBody)
		if errors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Emails = append(result.Emails, toMessage(c.id, address, m, opts.IncludeBody))
	}

	result.TotalFound = list.ResultSizeEstimate
	if result.TotalFound < len(result.Emails) {
		result.TotalFound = len(result.Emails)
	}
	sort.SliceStable(result.Emails, func(i, j int) bool {
		return result.Emails[i].Date.After(result.Emails[j].Date)
	})

	c.caches.Results.Set(key, result.Clone())
	return result, nil
}

// buildQuery appends the time range to the free-text query as epoch seconds.
func buildQuery(opts source.SearchOptions) string {
	parts := []string{}
	if q := strings.TrimSpace(opts.Query); q != "" {
		parts = append(parts, q)
	}
	if !opts.Since.IsZero() {
		parts = append(parts, "after:"+strconv.FormatInt(opts.Since.Unix(), 10))
	}
	if !opts.Until.IsZero() {
		parts = append(parts, "before:"+strconv.FormatInt(opts.Until.Unix(), 10))
	}
	return strings.Join(parts, " ")
}

func (c *Connector) fetch(ctx context.Context, client *Client, id string, includeBody bool) (*Message, error) {
	params := url.Values{}
	if includeBody {
		params.Set("format", "full")
	} else {
		params.Set("format", "metadata")
		for _, h := range []string{"Subject", "From", "To", "Date"} {
			params.Add("metadataHeaders", h)
		}
	}

	var m Message
	if err := client.Get(ctx, "/messages/"+url.PathEscape(id), params, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetEmailByID fetches one message. A 404 yields nil, nil.
func (c *Connector) GetEmailByID(ctx context.Context, id string, includeBody bool) (*model.Message, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, &source.TransientError{Provider: c.id, Op: "fetch", Err: err}
	}

	key := source.FetchKey(id, includeBody)
	if cached, ok := source.Lookup[model.Message](c.caches.Results, key); ok {
		return &cached, nil
	}

	client, address, err := c.api()
	if err != nil {
		return nil, err
	}
	if err := c.lock.Lock(ctx); err != nil {
		return nil, &source.TransientError{Provider: c.id, Op: "fetch", Err: err}
	}
	defer c.lock.Unlock()

	m, err := c.fetch(ctx, client, id, includeBody)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg := toMessage(c.id, address, m, includeBody)
	c.caches.Results.Set(key, msg)
	return &msg, nil
}

// GetUnreadCount reads the unread counter of the INBOX label.
func (c *Connector) GetUnreadCount(ctx context.Context) (int, error) {
	if err := c.throttle.Acquire(ctx); err != nil {
		return 0, &source.TransientError{Provider: c.id, Op: "unread", Err: err}
	}

	key := source.OpKey(source.OpUnread)
	if n, ok := c.caches.Unread.Get(key); ok {
		return n, nil
	}

	label, err := c.inbox(ctx, "unread")
	if err != nil {
		return 0, err
	}
	if label.MessagesUnread == nil || *label.MessagesUnread < 0 {
		return 0, &source.PartialError{Provider: c.id, Message: "backend did not report an unread count"}
	}

	c.caches.Unread.Set(key, *label.MessagesUnread)
	return *label.MessagesUnread, nil
}

func (c *Connector) inbox(ctx context.Context, op string) (*Label, error) {
	client, _, err := c.api()
	if err != nil {
		return nil, err
	}
	if err := c.lock.Lock(ctx); err != nil {
		return nil, &source.TransientError{Provider: c.id, Op: op, Err: err}
	}
	defer c.lock.Unlock()

	var label Label
	if err := client.Get(ctx, "/labels/"+inboxLabel, nil, &label); err != nil {
		return nil, c.notFoundAsProtocol(op, err)
	}
	return &label, nil
}

// MarkAsRead removes the UNREAD label and clears this connector's caches.
func (c *Connector) MarkAsRead(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("marking %q as read: %w", id, source.ErrInvalidID)
	}
	if err := c.throttle.Acquire(ctx); err != nil {
		return &source.TransientError{Provider: c.id, Op: "mark-read", Err: err}
	}

	client, _, err := c.api()
	if err != nil {
		return err
	}
	if err := c.lock.Lock(ctx); err != nil {
		return &source.TransientError{Provider: c.id, Op: "mark-read", Err: err}
	}
	defer c.lock.Unlock()
	defer c.caches.Clear()

	err = client.Post(ctx, "/messages/"+url.PathEscape(id)+"/modify", ModifyRequest{
		RemoveLabelIDs: []string{labelUnread},
	}, nil)
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("marking %q as read: %w", id, source.ErrInvalidID)
	}
	return err
}

// ListFolders returns the account's labels.
func (c *Connector) ListFolders(ctx context.Context) ([]source.Folder, error) {
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, &source.TransientError{Provider: c.id, Op: "folders", Err: err}
	}

	key := source.OpKey(source.OpFolders)
	if cached, ok := source.Lookup[[]source.Folder](c.caches.Results, key); ok {
		return append([]source.Folder(nil), cached...), nil
	}

	client, address, err := c.api()
	if err != nil {
		return nil, err
	}
	if err := c.lock.Lock(ctx); err != nil {
		return nil, &source.TransientError{Provider: c.id, Op: "folders", Err: err}
	}
	defer c.lock.Unlock()

	var list LabelList
	if err := client.Get(ctx, "/labels", nil, &list); err != nil {
		return nil, c.notFoundAsProtocol("folders", err)
	}

	folders := make([]source.Folder, 0, len(list.Labels))
	for _, l := range list.Labels {
		folders = append(folders, source.Folder{
			Name:    l.Name,
			Account: address,
			Total:   l.MessagesTotal,
			Unread:  l.MessagesUnread,
		})
	}
	sort.SliceStable(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })

	c.caches.Results.Set(key, append([]source.Folder(nil), folders...))
	return folders, nil
}

// Stats reports INBOX totals.
func (c *Connector) Stats(ctx context.Context) (*source.Stats, error) {
	if err := c.throttle.Acquire(ctx); err != nil {
		return nil, &source.TransientError{Provider: c.id, Op: "stats", Err: err}
	}

	key := source.OpKey(source.OpStats)
	if cached, ok := source.Lookup[source.Stats](c.caches.Results, key); ok {
		return &cached, nil
	}

	label, err := c.inbox(ctx, "stats")
	if err != nil {
		return nil, err
	}

	stats := source.Stats{Accounts: 1}
	if label.MessagesTotal != nil {
		stats.TotalMessages = *label.MessagesTotal
	}
	if label.MessagesUnread != nil {
		stats.UnreadMessages = *label.MessagesUnread
	}
	c.caches.Results.Set(key, stats)
	return &stats, nil
}

// AuthURL returns the consent page URL for the authorization-code flow.
func (c *Connector) AuthURL(state string) (string, error) {
	if c.oauth.ClientID == "" || c.oauth.Endpoint.AuthURL == "" {
		return "", &source.AuthError{Provider: c.id, Message: "oauth client is not configured"}
	}
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// AuthCallback exchanges code for a new token, replaces the account
// credentials wholesale and reconnects.
func (c *Connector) AuthCallback(ctx context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		return &source.AuthError{Provider: c.id, Message: "missing authorization code"}
	}

	tok, err := c.oauth.Exchange(withHTTPClient(ctx, c.httpClient), code)
	if err != nil {
		return &source.AuthError{Provider: c.id, Message: "exchanging authorization code", Err: err}
	}

	c.mu.Lock()
	if tok.RefreshToken == "" && c.token != nil {
		tok.RefreshToken = c.token.RefreshToken
	}
	c.token = tok
	c.client = nil
	c.tokenSource = nil
	c.mu.Unlock()
	c.caches.Clear()

	if c.sink != nil {
		c.sink(c.id, tok)
	}
	c.log.Info("Authorization code exchanged")

	return c.Initialize(ctx)
}

// Disconnect drops the API client and cached results. The stored token is
// kept so the connector can be initialized again.
func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	c.client = nil
	c.caches.Clear()
	c.log.Info("REST connector disconnected")
	return nil
}

// notFoundAsProtocol turns a 404 on an endpoint that always exists into a
// protocol error.
func (c *Connector) notFoundAsProtocol(op string, err error) error {
	if errors.Is(err, errNotFound) {
		return &source.ProtocolError{Provider: c.id, Op: op, Err: err}
	}
	return err
}
