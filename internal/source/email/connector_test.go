package email

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/source"
)

type fakeMailbox struct {
	messages []Envelope
	total    *uint32
	unseen   *uint32
	folders  []string
}

type fakeServer struct {
	mu        sync.Mutex
	boxes     map[string]*fakeMailbox
	passwords map[string]string
	dialErr   map[string]error
	dials     int
	logouts   int
	criteria  []*imap.SearchCriteria
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		boxes:     make(map[string]*fakeMailbox),
		passwords: make(map[string]string),
		dialErr:   make(map[string]error),
	}
}

func (f *fakeServer) add(address, password string, box *fakeMailbox) {
	f.boxes[address] = box
	f.passwords[address] = password
}

func (f *fakeServer) dial(_ context.Context, _ model.IMAPConfig, acct model.IMAPAccountConfig) (session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if err := f.dialErr[acct.Address]; err != nil {
		return nil, err
	}
	if f.passwords[acct.Address] != acct.Password {
		return nil, fmt.Errorf("%w for %s", errLoginRejected, acct.Address)
	}
	return &fakeSession{srv: f, box: f.boxes[acct.Address]}, nil
}

func (f *fakeServer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials, f.logouts
}

type fakeSession struct {
	srv *fakeServer
	box *fakeMailbox
}

func (s *fakeSession) Select(string) (uint32, error) {
	return uint32(len(s.box.messages)), nil
}

func (s *fakeSession) Search(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	s.srv.mu.Lock()
	s.srv.criteria = append(s.srv.criteria, criteria)
	s.srv.mu.Unlock()

	uids := make([]imap.UID, 0, len(s.box.messages))
	for _, m := range s.box.messages {
		uids = append(uids, imap.UID(m.UID))
	}
	return uids, nil
}

func (s *fakeSession) Fetch(uids []imap.UID, withBody bool) ([]Envelope, error) {
	var out []Envelope
	for _, uid := range uids {
		for _, m := range s.box.messages {
			if m.UID == uint32(uid) {
				if !withBody {
					m.Raw = nil
				}
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (s *fakeSession) Status(string) (MailboxStatus, error) {
	return MailboxStatus{Messages: s.box.total, Unseen: s.box.unseen}, nil
}

func (s *fakeSession) MarkSeen(uid imap.UID) error {
	for i := range s.box.messages {
		if s.box.messages[i].UID == uint32(uid) {
			s.box.messages[i].Flags = append(s.box.messages[i].Flags, `\Seen`)
		}
	}
	return nil
}

func (s *fakeSession) List() ([]string, error) {
	return s.box.folders, nil
}

func (s *fakeSession) Logout() error {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	s.srv.logouts++
	return nil
}

func u32(v uint32) *uint32 { return &v }

var base = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func newTestConnector(srv *fakeServer, accounts ...model.IMAPAccountConfig) *Connector {
	c := NewConnector(model.ProviderConfig{
		ID:                "work",
		Type:              model.ProviderTypeIMAP,
		RequestsPerSecond: 1000,
		Cache:             model.CacheConfig{Size: 16, TTLSec: 60, UnreadTTLSec: 30},
		IMAP: model.IMAPConfig{
			Host:       "imap.test",
			Port:       993,
			TLS:        true,
			Mailbox:    "INBOX",
			SearchMode: model.SearchModePhrase,
			Accounts:   accounts,
		},
	})
	c.dial = srv.dial
	return c
}

func twoAccountServer() *fakeServer {
	srv := newFakeServer()
	srv.add("alice@example.com", "pw-a", &fakeMailbox{
		messages: []Envelope{
			{UID: 1, Subject: "a1", From: "x@test", Date: base.Add(1 * time.Hour), Flags: []string{`\Seen`}},
			{UID: 2, Subject: "a2", From: "y@test", Date: base.Add(3 * time.Hour)},
			{UID: 3, Subject: "a3", From: "z@test", Date: base.Add(5 * time.Hour), Raw: []byte(htmlOnlyMessage)},
		},
		total:   u32(3),
		unseen:  u32(2),
		folders: []string{"INBOX", "Sent"},
	})
	srv.add("bob@example.com", "pw-b", &fakeMailbox{
		messages: []Envelope{
			{UID: 7, Subject: "b7", From: "q@test", Date: base.Add(4 * time.Hour), To: []string{"bob@example.com"}},
		},
		total:   u32(1),
		unseen:  u32(1),
		folders: []string{"INBOX"},
	})
	return srv
}

var (
	alice = model.IMAPAccountConfig{Address: "alice@example.com", Password: "pw-a"}
	bob   = model.IMAPAccountConfig{Address: "bob@example.com", Password: "pw-b"}
)

func TestInitialize(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice, bob)

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, []model.AccountInfo{
		{Address: "alice@example.com", Connected: true},
		{Address: "bob@example.com", Connected: true},
	}, c.Accounts())

	dials, logouts := srv.counts()
	assert.Equal(t, 2, dials)
	assert.Equal(t, dials, logouts)

	// Idempotent: no new sessions.
	require.NoError(t, c.Initialize(context.Background()))
	dials, _ = srv.counts()
	assert.Equal(t, 2, dials)
}

func TestInitializeRejectedPassword(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice, model.IMAPAccountConfig{Address: "bob@example.com", Password: "wrong"})

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
	assert.Equal(t, []model.AccountInfo{
		{Address: "alice@example.com", Connected: true},
		{Address: "bob@example.com", Connected: false},
	}, c.Accounts())
}

func TestInitializeMissingPassword(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, model.IMAPAccountConfig{Address: "alice@example.com"})

	err := c.Initialize(context.Background())
	assert.True(t, source.IsAuthError(err))
	dials, _ := srv.counts()
	assert.Zero(t, dials, "no connection attempt without credentials")
}

func TestSearchMergesAccountsNewestFirst(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice, bob)

	res, err := c.SearchEmails(context.Background(), source.SearchOptions{MaxResults: 3})
	require.NoError(t, err)

	require.Len(t, res.Emails, 3)
	assert.Equal(t, []string{"a3", "b7", "a2"}, subjects(res.Emails))
	assert.Equal(t, 4, res.TotalFound)
	assert.Empty(t, res.AccountErrors)

	first := res.Emails[0]
	assert.Equal(t, "alice@example.com:3", first.ID)
	assert.Equal(t, "work", first.Provider)
	assert.Equal(t, "alice@example.com", first.Account)
	assert.Empty(t, first.ProviderName)
	assert.True(t, first.Unread)
	assert.Empty(t, first.Body, "body only when requested")

	dials, logouts := srv.counts()
	assert.Equal(t, dials, logouts)
}

func TestSearchIncludeBody(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice)

	res, err := c.SearchEmails(context.Background(), source.SearchOptions{MaxResults: 1, IncludeBody: true})
	require.NoError(t, err)
	require.Len(t, res.Emails, 1)
	assert.Equal(t, "Hello & welcome", res.Emails[0].Body)
	assert.Equal(t, "Hello & welcome", res.Emails[0].Snippet)
}

func TestSearchUsesCache(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice, bob)
	opts := source.SearchOptions{Query: "invoice", MaxResults: 10}

	first, err := c.SearchEmails(context.Background(), opts)
	require.NoError(t, err)
	dials, _ := srv.counts()

	first.Emails[0].Subject = "mutated by caller"

	second, err := c.SearchEmails(context.Background(), opts)
	require.NoError(t, err)
	again, _ := srv.counts()
	assert.Equal(t, dials, again, "cache hit must not open a session")
	assert.Equal(t, "a3", second.Emails[0].Subject)

	_, err = c.SearchEmails(context.Background(), source.SearchOptions{Query: "other", MaxResults: 10})
	require.NoError(t, err)
	after, _ := srv.counts()
	assert.Greater(t, after, again)
}

func TestSearchPartialAccountFailure(t *testing.T) {
	srv := twoAccountServer()
	srv.dialErr["bob@example.com"] = errors.New("connection reset")
	c := newTestConnector(srv, alice, bob)

	res, err := c.SearchEmails(context.Background(), source.SearchOptions{MaxResults: 10})
	require.NoError(t, err)
	assert.Len(t, res.Emails, 3)
	require.Contains(t, res.AccountErrors, "bob@example.com")
	assert.Contains(t, res.AccountErrors["bob@example.com"], "connection reset")

	// Partial results are not cached.
	before, _ := srv.counts()
	_, err = c.SearchEmails(context.Background(), source.SearchOptions{MaxResults: 10})
	require.NoError(t, err)
	after, _ := srv.counts()
	assert.Greater(t, after, before)
}

func TestSearchAllAccountsFail(t *testing.T) {
	srv := twoAccountServer()
	srv.dialErr["alice@example.com"] = errors.New("timeout")
	c := newTestConnector(srv, alice, model.IMAPAccountConfig{Address: "bob@example.com", Password: "wrong"})

	_, err := c.SearchEmails(context.Background(), source.SearchOptions{})
	require.Error(t, err)
	assert.True(t, source.IsTransient(err))

	authOnly := newTestConnector(srv,
		model.IMAPAccountConfig{Address: "alice@example.com", Password: "bad"},
		model.IMAPAccountConfig{Address: "bob@example.com", Password: "bad"},
	)
	delete(srv.dialErr, "alice@example.com")
	_, err = authOnly.SearchEmails(context.Background(), source.SearchOptions{})
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
}

func TestSearchPassesCriteria(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice)
	since := base.AddDate(0, 0, -7)

	_, err := c.SearchEmails(context.Background(), source.SearchOptions{Query: "invoice", Since: since})
	require.NoError(t, err)

	require.Len(t, srv.criteria, 1)
	assert.Equal(t, since, srv.criteria[0].Since)
	assert.Len(t, srv.criteria[0].Or, 1)
}

func TestSearchAppliesExactUntil(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice)
	until := base.Add(4 * time.Hour)

	res, err := c.SearchEmails(context.Background(), source.SearchOptions{Until: until, MaxResults: 10})
	require.NoError(t, err)

	require.Len(t, srv.criteria, 1)
	assert.Equal(t, time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC), srv.criteria[0].Before)
	assert.Equal(t, []string{"a2", "a1"}, subjects(res.Emails))
	assert.Equal(t, 2, res.TotalFound)
}

func TestGetEmailByID(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice, bob)

	msg, err := c.GetEmailByID(context.Background(), "bob@example.com:7", false)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "b7", msg.Subject)
	assert.Equal(t, []string{"bob@example.com"}, msg.To)

	for _, id := range []string{"bob@example.com:99", "nobody@example.com:1", "garbage", "bob@example.com:", "bob@example.com:x"} {
		msg, err := c.GetEmailByID(context.Background(), id, false)
		assert.NoError(t, err, id)
		assert.Nil(t, msg, id)
	}
}

func TestGetUnreadCount(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice, bob)

	n, err := c.GetUnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	before, _ := srv.counts()
	n, err = c.GetUnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	after, _ := srv.counts()
	assert.Equal(t, before, after, "unread count is cached")
}

func TestGetUnreadCountUnknown(t *testing.T) {
	srv := twoAccountServer()
	srv.boxes["bob@example.com"].unseen = nil
	c := newTestConnector(srv, alice, bob)

	n, err := c.GetUnreadCount(context.Background())
	assert.Equal(t, 2, n)
	var partial *source.PartialError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Message, "bob@example.com")
}

func TestMarkAsReadInvalidatesCache(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice, bob)
	ctx := context.Background()

	res, err := c.SearchEmails(ctx, source.SearchOptions{MaxResults: 10})
	require.NoError(t, err)
	assert.True(t, res.Emails[0].Unread)

	require.NoError(t, c.MarkAsRead(ctx, "alice@example.com:3"))

	res, err = c.SearchEmails(ctx, source.SearchOptions{MaxResults: 10})
	require.NoError(t, err)
	assert.Equal(t, "a3", res.Emails[0].Subject)
	assert.False(t, res.Emails[0].Unread, "fresh search after mark-read")

	err = c.MarkAsRead(ctx, "nope")
	assert.ErrorIs(t, err, source.ErrInvalidID)
}

func TestListFoldersAndStats(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice, bob)

	folders, err := c.ListFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, 3)
	assert.Equal(t, "INBOX", folders[0].Name)
	require.NotNil(t, folders[0].Total)
	assert.Equal(t, 3, *folders[0].Total)
	assert.Nil(t, folders[1].Total)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, source.Stats{TotalMessages: 4, UnreadMessages: 3, Accounts: 2}, *stats)
}

func TestAuthFlowUnsupported(t *testing.T) {
	c := newTestConnector(newFakeServer(), alice)

	_, err := c.AuthURL("state")
	assert.ErrorIs(t, err, errors.ErrUnsupported)
	assert.ErrorIs(t, c.AuthCallback(context.Background(), "code"), errors.ErrUnsupported)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := twoAccountServer()
	c := newTestConnector(srv, alice)

	require.NoError(t, c.Disconnect(context.Background()))
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))
	assert.False(t, c.Accounts()[0].Connected)
}

func TestCanceledContextIsTransient(t *testing.T) {
	c := newTestConnector(twoAccountServer(), alice)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SearchEmails(ctx, source.SearchOptions{})
	require.Error(t, err)
	assert.True(t, source.IsTransient(err))
}

func subjects(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Subject
	}
	return out
}
