package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailhub/internal/model"
)

// session is one authenticated IMAP connection. It is used by a single
// goroutine at a time and always ends with Logout.
type session interface {
	Select(mailbox string) (uint32, error)
	Search(criteria *imap.SearchCriteria) ([]imap.UID, error)
	Fetch(uids []imap.UID, withBody bool) ([]Envelope, error)
	Status(mailbox string) (MailboxStatus, error)
	MarkSeen(uid imap.UID) error
	List() ([]string, error)
	Logout() error
}

// dialFunc opens and authenticates a session for one account.
type dialFunc func(ctx context.Context, cfg model.IMAPConfig, acct model.IMAPAccountConfig) (session, error)

const dialTimeout = 30 * time.Second

// errLoginRejected marks a login the server answered with NO or BAD.
var errLoginRejected = errors.New("login rejected")

// imapSession wraps go-imap v2 for one account.
type imapSession struct {
	client *imapclient.Client
	stop   func() bool
}

// dialSession connects to the server, authenticates and arranges for the
// connection to be torn down if ctx ends before Logout.
func dialSession(ctx context.Context, cfg model.IMAPConfig, acct model.IMAPAccountConfig) (session, error) {
	addr := cfg.Addr()
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *imapclient.Client
	if cfg.TLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: cfg.Host},
		}
		conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
		}
		client = imapclient.New(conn, nil)
	} else {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
		}
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: cfg.Host},
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starting TLS with %s: %w", addr, err)
		}
	}

	s := &imapSession{client: client}
	s.stop = context.AfterFunc(ctx, func() { _ = client.Close() })

	if err := client.Login(acct.Address, acct.Password).Wait(); err != nil {
		_ = s.Logout()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, fmt.Errorf("%w for %s: %v", errLoginRejected, acct.Address, err)
		}
		return nil, fmt.Errorf("logging in as %s: %w", acct.Address, err)
	}

	return s, nil
}

func (s *imapSession) Select(mailbox string) (uint32, error) {
	data, err := s.client.Select(mailbox, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("selecting %s: %w", mailbox, err)
	}
	return data.NumMessages, nil
}

func (s *imapSession) Search(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return data.AllUIDs(), nil
}

func (s *imapSession) Fetch(uids []imap.UID, withBody bool) ([]Envelope, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
	}
	if withBody {
		fetchOpts.BodySection = []*imap.FetchItemBodySection{bodySection}
	}

	fetchCmd := s.client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	var envelopes []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		env := envelopeFromBuffer(buf)
		if withBody {
			env.Raw = buf.FindBodySection(bodySection)
		}
		envelopes = append(envelopes, env)
	}

	if err := fetchCmd.Close(); err != nil {
		return envelopes, fmt.Errorf("fetching messages: %w", err)
	}

	return envelopes, nil
}

func (s *imapSession) Status(mailbox string) (MailboxStatus, error) {
	data, err := s.client.Status(mailbox, &imap.StatusOptions{
		NumMessages: true,
		NumUnseen:   true,
	}).Wait()
	if err != nil {
		return MailboxStatus{}, fmt.Errorf("status of %s: %w", mailbox, err)
	}
	return MailboxStatus{Messages: data.NumMessages, Unseen: data.NumUnseen}, nil
}

func (s *imapSession) MarkSeen(uid imap.UID) error {
	storeCmd := s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("storing \\Seen on %d: %w", uid, err)
	}
	return nil
}

func (s *imapSession) List() ([]string, error) {
	boxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	names := make([]string, 0, len(boxes))
	for _, b := range boxes {
		names = append(names, b.Mailbox)
	}
	return names, nil
}

// Logout ends the session and closes the connection even if LOGOUT fails.
func (s *imapSession) Logout() error {
	if s.stop != nil {
		s.stop()
	}
	err := s.client.Logout().Wait()
	_ = s.client.Close()
	return err
}

// envelopeFromBuffer extracts an Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID:          uint32(buf.UID),
		InternalDate: buf.InternalDate,
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			env.From = formatAddress(buf.Envelope.From[0].Name, buf.Envelope.From[0].Addr())
		}

		for _, to := range buf.Envelope.To {
			env.To = append(env.To, to.Addr())
		}
	}

	for _, flag := range buf.Flags {
		env.Flags = append(env.Flags, string(flag))
	}

	return env
}

func formatAddress(name, addr string) string {
	switch {
	case name == "":
		return addr
	case addr == "":
		return name
	default:
		return fmt.Sprintf("%s <%s>", name, addr)
	}
}
