package gmail

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/nhle/mailhub/internal/model"
)

// DefaultScopes grant read access and label changes (mark as read).
var DefaultScopes = []string{"https://www.googleapis.com/auth/gmail.modify"}

// TokenSink receives tokens whose refresh token differs from the stored one,
// so they can be persisted.
type TokenSink func(providerID string, token *oauth2.Token)

func oauthConfig(cfg model.RESTConfig) *oauth2.Config {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
	}
}

// withHTTPClient makes oauth2 use client for token requests.
func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// notifyingSource reports rotated refresh tokens to a sink.
type notifyingSource struct {
	base     oauth2.TokenSource
	provider string
	sink     TokenSink

	mu      sync.Mutex
	refresh string
}

func newNotifyingSource(base oauth2.TokenSource, provider, refresh string, sink TokenSink) *notifyingSource {
	return &notifyingSource{base: base, provider: provider, sink: sink, refresh: refresh}
}

func (s *notifyingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	rotated := tok.RefreshToken != "" && tok.RefreshToken != s.refresh
	if rotated {
		s.refresh = tok.RefreshToken
	}
	s.mu.Unlock()

	if rotated && s.sink != nil {
		s.sink(s.provider, tok)
	}
	return tok, nil
}
