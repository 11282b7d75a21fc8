package provider

import (
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/nhle/mailhub/internal/credential"
	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/source"
	"github.com/nhle/mailhub/internal/source/email"
	"github.com/nhle/mailhub/internal/source/gmail"
)

// ConnectorOptions carries the process-wide dependencies connectors share.
type ConnectorOptions struct {
	// Tokens receives rotated refresh tokens of REST providers that have a
	// token key. Nil disables write-back.
	Tokens credential.Store
	// HTTPClient is used by REST providers; nil selects their default.
	HTTPClient *http.Client
}

// NewConnector builds the connector for one provider config. Secrets must
// already be resolved.
func NewConnector(cfg model.ProviderConfig, opts ConnectorOptions) (source.Connector, error) {
	switch cfg.Type {
	case model.ProviderTypeIMAP:
		return email.NewConnector(cfg), nil
	case model.ProviderTypeREST:
		var gopts []gmail.Option
		if opts.HTTPClient != nil {
			gopts = append(gopts, gmail.WithHTTPClient(opts.HTTPClient))
		}
		if opts.Tokens != nil && cfg.REST.TokenKey != "" {
			gopts = append(gopts, gmail.WithTokenSink(tokenWriter(opts.Tokens, cfg.REST.TokenKey)))
		}
		return gmail.NewConnector(cfg, gopts...), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown type %q", cfg.ID, cfg.Type)
	}
}

// tokenWriter persists rotated refresh tokens under key.
func tokenWriter(store credential.Store, key string) gmail.TokenSink {
	return func(providerID string, tok *oauth2.Token) {
		if tok == nil || tok.RefreshToken == "" {
			return
		}
		if err := store.Set(key, tok.RefreshToken); err != nil {
			logging.Logger(logging.LogManager).WithError(err).
				WithField("provider", providerID).
				Warn("Failed to store refreshed token")
		}
	}
}

// EntriesFromConfig builds one Entry per configured provider, in config order.
// A secret that cannot be resolved is logged and left empty, so the provider
// registers and the affected account fails initialization with an auth error
// instead of aborting startup.
func EntriesFromConfig(cfg *model.AppConfig, resolver *credential.Resolver, opts ConnectorOptions) ([]Entry, error) {
	log := logging.Logger(logging.LogManager)

	entries := make([]Entry, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		resolved := p
		if resolver != nil {
			r, err := resolver.ResolveProvider(p)
			if err != nil {
				log.WithError(err).WithField("provider", p.ID).Warn("Could not resolve provider secrets")
			}
			resolved = r
		}

		conn, err := NewConnector(resolved, opts)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Connector:   conn,
			DisplayName: p.DisplayName(),
			Enabled:     p.Enabled,
		})
	}
	return entries, nil
}
