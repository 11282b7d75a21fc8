package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nhle/mailhub/internal/model"
)

// Reference prefixes accepted in secret config values.
const (
	keyringPrefix = "keyring:"
	envPrefix     = "env:"
)

// Resolver turns secret references into their values.
type Resolver struct {
	store  Store
	getenv func(string) string
}

// NewResolver returns a Resolver reading keyring references from store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, getenv: os.Getenv}
}

// Resolve returns the secret a value refers to. Plain values are returned
// unchanged, "keyring:<key>" is read from the store and "env:<NAME>" from the
// environment. An empty result is not an error; the connector reports it as an
// auth failure.
func (r *Resolver) Resolve(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, keyringPrefix):
		key := strings.TrimPrefix(value, keyringPrefix)
		if r.store == nil {
			return "", fmt.Errorf("resolving %q: no keyring configured", value)
		}
		secret, err := r.store.Get(key)
		if err != nil {
			return "", err
		}
		return secret, nil
	case strings.HasPrefix(value, envPrefix):
		return r.getenv(strings.TrimPrefix(value, envPrefix)), nil
	default:
		return value, nil
	}
}

// ResolveProvider returns a copy of p with every secret field resolved.
// Fields are resolved independently: a field that fails is left empty and its
// error joined into the result, so one missing keyring item does not blank the
// provider's other secrets. The refresh token reference, when it points at the
// keyring, also becomes the token write-back key unless one is configured.
func (r *Resolver) ResolveProvider(p model.ProviderConfig) (model.ProviderConfig, error) {
	out := p
	var errs []error
	resolve := func(value, field string) string {
		secret, err := r.Resolve(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %q %s: %w", p.ID, field, err))
			return ""
		}
		return secret
	}

	switch p.Type {
	case model.ProviderTypeREST:
		out.REST.ClientSecret = resolve(p.REST.ClientSecret, "client_secret")
		out.REST.RefreshToken = resolve(p.REST.RefreshToken, "refresh_token")
		if out.REST.TokenKey == "" && strings.HasPrefix(p.REST.RefreshToken, keyringPrefix) {
			out.REST.TokenKey = strings.TrimPrefix(p.REST.RefreshToken, keyringPrefix)
		}
	case model.ProviderTypeIMAP:
		out.IMAP.Accounts = make([]model.IMAPAccountConfig, len(p.IMAP.Accounts))
		for i, acct := range p.IMAP.Accounts {
			out.IMAP.Accounts[i] = model.IMAPAccountConfig{
				Address:  acct.Address,
				Password: resolve(acct.Password, "account "+acct.Address),
			}
		}
	}
	return out, errors.Join(errs...)
}
