package provider

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/nhle/mailhub/internal/credential"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/source"
)

func TestNewConnector(t *testing.T) {
	imapCfg := model.ProviderConfig{ID: "work", Type: model.ProviderTypeIMAP}
	c, err := NewConnector(imapCfg, ConnectorOptions{})
	require.NoError(t, err)
	assert.Equal(t, source.KindIMAP, c.Kind())
	assert.Equal(t, "work", c.ID())

	restCfg := model.ProviderConfig{ID: "gmail", Type: model.ProviderTypeREST}
	c, err = NewConnector(restCfg, ConnectorOptions{})
	require.NoError(t, err)
	assert.Equal(t, source.KindREST, c.Kind())

	_, err = NewConnector(model.ProviderConfig{ID: "x", Type: "pop3"}, ConnectorOptions{})
	assert.Error(t, err)
}

func TestEntriesFromConfig(t *testing.T) {
	store := credential.NewKeyringFrom(keyring.NewArrayKeyring([]keyring.Item{
		{Key: "work-pw", Data: []byte("secret")},
	}))
	cfg := &model.AppConfig{Providers: []model.ProviderConfig{
		{
			ID: "work", Name: "Work", Type: model.ProviderTypeIMAP, Enabled: true,
			IMAP: model.IMAPConfig{Host: "imap.example.com", Port: 993, Accounts: []model.IMAPAccountConfig{
				{Address: "me@example.com", Password: "keyring:work-pw"},
				{Address: "other@example.com", Password: "keyring:missing-pw"},
			}},
		},
		{
			ID: "gmail", Type: model.ProviderTypeREST, Enabled: false,
			REST: model.RESTConfig{RefreshToken: "keyring:missing"},
		},
	}}

	entries, err := EntriesFromConfig(cfg, credential.NewResolver(store), ConnectorOptions{Tokens: store})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "Work", entries[0].DisplayName)
	assert.True(t, entries[0].Enabled)
	accounts := entries[0].Connector.Accounts()
	require.Len(t, accounts, 2)
	assert.Equal(t, "me@example.com", accounts[0].Address)
	assert.Equal(t, "other@example.com", accounts[1].Address)

	// The unresolved account is blanked on its own; its sibling keeps the
	// keyring secret.
	resolved, err := credential.NewResolver(store).ResolveProvider(cfg.Providers[0])
	require.Error(t, err)
	assert.Equal(t, "secret", resolved.IMAP.Accounts[0].Password)
	assert.Empty(t, resolved.IMAP.Accounts[1].Password)
	assert.Equal(t, "gmail", entries[1].DisplayName)
	assert.False(t, entries[1].Enabled)
	assert.Equal(t, source.KindREST, entries[1].Connector.Kind())
}

func TestTokenWriter(t *testing.T) {
	store := credential.NewKeyringFrom(keyring.NewArrayKeyring(nil))
	sink := tokenWriter(store, "gmail-token")

	sink("gmail", &oauth2.Token{AccessToken: "only-access"})
	_, err := store.Get("gmail-token")
	assert.Error(t, err)

	sink("gmail", &oauth2.Token{RefreshToken: "rotated"})
	got, err := store.Get("gmail-token")
	require.NoError(t, err)
	assert.Equal(t, "rotated", got)
}
