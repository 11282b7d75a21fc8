package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/model"
)

func newTestResolver(items ...keyring.Item) *Resolver {
	r := NewResolver(NewKeyringFrom(keyring.NewArrayKeyring(items)))
	r.getenv = func(name string) string {
		if name == "WORK_PW" {
			return "from-env"
		}
		return ""
	}
	return r
}

func TestResolve(t *testing.T) {
	r := newTestResolver(keyring.Item{Key: "gmail-token", Data: []byte("refresh-123")})

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"", ""},
		{"keyring:gmail-token", "refresh-123"},
		{"env:WORK_PW", "from-env"},
		{"env:MISSING", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := r.Resolve(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveMissingKeyringItem(t *testing.T) {
	r := newTestResolver()
	_, err := r.Resolve("keyring:nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)
}

func TestResolveProvider(t *testing.T) {
	r := newTestResolver(
		keyring.Item{Key: "gmail-token", Data: []byte("refresh-123")},
		keyring.Item{Key: "alice-pw", Data: []byte("s3cret")},
	)

	rest, err := r.ResolveProvider(model.ProviderConfig{
		ID:   "gmail",
		Type: model.ProviderTypeREST,
		REST: model.RESTConfig{ClientSecret: "env:WORK_PW", RefreshToken: "keyring:gmail-token"},
	})
	require.NoError(t, err)
	assert.Equal(t, "from-env", rest.REST.ClientSecret)
	assert.Equal(t, "refresh-123", rest.REST.RefreshToken)
	assert.Equal(t, "gmail-token", rest.REST.TokenKey)

	orig := model.ProviderConfig{
		ID:   "work",
		Type: model.ProviderTypeIMAP,
		IMAP: model.IMAPConfig{Accounts: []model.IMAPAccountConfig{
			{Address: "alice@example.com", Password: "keyring:alice-pw"},
			{Address: "bob@example.com", Password: "plain"},
		}},
	}
	imap, err := r.ResolveProvider(orig)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", imap.IMAP.Accounts[0].Password)
	assert.Equal(t, "plain", imap.IMAP.Accounts[1].Password)
	assert.Equal(t, "keyring:alice-pw", orig.IMAP.Accounts[0].Password, "input must not be mutated")
}

func TestResolveProvider_PartialFailure(t *testing.T) {
	r := newTestResolver(
		keyring.Item{Key: "alice-pw", Data: []byte("s3cret")},
		keyring.Item{Key: "gmail-token", Data: []byte("refresh-123")},
	)

	imap, err := r.ResolveProvider(model.ProviderConfig{
		ID:   "work",
		Type: model.ProviderTypeIMAP,
		IMAP: model.IMAPConfig{Accounts: []model.IMAPAccountConfig{
			{Address: "alice@example.com", Password: "keyring:alice-pw"},
			{Address: "bob@example.com", Password: "keyring:missing"},
			{Address: "carol@example.com", Password: "plain"},
		}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)
	assert.Contains(t, err.Error(), "bob@example.com")
	require.Len(t, imap.IMAP.Accounts, 3)
	assert.Equal(t, "s3cret", imap.IMAP.Accounts[0].Password)
	assert.Empty(t, imap.IMAP.Accounts[1].Password)
	assert.Equal(t, "bob@example.com", imap.IMAP.Accounts[1].Address)
	assert.Equal(t, "plain", imap.IMAP.Accounts[2].Password)

	rest, err := r.ResolveProvider(model.ProviderConfig{
		ID:   "gmail",
		Type: model.ProviderTypeREST,
		REST: model.RESTConfig{ClientSecret: "keyring:missing", RefreshToken: "keyring:gmail-token"},
	})
	require.Error(t, err)
	assert.Empty(t, rest.REST.ClientSecret)
	assert.Equal(t, "refresh-123", rest.REST.RefreshToken)
	assert.Equal(t, "gmail-token", rest.REST.TokenKey)
}

func TestKeyringRoundTrip(t *testing.T) {
	k := NewKeyringFrom(keyring.NewArrayKeyring(nil))

	require.NoError(t, k.Set("a", "1"))
	got, err := k.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	require.NoError(t, k.Set("a", "2"))
	got, err = k.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	_, err = k.Get("missing")
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)
}
