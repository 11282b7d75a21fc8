package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailhub"

// Store reads and writes secrets by key.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Keyring is a Store backed by the system keyring.
type Keyring struct {
	open func() (keyring.Keyring, error)
}

// NewKeyring returns a Store backed by the OS keyring, falling back to an
// encrypted file under ~/.config/mailhub/credentials.
func NewKeyring() *Keyring {
	return &Keyring{open: openKeyring}
}

// NewKeyringFrom wraps an already opened keyring, e.g. keyring.NewArrayKeyring in tests.
func NewKeyringFrom(ring keyring.Keyring) *Keyring {
	return &Keyring{open: func() (keyring.Keyring, error) { return ring, nil }}
}

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailhub/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailhub-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key.
func (k *Keyring) Get(key string) (string, error) {
	ring, err := k.open()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key.
func (k *Keyring) Set(key string, value string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Label: "mailhub " + key,
		Data:  []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}
