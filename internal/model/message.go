package model

import "time"

// Message is the unified representation of an email from any provider.
type Message struct {
	// ID is the connector-scoped identifier. It is only unique within the
	// provider that produced it.
	ID string `json:"id"`

	// Provider is the id of the registered connector that returned the message.
	Provider string `json:"provider"`

	// ProviderName is the display name of the provider. It is only set by
	// the aggregation step, never by connectors.
	ProviderName string `json:"providerName,omitempty"`

	// Account is the mailbox address the message belongs to.
	Account string `json:"account"`

	Subject string    `json:"subject"`
	From    string    `json:"from"`
	To      []string  `json:"to"`
	Date    time.Time `json:"date"`
	Unread  bool      `json:"unread"`

	// Snippet is a short plain-text preview, when the backend provides one.
	Snippet string `json:"snippet,omitempty"`

	// Body is the plain-text body, only populated when explicitly requested.
	Body string `json:"body,omitempty"`
}

// Account holds the identity and secret a connector uses for one mailbox.
// Secret is a password for IMAP and a refresh token for OAuth backends.
type Account struct {
	Address string
	Secret  string
}

// AccountInfo is the public view of an Account, safe to expose over the API.
type AccountInfo struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}
