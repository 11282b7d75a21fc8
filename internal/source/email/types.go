package email

import "time"

// Envelope holds the parsed envelope data of an IMAP message.
type Envelope struct {
	UID          uint32
	MessageID    string
	Subject      string
	From         string
	To           []string
	Date         time.Time
	InternalDate time.Time
	Flags        []string // \Seen, \Flagged, \Answered, \Deleted

	// Raw is the full RFC 5322 message, only set when the body was fetched.
	Raw []byte
}

// Seen reports whether the \Seen flag is set.
func (e Envelope) Seen() bool {
	for _, f := range e.Flags {
		if f == `\Seen` {
			return true
		}
	}
	return false
}

// MailboxStatus holds STATUS counts. Nil means the server did not report it.
type MailboxStatus struct {
	Messages *uint32
	Unseen   *uint32
}
