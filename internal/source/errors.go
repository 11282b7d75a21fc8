package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrInvalidID is returned by mutating operations given an id the connector
// could never have produced.
var ErrInvalidID = errors.New("invalid message id")

// ErrNotConnected is returned by operations called before Initialize or
// after Disconnect.
var ErrNotConnected = errors.New("connector not connected")

// AuthError indicates that credentials are missing, invalid or expired. The
// connector needs re-authorization before it can be used again.
type AuthError struct {
	Provider string
	Message  string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("auth error (%s): %s", e.Provider, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError is a failure that may succeed when the same call is retried:
// network errors, timeouts, backend rate limiting and server errors.
type TransientError struct {
	Provider string
	Op       string
	Err      error

	// RetryAfter is the backend's requested wait, zero when unknown.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error (%s) during %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected backend response.
type ProtocolError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s) during %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// PartialError accompanies a usable result that is known to be incomplete,
// such as an unread count the backend could not report.
type PartialError struct {
	Provider string
	Message  string
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partial result (%s): %s", e.Provider, e.Message)
}

// ErrorKind classifies connector errors.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindProtocol  ErrorKind = "protocol"
	ErrorKindPartial   ErrorKind = "partial"
	ErrorKindUnknown   ErrorKind = "unknown"
)

// Classify reports which class err belongs to. Context cancellation and
// deadlines count as transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}

	var (
		authErr      *AuthError
		transientErr *TransientError
		protocolErr  *ProtocolError
		partialErr   *PartialError
		netErr       net.Error
	)
	switch {
	case errors.As(err, &authErr):
		return ErrorKindAuth
	case errors.As(err, &transientErr):
		return ErrorKindTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorKindTransient
	case errors.As(err, &protocolErr):
		return ErrorKindProtocol
	case errors.As(err, &partialErr):
		return ErrorKindPartial
	case errors.As(err, &netErr):
		return ErrorKindTransient
	default:
		return ErrorKindUnknown
	}
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	return Classify(err) == ErrorKindAuth
}

// IsTransient reports whether retrying the call that produced err may help.
func IsTransient(err error) bool {
	return Classify(err) == ErrorKindTransient
}

// RetryAfter returns the wait requested by a TransientError in err's chain.
func RetryAfter(err error) time.Duration {
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return transientErr.RetryAfter
	}
	return 0
}
