package realtime

import (
	"errors"
	"strings"
)

// ErrorKind classifies failures surfaced by the realtime layer.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindValidation     ErrorKind = "validation"
	KindDependency     ErrorKind = "dependency"
	KindDelivery       ErrorKind = "delivery"
)

var (
	// ErrSessionClosed is returned when delivering to a session that has
	// already disconnected.
	ErrSessionClosed = errors.New("session closed")
	// ErrBufferFull is returned when a session's outbound buffer cannot take
	// another frame.
	ErrBufferFull = errors.New("session send buffer full")
	// ErrHubClosed is returned once the hub has begun shutting down.
	ErrHubClosed = errors.New("realtime hub closed")
)

// Error is the structured failure returned by directory and router
// operations. Reason is the only part ever shown to clients; Err carries the
// underlying cause for logs.
type Error struct {
	Kind      ErrorKind
	Op        string
	Reason    string
	ChannelID string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op, channelID, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, ChannelID: channelID, Err: err}
}

// KindOf returns the ErrorKind of err, defaulting to KindDependency for
// errors that did not originate here.
func KindOf(err error) ErrorKind {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.Kind
	}
	return KindDependency
}

// ReasonOf returns the client-safe description of err.
func ReasonOf(err error) string {
	var rtErr *Error
	if errors.As(err, &rtErr) && rtErr.Reason != "" {
		return rtErr.Reason
	}
	return "internal error"
}
