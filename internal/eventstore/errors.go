package eventstore

import (
	"errors"
	"fmt"
)

// Kind classifies store failures for callers; it is the machine-readable part
// of every surfaced error.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindSizeExceeded Kind = "size_exceeded"
	KindSecurity     Kind = "security"
	KindAuth         Kind = "auth"
	KindResource     Kind = "resource"
	KindIO           Kind = "io"
	KindShutdown     Kind = "shutdown"
	KindNotFound     Kind = "not_found"
)

// Error is the surfaced store error: a kind plus a human message. No stack
// traces cross this boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("eventstore[%s]: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("eventstore[%s]: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds a store error.
func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapError attaches an underlying cause.
func wrapError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from any error in the chain, or "" if none.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
