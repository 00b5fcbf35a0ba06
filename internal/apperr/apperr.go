// Package apperr defines the closed error taxonomy shared by every cartsync
// service. Handlers translate a Kind to a transport status; services attach the
// operation that failed and a human-readable message that is surfaced verbatim.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the stable categories callers may
// branch on.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindInvalidArgument    Kind = "invalid_argument"
	KindPermissionDenied   Kind = "permission_denied"
	KindNotFound           Kind = "not_found"
	KindFailedPrecondition Kind = "failed_precondition"
	KindInternal           Kind = "internal"
)

// Error carries a kind, the operation that produced it, and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, string(e.Kind))
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns the human-readable message intended for the caller.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Kind)
}

// E constructs an Error with a caller-facing message.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap constructs an Error around an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Internal wraps an unexpected dependency failure.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf extracts the Kind from err. Errors outside the taxonomy are reported
// as KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the caller-facing message for err, falling back to a
// generic label for errors outside the taxonomy.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return "internal error"
}
