package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	// Validation is malformed or missing input.
	Validation Kind = iota
	// Precondition is a business-rule gate not met (e.g. not checked in).
	Precondition
	// Conflict means state already reflects a mutually-exclusive condition.
	Conflict
	// NotFound means the referenced record does not exist.
	NotFound
	// Verification is an identity mismatch at approval time.
	Verification
	// Capacity is a resource limit (borrow cap, zero availability).
	Capacity
	// Forbidden means the caller lacks the right to act on this record.
	Forbidden
	// Internal is a storage or infrastructure failure.
	Internal
)

// Error is a typed application error with a user-facing message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind; unclassified errors report Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation, Conflict, Verification, Capacity:
		return http.StatusBadRequest
	case Precondition, Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-facing message, hiding internal detail.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Kind == Internal {
			return "internal error"
		}
		return ae.Msg
	}
	return "internal error"
}
