// Package apperr defines the error taxonomy shared by the conversation store,
// the matchmaker and the HTTP layer. Services return *Error values so that the
// boundary can map them to a status code and a stable message without string
// matching.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for the boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindExpired
	KindConflict
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindExpired:
		return "expired"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error carries a Kind, a user-visible message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Validation(msg string) error { return newError(KindValidation, msg, nil) }
func Auth(msg string) error       { return newError(KindAuth, msg, nil) }
func Forbidden(msg string) error  { return newError(KindForbidden, msg, nil) }
func NotFound(msg string) error   { return newError(KindNotFound, msg, nil) }
func Expired(msg string) error    { return newError(KindExpired, msg, nil) }
func Conflict(msg string) error   { return newError(KindConflict, msg, nil) }

func RateLimited(msg string) error { return newError(KindRateLimited, msg, nil) }

// Internal wraps a storage or durability failure. The cause is kept for logs
// but never shown to the client.
func Internal(msg string, err error) error { return newError(KindInternal, msg, err) }

// KindOf reports the Kind of err. Errors that are not *Error are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the user-visible message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal server error"
		}
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired:
		return http.StatusGone
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
