// Package autherr defines the error taxonomy shared by the auth client packages.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an auth failure.
type Kind string

const (
	KindTokenExpired        Kind = "auth.token_expired"
	KindTokenMalformed      Kind = "auth.token_malformed"
	KindRefreshMissingToken Kind = "auth.refresh_missing_token"
	KindRefreshFailed       Kind = "auth.refresh_failed"
	KindNetwork             Kind = "auth.network_error"
	KindUnauthorized        Kind = "auth.unauthorized"
	KindForbidden           Kind = "auth.forbidden"
	KindNotAuthenticated    Kind = "auth.not_authenticated"
	KindInvalidResponse     Kind = "auth.invalid_response"
	KindSessionTimeout      Kind = "auth.session_timeout"
)

// Sentinels match any *Error of the same kind through errors.Is.
var (
	ErrTokenExpired        = &Error{Kind: KindTokenExpired}
	ErrTokenMalformed      = &Error{Kind: KindTokenMalformed}
	ErrRefreshMissingToken = &Error{Kind: KindRefreshMissingToken}
	ErrRefreshFailed       = &Error{Kind: KindRefreshFailed}
	ErrNetwork             = &Error{Kind: KindNetwork}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrNotAuthenticated    = &Error{Kind: KindNotAuthenticated}
	ErrInvalidResponse     = &Error{Kind: KindInvalidResponse}
	ErrSessionTimeout      = &Error{Kind: KindSessionTimeout}
)

// Error is a classified auth failure. Status is the HTTP status when one was observed.
type Error struct {
	Kind          Kind
	Status        int
	Message       string
	Unrecoverable bool
	Err           error
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// FromStatus builds an Error carrying an HTTP status.
func FromStatus(kind Kind, status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	text := string(e.Kind)
	if e.Status != 0 {
		text = fmt.Sprintf("%s (status %d)", text, e.Status)
	}
	if e.Message != "" {
		text += ": " + e.Message
	}
	if e.Err != nil {
		text += ": " + e.Err.Error()
	}
	return text
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf returns the kind of the first *Error in the chain, or "" when none is present.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}

// StatusOf returns the HTTP status carried by the error chain, or 0.
func StatusOf(err error) int {
	for err != nil {
		var classified *Error
		if !errors.As(err, &classified) {
			return 0
		}
		if classified.Status != 0 {
			return classified.Status
		}
		err = classified.Err
	}
	return 0
}

// IsUnrecoverable reports whether any *Error in the chain is marked unrecoverable.
func IsUnrecoverable(err error) bool {
	for err != nil {
		var classified *Error
		if !errors.As(err, &classified) {
			return false
		}
		if classified.Unrecoverable {
			return true
		}
		err = classified.Err
	}
	return false
}

// MessageOf returns the message of the outermost *Error, falling back to err.Error().
func MessageOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) && classified.Message != "" {
		return classified.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
