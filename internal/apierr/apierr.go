// Package apierr defines the error taxonomy shared by services and handlers.
package apierr

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindUnauthenticated
	KindForbidden
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// InternalMessage is the only message clients see for internal faults.
const InternalMessage = "Internal Server Error"

// Error is an error with a kind and a client-facing message.
type Error struct {
	Kind    Kind
	Message string
	// Fields holds every collected validation failure, in order.
	Fields []string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Fields) > 1 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Fields, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(fields ...string) *Error {
	msg := "Invalid request"
	if len(fields) > 0 {
		msg = fields[0]
	}
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

func Conflict(msg string) *Error { return &Error{Kind: KindConflict, Message: msg} }

func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }

func Unauthenticated(msg string, cause error) *Error {
	return &Error{Kind: KindUnauthenticated, Message: msg, Err: cause}
}

func Forbidden(msg string) *Error { return &Error{Kind: KindForbidden, Message: msg} }

// Internal wraps an unexpected fault; the cause is logged, never shown.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: InternalMessage, Err: cause}
}

// From converts any error into an *Error, treating unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	return From(err).Kind
}
