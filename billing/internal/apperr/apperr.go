// Package apperr classifies failures into the categories the HTTP layer maps to status codes.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is the category of a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindValidation
	KindConflict
	KindSignature
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindSignature:
		return "signature"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is a classified failure. Message is safe to show to callers; Err is not.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Kind.String() + ": " + e.Err.Error()
		}
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Message: msg, Err: err}
}

// Authentication reports a missing or invalid caller identity.
func Authentication(msg string) *Error { return newError(KindAuthentication, msg, nil) }

// Validation reports malformed or disallowed input.
func Validation(msg string) *Error { return newError(KindValidation, msg, nil) }

// Conflict reports that the same logical operation is already in progress or done.
func Conflict(msg string) *Error { return newError(KindConflict, msg, nil) }

// Signature reports an unverifiable webhook payload.
func Signature(err error) *Error { return newError(KindSignature, "invalid signature", err) }

// Transient wraps a store or gateway failure the caller may retry.
func Transient(msg string, err error) *Error { return newError(KindTransient, msg, err) }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindValidation, KindSignature:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicTransientMessage is shown for every failure whose detail stays internal.
const PublicTransientMessage = "temporarily unavailable, please try again"

// PublicMessage returns the caller-safe message for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindTransient && e.Kind != KindInternal && e.Message != "" {
		return e.Message
	}
	return PublicTransientMessage
}
