package chat

import (
	"errors"
	"fmt"
)

// Kind classifies errors returned by Service so every transport can map them the same way
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindUnauthorized
	KindUserDeleted
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindUnauthorized:
		return "Unauthorized"
	case KindUserDeleted:
		return "UserDeleted"
	case KindValidation:
		return "ValidationError"
	default:
		return "Internal"
	}
}

// Error carries a human readable message for the client and the underlying cause for logs
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

// KindOf returns kind of err, KindInternal for errors not produced by this package
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns message safe to show to the client
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Error interno del servidor"
}

func newError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func notFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, nil, format, args...)
}

func conflict(cause error, format string, args ...interface{}) *Error {
	return newError(KindConflict, cause, format, args...)
}

func unauthorized(format string, args ...interface{}) *Error {
	return newError(KindUnauthorized, nil, format, args...)
}

// Validation builds an error for malformed input; transports use it before calling the core
func Validation(format string, args ...interface{}) *Error {
	return newError(KindValidation, nil, format, args...)
}
