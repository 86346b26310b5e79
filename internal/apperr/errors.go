// Package apperr defines the typed error kinds shared across the daemon's
// components. The mapping of kinds to HTTP status codes lives in
// internal/httpapi.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for status-code mapping and caller branching.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindInvalidPluginType Kind = "invalid_plugin_type"
	KindDisabled         Kind = "disabled"
	KindValidation       Kind = "validation_error"
	KindIO               Kind = "io_error"
	KindNetwork          Kind = "network_error"
	KindArchive          Kind = "archive_error"
	KindMetadata         Kind = "metadata_error"
	KindEnvironment      Kind = "environment_error"
	KindDatabase         Kind = "database_error"
	KindWait             Kind = "wait_error"
)

// Error is the single error type returned by every component in this
// module. Callers branch on Kind; HTTP handlers map Kind to a status code.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, apperr.NotFound("")) style kind comparisons
// when the caller only cares about Kind, by comparing Kind fields.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func AlreadyExists(format string, args ...interface{}) *Error {
	return newf(KindAlreadyExists, format, args...)
}

func InvalidPluginType(format string, args ...interface{}) *Error {
	return newf(KindInvalidPluginType, format, args...)
}

func Disabled(format string, args ...interface{}) *Error {
	return newf(KindDisabled, format, args...)
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

func IO(cause error, format string, args ...interface{}) *Error {
	return wrap(KindIO, cause, format, args...)
}

func Network(cause error, format string, args ...interface{}) *Error {
	return wrap(KindNetwork, cause, format, args...)
}

func Archive(format string, args ...interface{}) *Error {
	return newf(KindArchive, format, args...)
}

func Metadata(format string, args ...interface{}) *Error {
	return newf(KindMetadata, format, args...)
}

func Environment(format string, args ...interface{}) *Error {
	return newf(KindEnvironment, format, args...)
}

func Database(cause error, format string, args ...interface{}) *Error {
	return wrap(KindDatabase, cause, format, args...)
}

func Wait(cause error, format string, args ...interface{}) *Error {
	return wrap(KindWait, cause, format, args...)
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
