// Package errors carries the error taxonomy shared by the matching engine, the
// repositories and the REST layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is = errors.Is
	As = errors.As
)

// FieldError represents a validation error for a specific field
type FieldError struct {
	Kind    string `json:"kind"`
	Field   string `json:"field"`
	Message string `json:"message,omitempty"`
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Field, f.Kind, f.Message)
}

// StatusCode represents an HTTP status code error
type StatusCode int

// Error implements error
func (status StatusCode) Error() string {
	return http.StatusText(int(status))
}

func Status(code int) *Error {
	return Wrap(StatusCode(code)).Reason(http.StatusText(code))
}

// The four kinds every failure in the core is classified into.
var (
	Invalid     *Error = Status(http.StatusBadRequest)
	NotFound    *Error = Status(http.StatusNotFound)
	Conflict    *Error = Status(http.StatusConflict)
	Unavailable *Error = Status(http.StatusServiceUnavailable)
)

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

func Wrap(err error) *Error {
	return &Error{cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		if _, ok := e.cause.(StatusCode); !ok {
			str += fmt.Sprintf(" (%s)", e.cause)
		}
	}
	return str
}

// Reason returns a copy of the error with kind set to given value
func (e *Error) Reason(kind string) *Error {
	err := *e
	err.Kind = kind
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Because returns a copy of the error with the cause replaced.
func (e *Error) Because(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// WithField returns a copy of error with the field appended.
func (e *Error) WithField(kind, field, message string) *Error {
	newError := *e
	newError.Fields = append(append([]FieldError(nil), e.Fields...), FieldError{Kind: kind, Field: field, Message: message})
	return &newError
}

// Is implements the needed interface for errors.Is
// It checks kind and status code for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// StatusOf returns the HTTP status for err, 500 when it carries no kind.
func StatusOf(err error) int {
	switch {
	case IsInvalid(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	}
	var status StatusCode
	if As(err, &status) {
		return int(status)
	}
	return http.StatusInternalServerError
}

func IsInvalid(err error) bool     { return Is(err, Invalid) }
func IsNotFound(err error) bool    { return Is(err, NotFound) }
func IsConflict(err error) bool    { return Is(err, Conflict) }
func IsUnavailable(err error) bool { return Is(err, Unavailable) }

// KindOf names the taxonomy bucket of err; used as a metric label.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsInvalid(err):
		return "invalid_input"
	case IsNotFound(err):
		return "not_found"
	case IsConflict(err):
		return "conflict"
	case IsUnavailable(err):
		return "unavailable"
	default:
		return "internal"
	}
}
