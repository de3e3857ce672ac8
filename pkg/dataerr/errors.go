// Package dataerr defines the error taxonomy shared by every data module
// and the transports that sit in front of the data controller.
package dataerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error so transports can translate it without
// inspecting module-specific detail.
type Kind int

const (
	// InvalidId means a point identifier did not parse.
	InvalidId Kind = iota
	// InvalidValue means a write payload could not be coerced to the
	// expected datatype.
	InvalidValue
	// NotFound means an unknown module, scheme, element, or connection id.
	NotFound
	// Timeout means a device or transport deadline was exceeded.
	Timeout
	// Protocol means an adapter-specific transport or decoding failure.
	Protocol
	// Configuration means a fatal startup configuration problem.
	Configuration
)

func (k Kind) String() string {
	switch k {
	case InvalidId:
		return "invalid_id"
	case InvalidValue:
		return "invalid_value"
	case NotFound:
		return "not_found"
	case Timeout:
		return "timeout"
	case Protocol:
		return "protocol"
	case Configuration:
		return "configuration"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a Kind to the status code the external transport must
// use: 400 for client errors, 404 for NotFound, 500 for server errors.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidId, InvalidValue:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Timeout, Protocol:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the error type every data module must surface instead of a
// raw transport or decoding error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, dataerr.New(dataerr.InvalidId, "")) match any
// *Error of the same Kind, whatever its message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Protocol for any error
// that did not originate as a *Error — the controller and transports
// must never leak a raw error across the module boundary.
func KindOf(err error) Kind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return Protocol
}
