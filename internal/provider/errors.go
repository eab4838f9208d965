package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies adapter failures into the taxonomy shared by
// every vendor. The orchestrator maps kinds to per-phase decisions.
type ErrorKind string

const (
	// ErrorAuth means credentials are invalid or missing.
	ErrorAuth ErrorKind = "auth"
	// ErrorQuota means the vendor rejected the request due to limits.
	ErrorQuota ErrorKind = "quota"
	// ErrorNotFound means the addressed entity does not exist.
	ErrorNotFound ErrorKind = "resource-not-found"
	// ErrorTransient covers timeouts, 5xx and socket errors; retryable.
	ErrorTransient ErrorKind = "transient"
	// ErrorInvalidInput means client-supplied values failed validation.
	ErrorInvalidInput ErrorKind = "invalid-input"
	// ErrorNotImplemented means the adapter does not offer the operation.
	ErrorNotImplemented ErrorKind = "not-implemented"
	// ErrorFatal is anything else that should stop the job.
	ErrorFatal ErrorKind = "fatal"
)

// Error is the typed failure every adapter operation surfaces. The
// vendor's raw message rides along in Message; the wrapped error, if
// any, preserves the transport-level cause.
type Error struct {
	Provider string
	Op       string
	Kind     ErrorKind
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s: %s", e.Provider, e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(providerID, op string, kind ErrorKind, message string, err error) *Error {
	return &Error{Provider: providerID, Op: op, Kind: kind, Message: message, Err: err}
}

// NewError builds a typed adapter error.
func NewError(providerID, op string, kind ErrorKind, message string, err error) *Error {
	return newError(providerID, op, kind, message, err)
}

// NotImplemented is the error stub adapters return for operations they
// do not offer.
func NotImplemented(providerID, op string) *Error {
	return newError(providerID, op, ErrorNotImplemented, "operation not offered by this adapter", nil)
}

// IsKind reports whether err (or anything it wraps) is a provider
// error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// KindOf extracts the kind from a provider error, or ErrorFatal when
// err carries no taxonomy.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorFatal
}

// KindFromHTTPStatus maps a vendor HTTP status to the error taxonomy.
func KindFromHTTPStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusPaymentRequired || status == http.StatusTooManyRequests:
		return ErrorQuota
	case status == http.StatusNotFound:
		return ErrorNotFound
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return ErrorInvalidInput
	case status >= 500:
		return ErrorTransient
	default:
		return ErrorFatal
	}
}
