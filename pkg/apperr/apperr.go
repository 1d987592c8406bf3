// Package apperr defines the failure taxonomy shared by the fetcher, the store,
// the scheduler and the read API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTransientNetwork  = errors.New("transient network failure")
	ErrUpstreamThrottled = errors.New("upstream throttled")
	ErrUpstreamRejected  = errors.New("upstream rejected request")
	ErrInvalidPayload    = errors.New("invalid upstream payload")
	ErrStorageFailure    = errors.New("storage failure")
	ErrUnknownSource     = errors.New("unknown source")
	ErrInvalidInput      = errors.New("invalid input")
	ErrRateLimited       = errors.New("rate limit exceeded")
)

// Error attaches a kind and, for upstream failures, the HTTP status to an
// underlying cause.
type Error struct {
	Kind    error
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the kind sentinel so callers can use errors.Is(err, ErrUpstreamThrottled).
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error of the given kind.
func New(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind error, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Upstream builds an upstream error carrying the HTTP status.
func Upstream(kind error, status int, url string) *Error {
	return &Error{Kind: kind, Status: status, Message: url}
}

// Status returns the upstream HTTP status carried by err, or 0.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// KindName returns a stable, log-friendly name for the kind of err.
func KindName(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTransientNetwork):
		return "transient_network"
	case errors.Is(err, ErrUpstreamThrottled):
		return "upstream_throttled"
	case errors.Is(err, ErrUpstreamRejected):
		return "upstream_rejected"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrStorageFailure):
		return "storage_failure"
	case errors.Is(err, ErrUnknownSource):
		return "unknown_source"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}

// Code returns the API error code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrTransientNetwork):
		return "UPSTREAM_TIMEOUT"
	case errors.Is(err, ErrUpstreamThrottled), errors.Is(err, ErrUpstreamRejected):
		return fmt.Sprintf("UPSTREAM_%d", Status(err))
	case errors.Is(err, ErrInvalidPayload):
		return "INVALID_JSON"
	case errors.Is(err, ErrStorageFailure):
		return "DATABASE_ERROR"
	case errors.Is(err, ErrUnknownSource):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidInput):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMIT_EXCEEDED"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatusCode maps err to the status the read API answers with.
func HTTPStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, ErrUpstreamThrottled),
		errors.Is(err, ErrUpstreamRejected), errors.Is(err, ErrInvalidPayload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
