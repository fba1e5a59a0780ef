// Package apperr defines the error taxonomy shared by every talkbuddy layer
// and the mapping from that taxonomy to HTTP status codes.
//
// Lower layers wrap a sentinel together with the underlying cause
// (fmt.Errorf("...: %w: %w", apperr.ErrStoreUnavailable, err)) so callers can
// classify with errors.Is while the cause stays available for logging.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound means a character or conversation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput means a required field is missing or an identifier is
	// malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable means the durable record store could not serve the
	// request. Fatal to the request; never retried inline.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrCacheUnavailable means the cache could not serve the request. Always
	// non-fatal: callers log it and fall back to the record store.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrUpstreamDegraded means the completion service failed. It is converted
	// into user-visible reply text and never returned across the request
	// boundary.
	ErrUpstreamDegraded = errors.New("completion service degraded")
)

// Invalid returns an ErrInvalidInput error carrying a client-facing message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound error naming the missing entity.
func NotFound(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
}

// StoreUnavailable joins ErrStoreUnavailable with the driver error for op.
func StoreUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// CacheUnavailable joins ErrCacheUnavailable with the client error for op.
func CacheUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCacheUnavailable, err)
}

// HTTPStatus maps an error to the status code returned at the HTTP boundary.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text that is safe to show a client. Input and
// lookup errors are descriptive; infrastructure errors are generic so driver
// details never leak.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNotFound):
		return err.Error()
	case errors.Is(err, ErrStoreUnavailable):
		return "Service temporarily unavailable"
	default:
		return "Server error"
	}
}
