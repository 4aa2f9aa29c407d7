package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrInternal           = errors.New("internal error")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")

	ErrNotConnected         = errors.New("realtime connection not established")
	ErrEmptyMessage         = errors.New("message text is empty")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrUnknownConversation  = errors.New("unknown conversation")
	ErrUnknownMessage       = errors.New("unknown message")
	ErrInvalidTransition    = errors.New("invalid delivery state transition")
	ErrMalformedEvent       = errors.New("malformed event payload")
	ErrUnknownEvent         = errors.New("unknown event type")
	ErrClosed               = errors.New("session closed")
)

// APIError is returned by the request/response client for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps HTTP status classes onto the sentinel errors so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == 400 || e.StatusCode == 422:
		return ErrBadRequest
	case e.StatusCode == 401 || e.StatusCode == 403:
		return ErrUnauthorized
	case e.StatusCode == 404:
		return ErrNotFound
	case e.StatusCode == 429:
		return ErrRateLimited
	case e.StatusCode == 503:
		return ErrServiceUnavailable
	case e.StatusCode >= 500:
		return ErrInternal
	}
	return nil
}

// Retryable reports whether a request that failed with this error may be retried.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
