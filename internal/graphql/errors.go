package graphql

import (
	"errors"
	"fmt"
	"time"
)

// Error classes. Every *APIError matches exactly one of these with errors.Is.
var (
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTransport    = errors.New("transport failure")
	ErrServer       = errors.New("server error")
	ErrClient       = errors.New("client error")
)

var (
	// ErrRetriesExhausted wraps the last retryable error once the attempt
	// bound is reached.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrStalledCursor is returned when the server reports more pages but
	// does not advance the cursor.
	ErrStalledCursor = errors.New("pagination cursor did not advance")

	// ErrUnexpectedShape is returned when response data lacks the expected
	// list or connection.
	ErrUnexpectedShape = errors.New("unexpected response shape")
)

// APIError is a classified failure of a GraphQL request.
type APIError struct {
	Class      error
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("graphql: %v", e.Class)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	switch e.Class {
	case ErrRateLimited, ErrTransport, ErrServer:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable *APIError.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}
