package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned by JobStore lookups for unknown ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a job is not in the source state
	// a transition requires.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// HTTPError wraps an HTTP status code so retry logic can inspect it.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration // from Retry-After header, zero if absent
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the status is transient (429 or 5xx).
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// ErrorKind classifies the error for user-visible summaries.
func (e *HTTPError) ErrorKind() string {
	if e.Retryable() {
		return "fetch_transient"
	}
	return "fetch_rejected"
}

// Summary reports the status without the wrapped transport error.
func (e *HTTPError) Summary() string {
	return fmt.Sprintf("page fetch returned HTTP %d", e.StatusCode)
}

// ConfigurationError means no usable provider is configured for a request.
// It is never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Reason
}

func (e *ConfigurationError) Retryable() bool   { return false }
func (e *ConfigurationError) ErrorKind() string { return "configuration" }

// AuditWriteError means the attempt's audit record could not be stored.
// The attempt is treated as failed-with-retry so the record is not lost.
type AuditWriteError struct {
	Err error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write: %v", e.Err)
}

func (e *AuditWriteError) Unwrap() error     { return e.Err }
func (e *AuditWriteError) Retryable() bool   { return true }
func (e *AuditWriteError) ErrorKind() string { return "audit_write" }

// PersistError means a successful result could not be handed to the ResultSink.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist result: %v", e.Err)
}

func (e *PersistError) Unwrap() error     { return e.Err }
func (e *PersistError) Retryable() bool   { return true }
func (e *PersistError) ErrorKind() string { return "persist" }

// InvalidRequestError rejects a ScrapeRequest at enqueue time.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}
