// Package provider wraps concrete LLM backends behind one capability interface.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Provider is the uniform contract every LLM backend implements. Adapters hold
// only resolved configuration and an HTTP client.
type Provider interface {
	ID() string
	Generate(ctx context.Context, req GenerateRequest) (RawResponse, error)
	ListModels(ctx context.Context) ([]ModelDescriptor, error)
	Ping(ctx context.Context) (Availability, error)
}

// GenerateRequest is one prompt submission. Timeout bounds this call only.
type GenerateRequest struct {
	Model   string
	Prompt  string
	Options map[string]any
	Timeout time.Duration
}

// RawResponse is the unparsed provider output handed to the normalizer.
type RawResponse struct {
	Provider string
	Model    string
	Text     string
	Latency  time.Duration
}

// ModelDescriptor describes one model a provider can serve.
type ModelDescriptor struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Availability is the outcome of a liveness ping.
type Availability struct {
	Available bool
	Latency   time.Duration
}

// Kind tags a provider failure.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindUnreachable       Kind = "unreachable"
	KindRateLimited       Kind = "rate_limited"
	KindAuthFailed        Kind = "auth_failed"
	KindMalformedResponse Kind = "malformed_response"
	KindUnknown           Kind = "unknown"
)

// Error is the tagged failure returned by every adapter call.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt could succeed. Auth failures and
// malformed responses need a human or a different provider.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindUnreachable, KindRateLimited:
		return true
	case KindUnknown:
		return e.StatusCode == 0 || e.StatusCode >= 500
	}
	return false
}

// ErrorKind returns the tag as a string for summaries and metric labels.
func (e *Error) ErrorKind() string {
	return string(e.Kind)
}

// Summary is Error without Detail.
func (e *Error) Summary() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	return msg
}

// transportError classifies an error from http.Client.Do.
func transportError(id string, err error) *Error {
	kind := KindUnreachable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Provider: id, Kind: kind, Detail: err.Error(), Err: err}
}

// statusError classifies a non-2xx response.
func statusError(id string, resp *http.Response, body []byte) *Error {
	e := &Error{Provider: id, StatusCode: resp.StatusCode, Detail: truncate(string(body), 200)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = KindAuthFailed
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case resp.StatusCode >= 500:
		e.Kind = KindUnreachable
	default:
		e.Kind = KindUnknown
	}
	return e
}

func malformed(id string, err error) *Error {
	return &Error{Provider: id, Kind: KindMalformedResponse, Detail: err.Error(), Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
