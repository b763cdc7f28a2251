// Package retry decides whether and when a failed job attempt runs again.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/amishk599/harvester/internal/model"
	"github.com/amishk599/harvester/internal/provider"
)

// Policy is exponential backoff with jitter, capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the +/- fraction applied to each delay. Values at or above
	// 1/3 can break the strictly growing delay sequence.
	Jitter float64
	// Rand returns values in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultJitter keeps consecutive delays strictly increasing.
const DefaultJitter = 0.3

// NewPolicy builds a policy with the default jitter.
func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Jitter:      DefaultJitter,
	}
}

// ShouldRetry reports whether a job that just failed its attempt-th attempt
// gets another one.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	return attempt < p.MaxAttempts && IsRetryable(err)
}

// Delay computes the wait after the attempt-th failure:
// BaseDelay * 2^(attempt-1) with jitter, capped at MaxDelay. A Retry-After
// hint carried by err raises the delay, never lowers it.
func (p Policy) Delay(attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Exponential: baseDelay * 2^(attempt-1)
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
	}

	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		jitter := float64(delay) * p.Jitter
		delay = time.Duration(float64(delay) + (r()*2-1)*jitter)
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if ra := RetryAfter(err); ra > delay {
		delay = ra
	}
	return delay
}

// RetryAfter extracts a server-supplied Retry-After hint from err.
func RetryAfter(err error) time.Duration {
	var provErr *provider.Error
	if errors.As(err, &provErr) && provErr.RetryAfter > 0 {
		return provErr.RetryAfter
	}
	var httpErr *model.HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return 0
}

type retryable interface {
	Retryable() bool
}

type kinded interface {
	ErrorKind() string
}

type summarized interface {
	Summary() string
}

// Summary describes err for job records shown to API clients. It carries
// kinds and status codes but no response bodies or transport detail.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var s summarized
	if errors.As(err, &s) {
		return s.Summary()
	}
	return "attempt failed: " + Kind(err)
}

// IsRetryable returns true if the error represents a transient failure worth
// retrying. Typed errors decide for themselves; the outermost one wins.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	// Cancellation means shutdown or an operator action, never retry.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Everything else (network, DNS, deadlines) is transient.
	return true
}

// Kind classifies err for audit metadata and job summaries.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "transient"
}
