package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/amishk599/harvester/internal/model"
	"github.com/amishk599/harvester/internal/provider"
)

func fixed(v float64) func() float64 { return func() float64 { return v } }

func TestDelay_ExponentialWithoutJitter(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Hour}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := p.Delay(i+1, errors.New("x")); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelay_StrictlyIncreasingUnderWorstCaseJitter(t *testing.T) {
	// Attempt n at maximum jitter must still be below attempt n+1 at minimum.
	hi := NewPolicy(5, 5*time.Second, time.Hour)
	hi.Rand = fixed(0.999999)
	lo := NewPolicy(5, 5*time.Second, time.Hour)
	lo.Rand = fixed(0)

	for attempt := 1; attempt < 5; attempt++ {
		cur := hi.Delay(attempt, nil)
		next := lo.Delay(attempt+1, nil)
		if next <= cur {
			t.Errorf("attempt %d max delay %v >= attempt %d min delay %v", attempt, cur, attempt+1, next)
		}
	}
}

func TestDelay_JitterBounds(t *testing.T) {
	p := NewPolicy(3, 10*time.Second, time.Hour)
	for i := 0; i < 100; i++ {
		d := p.Delay(1, nil)
		if d < 7*time.Second || d > 13*time.Second {
			t.Fatalf("delay %v outside +/-30%% of 10s", d)
		}
	}
}

func TestDelay_CappedAtMaxDelay(t *testing.T) {
	p := Policy{MaxAttempts: 50, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.3, Rand: fixed(0.999)}
	if got := p.Delay(40, nil); got != 10*time.Second {
		t.Errorf("Delay(40) = %v, want cap 10s", got)
	}
}

func TestDelay_RetryAfterRaisesDelay(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}

	err := &provider.Error{Provider: "openai", Kind: provider.KindRateLimited, RetryAfter: 30 * time.Second}
	if got := p.Delay(1, fmt.Errorf("wrapped: %w", err)); got != 30*time.Second {
		t.Errorf("Delay with provider Retry-After = %v, want 30s", got)
	}

	httpErr := &model.HTTPError{StatusCode: 429, RetryAfter: 3 * time.Second}
	if got := p.Delay(1, httpErr); got != 3*time.Second {
		t.Errorf("Delay with HTTP Retry-After = %v, want 3s", got)
	}

	// A short hint never lowers the backoff.
	small := &provider.Error{Kind: provider.KindRateLimited, RetryAfter: time.Millisecond}
	if got := p.Delay(3, small); got != 4*time.Second {
		t.Errorf("Delay(3) = %v, want 4s", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain network error", errors.New("connection reset"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", fmt.Errorf("wrap: %w", context.Canceled), false},
		{"http 503", &model.HTTPError{StatusCode: 503}, true},
		{"http 429", &model.HTTPError{StatusCode: 429}, true},
		{"http 404", &model.HTTPError{StatusCode: 404}, false},
		{"provider unreachable", &provider.Error{Kind: provider.KindUnreachable}, true},
		{"provider auth", &provider.Error{Kind: provider.KindAuthFailed}, false},
		{"configuration", &model.ConfigurationError{Reason: "x"}, false},
		{"audit write", &model.AuditWriteError{Err: errors.New("disk full")}, true},
		{"persist", &model.PersistError{Err: errors.New("locked")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	p := NewPolicy(3, time.Second, time.Minute)
	transient := errors.New("timeout")
	if !p.ShouldRetry(1, transient) || !p.ShouldRetry(2, transient) {
		t.Error("attempts 1 and 2 should retry")
	}
	if p.ShouldRetry(3, transient) {
		t.Error("attempt 3 of 3 must not retry")
	}
	if p.ShouldRetry(1, &model.ConfigurationError{}) {
		t.Error("configuration errors must not retry")
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&provider.Error{Kind: provider.KindTimeout}, "timeout"},
		{&model.ConfigurationError{}, "configuration"},
		{&model.HTTPError{StatusCode: 404}, "fetch_rejected"},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), "timeout"},
		{errors.New("boom"), "transient"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSummary_OmitsDetail(t *testing.T) {
	dial := errors.New("dial tcp 10.0.0.5:11434: connect: connection refused")
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&provider.Error{Provider: "ollama", Kind: provider.KindUnreachable, Detail: dial.Error(), Err: dial}, "provider ollama: unreachable"},
		{&provider.Error{Provider: "openai", Kind: provider.KindRateLimited, StatusCode: 429, Detail: `{"error":"slow down, key sk-abc"}`}, "provider openai: rate_limited (HTTP 429)"},
		{fmt.Errorf("fetching https://x.test/job/1: %w", &model.HTTPError{StatusCode: 503, Err: dial}), "page fetch returned HTTP 503"},
		{fmt.Errorf("fetching https://x.test/job/1: %w", dial), "attempt failed: transient"},
	}
	for _, tt := range tests {
		if got := Summary(tt.err); got != tt.want {
			t.Errorf("Summary(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
