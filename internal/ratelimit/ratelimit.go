package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/amishk599/harvester/internal/provider"
)

// KeyedLimiter enforces a minimum gap between calls sharing a key (a provider
// id or a page host). Keys without an explicit interval use the default.
type KeyedLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	intervals map[string]time.Duration
	fallback  time.Duration
}

// NewKeyedLimiter creates a limiter. A zero fallback leaves unknown keys unpaced.
func NewKeyedLimiter(fallback time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		limiters:  make(map[string]*rate.Limiter),
		intervals: make(map[string]time.Duration),
		fallback:  fallback,
	}
}

// SetInterval overrides the gap for one key. Call before the first Wait.
func (l *KeyedLimiter) SetInterval(key string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intervals[key] = d
	delete(l.limiters, key)
}

// PerMinute converts a requests-per-minute budget into an interval.
func PerMinute(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Minute / time.Duration(n)
}

func (l *KeyedLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	d, ok := l.intervals[key]
	if !ok {
		d = l.fallback
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if d > 0 {
		lim = rate.NewLimiter(rate.Every(d), 1)
	}
	l.limiters[key] = lim
	return lim
}

// Wait blocks until a call for key may proceed.
// Returns an error if the context is cancelled while waiting.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	if err := l.limiter(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait for %s: %w", key, err)
	}
	return nil
}

// RateLimitedProvider is a decorator that paces Generate calls before
// delegating to the wrapped provider. ListModels and Ping are not paced.
type RateLimitedProvider struct {
	provider.Provider
	limiter *KeyedLimiter
}

// NewRateLimitedProvider wraps inner. All adapters may share one limiter since
// it is keyed by provider id.
func NewRateLimitedProvider(inner provider.Provider, limiter *KeyedLimiter) *RateLimitedProvider {
	return &RateLimitedProvider{Provider: inner, limiter: limiter}
}

// Generate waits for the limiter, then delegates. A wait that cannot finish
// before the deadline is reported as rate limited.
func (p *RateLimitedProvider) Generate(ctx context.Context, req provider.GenerateRequest) (provider.RawResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if err := p.limiter.Wait(ctx, p.ID()); err != nil {
		return provider.RawResponse{}, &provider.Error{
			Provider: p.ID(),
			Kind:     provider.KindRateLimited,
			Detail:   err.Error(),
			Err:      err,
		}
	}
	return p.Provider.Generate(ctx, req)
}
