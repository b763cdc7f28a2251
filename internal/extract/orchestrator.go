// Package extract turns a scrape request into a normalized extraction result
// by walking the provider fallback chain.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/amishk599/harvester/internal/cache"
	"github.com/amishk599/harvester/internal/event"
	"github.com/amishk599/harvester/internal/fetch"
	"github.com/amishk599/harvester/internal/model"
	"github.com/amishk599/harvester/internal/normalize"
	"github.com/amishk599/harvester/internal/provider"
	"github.com/amishk599/harvester/internal/retry"
)

// pingTimeout matches config.ProviderPingTimeout, which sizes the job lease.
const pingTimeout = 5 * time.Second

// PageFetcher downloads and reduces a posting page.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, mode model.Mode) (fetch.Page, error)
}

// ProviderAttempt is one step of the fallback chain. Err is nil for the
// provider whose result was used.
type ProviderAttempt struct {
	Provider string
	Model    string
	Duration time.Duration
	Err      error
}

// Outcome is the result of Extract plus how it was obtained.
type Outcome struct {
	Result   model.ExtractionResult
	Attempts []ProviderAttempt
	CacheHit bool
	Shared   bool // result came from a concurrent call for the same fingerprint
}

// ExhaustedProvidersError is returned when every adapter in the chain failed.
type ExhaustedProvidersError struct {
	Failures []ProviderAttempt
}

func (e *ExhaustedProvidersError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Err.Error())
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *ExhaustedProvidersError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Summary lists each provider's failure without its detail.
func (e *ExhaustedProvidersError) Summary() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, retry.Summary(f.Err))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Retryable is true when at least one provider failed transiently.
func (e *ExhaustedProvidersError) Retryable() bool {
	for _, f := range e.Failures {
		if retry.IsRetryable(f.Err) {
			return true
		}
	}
	return false
}

// ErrorKind reports the shared kind when all providers failed the same way.
func (e *ExhaustedProvidersError) ErrorKind() string {
	kind := ""
	for _, f := range e.Failures {
		k := retry.Kind(f.Err)
		if kind != "" && k != kind {
			return "providers_exhausted"
		}
		kind = k
	}
	if kind == "" {
		return "providers_exhausted"
	}
	return kind
}

// Orchestrator runs extractions. It is safe for concurrent use.
type Orchestrator struct {
	registry *provider.Registry
	fetcher  PageFetcher
	cache    *cache.Cache
	bus      event.Bus
	tmpl     *template.Template
	group    singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an orchestrator over the configured registry.
func New(registry *provider.Registry, fetcher PageFetcher, c *cache.Cache, bus event.Bus, logger *slog.Logger) *Orchestrator {
	if bus == nil {
		bus = event.Nop()
	}
	return &Orchestrator{
		registry: registry,
		fetcher:  fetcher,
		cache:    c,
		bus:      bus,
		tmpl:     ExtractTemplate,
		now:      time.Now,
		logger:   logger,
	}
}

// Lookup checks the cache for req and publishes the hit or miss.
func (o *Orchestrator) Lookup(ctx context.Context, req model.ScrapeRequest) (model.ExtractionResult, bool) {
	fp := cache.Fingerprint(req.URL, req.Mode, req.Provider)
	entry, ok := o.cache.Get(ctx, fp)

	typ := event.EventCacheMiss
	if ok {
		typ = event.EventCacheHit
	}
	o.publish(ctx, typ, event.CacheEvent{Fingerprint: fp, URL: req.URL, UserID: req.UserID})

	if !ok {
		return model.ExtractionResult{}, false
	}
	// Entries are keyed by the normalized URL; echo the caller's spelling.
	result := entry.Result
	result.SourceURL = req.URL
	return result, true
}

// Extract produces a result for req. Concurrent calls for the same
// fingerprint share one execution.
func (o *Orchestrator) Extract(ctx context.Context, req model.ScrapeRequest) (Outcome, error) {
	fp := cache.Fingerprint(req.URL, req.Mode, req.Provider)

	v, err, shared := o.group.Do(fp, func() (any, error) {
		return o.extract(ctx, fp, req)
	})
	out, _ := v.(Outcome)
	out.Shared = shared
	if err == nil {
		// Cached and shared results may come from another spelling of the URL.
		out.Result.SourceURL = req.URL
	}
	return out, err
}

func (o *Orchestrator) extract(ctx context.Context, fp string, req model.ScrapeRequest) (Outcome, error) {
	// A result may have landed while this request waited in the queue.
	if entry, ok := o.cache.Get(ctx, fp); ok {
		o.publish(ctx, event.EventCacheHit, event.CacheEvent{Fingerprint: fp, URL: req.URL, UserID: req.UserID})
		return Outcome{Result: entry.Result, CacheHit: true}, nil
	}

	chain, err := o.registry.Chain(req.Provider)
	if err != nil {
		return Outcome{}, err
	}

	page, err := o.fetcher.Fetch(ctx, req.URL, req.Mode)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetching %s: %w", req.URL, err)
	}

	prompt, err := o.render(page, req.URL)
	if err != nil {
		return Outcome{}, err
	}

	auto := req.Provider == ""
	var attempts []ProviderAttempt
	for _, entry := range chain {
		id := entry.Provider.ID()

		if auto {
			if err := o.ping(ctx, entry.Provider); err != nil {
				o.logger.Debug("skipping unavailable provider", "provider", id, "error", err)
				attempts = append(attempts, ProviderAttempt{Provider: id, Model: entry.Settings.Model, Err: err})
				continue
			}
		}

		result, attempt := o.call(ctx, entry, prompt, req.URL)
		attempts = append(attempts, attempt)
		if attempt.Err != nil {
			o.logger.Warn("provider failed, trying next",
				"provider", id,
				"kind", retry.Kind(attempt.Err),
				"error", attempt.Err,
			)
			continue
		}

		o.cache.Put(ctx, fp, result)
		o.logger.Info("extraction succeeded",
			"url", req.URL,
			"provider", id,
			"model", attempt.Model,
			"duration", attempt.Duration,
		)
		return Outcome{Result: result, Attempts: attempts}, nil
	}

	return Outcome{Attempts: attempts}, &ExhaustedProvidersError{Failures: attempts}
}

// call runs one provider and normalizes its answer.
func (o *Orchestrator) call(ctx context.Context, entry provider.Entry, prompt, sourceURL string) (model.ExtractionResult, ProviderAttempt) {
	id := entry.Provider.ID()
	attempt := ProviderAttempt{Provider: id, Model: entry.Settings.Model}

	start := time.Now()
	raw, err := entry.Provider.Generate(ctx, provider.GenerateRequest{
		Model:   entry.Settings.Model,
		Prompt:  prompt,
		Options: entry.Settings.Options,
		Timeout: entry.Settings.Timeout,
	})
	attempt.Duration = time.Since(start)
	if raw.Model != "" {
		attempt.Model = raw.Model
	}

	call := event.ProviderCallEvent{Provider: id, Model: attempt.Model, Duration: attempt.Duration}
	if err != nil {
		call.ErrorKind = retry.Kind(err)
		call.Retryable = retry.IsRetryable(err)
		o.publish(ctx, event.EventProviderCall, call)
		attempt.Err = err
		return model.ExtractionResult{}, attempt
	}

	result, err := normalize.Normalize(normalize.Input{
		Text:      raw.Text,
		Provider:  id,
		SourceURL: sourceURL,
		At:        o.now(),
	})
	if err != nil {
		call.ErrorKind = retry.Kind(err)
		o.publish(ctx, event.EventProviderCall, call)
		attempt.Err = fmt.Errorf("provider %s: %w", id, err)
		return model.ExtractionResult{}, attempt
	}

	o.publish(ctx, event.EventProviderCall, call)
	return result, attempt
}

func (o *Orchestrator) ping(ctx context.Context, p provider.Provider) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	avail, err := p.Ping(ctx)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) {
			return err
		}
		return &provider.Error{Provider: p.ID(), Kind: provider.KindUnreachable, Detail: "ping failed", Err: err}
	}
	if !avail.Available {
		return &provider.Error{Provider: p.ID(), Kind: provider.KindUnreachable, Detail: "ping reported unavailable"}
	}
	return nil
}

// render builds the prompt. The request URL is used rather than page.URL so
// the echoed url round-trips through validation.
func (o *Orchestrator) render(page fetch.Page, requestURL string) (string, error) {
	var buf bytes.Buffer
	if err := o.tmpl.Execute(&buf, promptData{
		URL:        requestURL,
		Title:      page.Title,
		Site:       page.Site,
		Structured: page.Structured,
		Content:    page.Markdown,
	}); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func (o *Orchestrator) publish(ctx context.Context, typ event.EventType, payload any) {
	_ = o.bus.Publish(ctx, event.Event{Type: typ, Timestamp: o.now(), Payload: payload})
}
