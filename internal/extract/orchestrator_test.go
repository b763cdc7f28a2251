package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amishk599/harvester/internal/cache"
	"github.com/amishk599/harvester/internal/event"
	"github.com/amishk599/harvester/internal/fetch"
	"github.com/amishk599/harvester/internal/model"
	"github.com/amishk599/harvester/internal/normalize"
	"github.com/amishk599/harvester/internal/provider"
)

const validJSON = `{"company_name":"Acme","position_title":"Engineer"}`

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- fakes ---

type fakeProvider struct {
	id          string
	unavailable bool
	generate    func(ctx context.Context, req provider.GenerateRequest) (provider.RawResponse, error)

	mu        sync.Mutex
	calls     int
	pingCalls int
	prompts   []string
}

func (p *fakeProvider) ID() string { return p.id }

func (p *fakeProvider) Generate(ctx context.Context, req provider.GenerateRequest) (provider.RawResponse, error) {
	p.mu.Lock()
	p.calls++
	p.prompts = append(p.prompts, req.Prompt)
	p.mu.Unlock()
	if p.generate == nil {
		return provider.RawResponse{Provider: p.id, Model: req.Model, Text: validJSON}, nil
	}
	return p.generate(ctx, req)
}

func (p *fakeProvider) ListModels(context.Context) ([]provider.ModelDescriptor, error) {
	return nil, nil
}

func (p *fakeProvider) Ping(context.Context) (provider.Availability, error) {
	p.mu.Lock()
	p.pingCalls++
	p.mu.Unlock()
	return provider.Availability{Available: !p.unavailable}, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func respond(text string) func(context.Context, provider.GenerateRequest) (provider.RawResponse, error) {
	return func(_ context.Context, req provider.GenerateRequest) (provider.RawResponse, error) {
		return provider.RawResponse{Model: req.Model, Text: text}, nil
	}
}

func fail(id string, kind provider.Kind) func(context.Context, provider.GenerateRequest) (provider.RawResponse, error) {
	return func(context.Context, provider.GenerateRequest) (provider.RawResponse, error) {
		return provider.RawResponse{}, &provider.Error{Provider: id, Kind: kind}
	}
}

type fakeFetcher struct {
	page  fetch.Page
	err   error
	mu    sync.Mutex
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string, _ model.Mode) (fetch.Page, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return fetch.Page{}, f.err
	}
	p := f.page
	p.URL = rawURL
	return p, nil
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) attach(bus event.Bus, types ...event.EventType) {
	for _, typ := range types {
		bus.Subscribe(typ, func(_ context.Context, e event.Event) error {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
			return nil
		})
	}
}

func (r *recorder) count(typ event.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	orch    *Orchestrator
	fetcher *fakeFetcher
	events  *recorder
}

func newHarness(t *testing.T, providers ...*fakeProvider) harness {
	t.Helper()
	order := make([]string, 0, len(providers))
	for _, p := range providers {
		order = append(order, p.id)
	}
	reg := provider.NewRegistry(order)
	for _, p := range providers {
		reg.Register(p, provider.Settings{Model: p.id + "-model", Timeout: time.Second})
	}

	bus := event.NewBus(discard)
	rec := &recorder{}
	rec.attach(bus, event.EventCacheHit, event.EventCacheMiss, event.EventProviderCall)

	f := &fakeFetcher{page: fetch.Page{Title: "Engineer at Acme", Markdown: "We are hiring an Engineer."}}
	c := cache.New(cache.Options{TTL: time.Hour}, discard)
	return harness{orch: New(reg, f, c, bus, discard), fetcher: f, events: rec}
}

func request(providerID string) model.ScrapeRequest {
	return model.ScrapeRequest{
		URL:      "https://x.test/job/1",
		UserID:   "u1",
		Mode:     model.ModeGeneric,
		Provider: providerID,
	}
}

// --- tests ---

func TestExtract_FallbackOrder(t *testing.T) {
	a := &fakeProvider{id: "a"}
	a.generate = fail("a", provider.KindTimeout)
	b := &fakeProvider{id: "b"}
	c := &fakeProvider{id: "c"}
	h := newHarness(t, a, b, c)

	out, err := h.orch.Extract(context.Background(), request(""))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if out.Result.ProviderUsed != "b" {
		t.Errorf("ProviderUsed = %q, want b", out.Result.ProviderUsed)
	}
	if c.Calls() != 0 {
		t.Errorf("provider c called %d times, want 0", c.Calls())
	}
	if len(out.Attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(out.Attempts))
	}
	var perr *provider.Error
	if out.Attempts[0].Provider != "a" || !errors.As(out.Attempts[0].Err, &perr) || perr.Kind != provider.KindTimeout {
		t.Errorf("attempt[0] = %+v, want a timeout", out.Attempts[0])
	}
	if out.Attempts[1].Provider != "b" || out.Attempts[1].Err != nil {
		t.Errorf("attempt[1] = %+v, want b success", out.Attempts[1])
	}
	if out.Attempts[1].Model != "b-model" {
		t.Errorf("attempt[1].Model = %q", out.Attempts[1].Model)
	}
	if got := h.events.count(event.EventProviderCall); got != 2 {
		t.Errorf("provider.call events = %d, want 2", got)
	}
}

func TestExtract_ResultFields(t *testing.T) {
	p := &fakeProvider{id: "ollama"}
	h := newHarness(t, p)

	out, err := h.orch.Extract(context.Background(), request("ollama"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	r := out.Result
	if model.Str(r.CompanyName) != "Acme" || model.Str(r.PositionTitle) != "Engineer" {
		t.Errorf("result = %+v", r)
	}
	if r.Location != nil || r.WorkModel != nil || r.SalaryMin != nil || r.SalaryMax != nil || r.Description != nil {
		t.Errorf("unset fields should be nil: %+v", r)
	}
	if r.SourceURL != "https://x.test/job/1" || r.ProviderUsed != "ollama" {
		t.Errorf("SourceURL/ProviderUsed = %q/%q", r.SourceURL, r.ProviderUsed)
	}
}

func TestExtract_ExplicitProviderIsNotPingedAndHasNoFallback(t *testing.T) {
	a := &fakeProvider{id: "a"}
	b := &fakeProvider{id: "b", unavailable: true}
	b.generate = fail("b", provider.KindUnreachable)
	h := newHarness(t, a, b)

	_, err := h.orch.Extract(context.Background(), request("b"))

	var exhausted *ExhaustedProvidersError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want ExhaustedProvidersError", err)
	}
	if a.Calls() != 0 {
		t.Errorf("provider a called %d times with explicit b", a.Calls())
	}
	if b.pingCalls != 0 {
		t.Errorf("explicit provider pinged %d times", b.pingCalls)
	}
	if b.Calls() != 1 {
		t.Errorf("provider b called %d times, want 1", b.Calls())
	}
}

func TestExtract_AutoSkipsUnavailable(t *testing.T) {
	a := &fakeProvider{id: "a", unavailable: true}
	b := &fakeProvider{id: "b"}
	h := newHarness(t, a, b)

	out, err := h.orch.Extract(context.Background(), request(""))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if a.Calls() != 0 {
		t.Errorf("unavailable provider generated %d times", a.Calls())
	}
	if out.Result.ProviderUsed != "b" {
		t.Errorf("ProviderUsed = %q", out.Result.ProviderUsed)
	}
	if len(out.Attempts) != 2 || out.Attempts[0].Err == nil {
		t.Errorf("attempts = %+v, want skipped a then b", out.Attempts)
	}
}

func TestExtract_ValidationFailureAdvancesChain(t *testing.T) {
	a := &fakeProvider{id: "a"}
	a.generate = respond(`{"company_name":"Acme"}`)
	b := &fakeProvider{id: "b"}
	h := newHarness(t, a, b)

	out, err := h.orch.Extract(context.Background(), request(""))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out.Result.ProviderUsed != "b" {
		t.Errorf("ProviderUsed = %q, want b", out.Result.ProviderUsed)
	}
	var verr *normalize.ValidationError
	if !errors.As(out.Attempts[0].Err, &verr) || verr.Field != "position_title" {
		t.Errorf("attempt[0].Err = %v, want position_title validation error", out.Attempts[0].Err)
	}
}

func TestExtract_ExhaustedTransient(t *testing.T) {
	a := &fakeProvider{id: "a"}
	a.generate = fail("a", provider.KindUnreachable)
	b := &fakeProvider{id: "b"}
	b.generate = fail("b", provider.KindUnreachable)
	h := newHarness(t, a, b)

	_, err := h.orch.Extract(context.Background(), request(""))

	var exhausted *ExhaustedProvidersError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want ExhaustedProvidersError", err)
	}
	if len(exhausted.Failures) != 2 {
		t.Errorf("failures = %d, want 2", len(exhausted.Failures))
	}
	if !exhausted.Retryable() {
		t.Error("unreachable providers should leave the job retryable")
	}
	if exhausted.ErrorKind() != "unreachable" {
		t.Errorf("ErrorKind = %q, want unreachable", exhausted.ErrorKind())
	}
	var perr *provider.Error
	if !errors.As(err, &perr) {
		t.Error("per-provider errors should be reachable through errors.As")
	}
	if !strings.Contains(err.Error(), "provider a") || !strings.Contains(err.Error(), "provider b") {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestExtract_ExhaustedValidationIsTerminal(t *testing.T) {
	a := &fakeProvider{id: "a"}
	a.generate = respond("I could not find a job posting on this page.")
	h := newHarness(t, a)

	_, err := h.orch.Extract(context.Background(), request(""))

	var exhausted *ExhaustedProvidersError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want ExhaustedProvidersError", err)
	}
	if exhausted.Retryable() {
		t.Error("validation-only failures should not be retryable")
	}
	if exhausted.ErrorKind() != "validation" {
		t.Errorf("ErrorKind = %q", exhausted.ErrorKind())
	}
}

func TestExtract_MixedKinds(t *testing.T) {
	a := &fakeProvider{id: "a"}
	a.generate = fail("a", provider.KindAuthFailed)
	b := &fakeProvider{id: "b"}
	b.generate = fail("b", provider.KindRateLimited)
	h := newHarness(t, a, b)

	_, err := h.orch.Extract(context.Background(), request(""))

	var exhausted *ExhaustedProvidersError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v", err)
	}
	if !exhausted.Retryable() || exhausted.ErrorKind() != "providers_exhausted" {
		t.Errorf("Retryable=%v ErrorKind=%q", exhausted.Retryable(), exhausted.ErrorKind())
	}
	if got, want := exhausted.Summary(), "all providers failed: provider a: auth_failed; provider b: rate_limited"; got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}
}

func TestExtract_UnknownExplicitProvider(t *testing.T) {
	h := newHarness(t, &fakeProvider{id: "a"})

	_, err := h.orch.Extract(context.Background(), request("nope"))

	var cerr *model.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want ConfigurationError", err)
	}
	if h.fetcher.calls != 0 {
		t.Error("page fetched for an unusable request")
	}
}

func TestExtract_FetchErrorPropagates(t *testing.T) {
	p := &fakeProvider{id: "a"}
	h := newHarness(t, p)
	h.fetcher.err = &model.HTTPError{StatusCode: 404}

	_, err := h.orch.Extract(context.Background(), request(""))

	var herr *model.HTTPError
	if !errors.As(err, &herr) || herr.StatusCode != 404 {
		t.Fatalf("error = %v, want HTTP 404", err)
	}
	if p.Calls() != 0 {
		t.Error("provider called after fetch failure")
	}
}

func TestExtract_CachedResultIsIdempotent(t *testing.T) {
	p := &fakeProvider{id: "a"}
	h := newHarness(t, p)
	ctx := context.Background()

	first, err := h.orch.Extract(ctx, request(""))
	if err != nil {
		t.Fatalf("first Extract: %v", err)
	}

	cached, ok := h.orch.Lookup(ctx, request(""))
	if !ok {
		t.Fatal("Lookup missed after a successful extraction")
	}
	second, err := h.orch.Extract(ctx, request(""))
	if err != nil {
		t.Fatalf("second Extract: %v", err)
	}

	if p.Calls() != 1 {
		t.Errorf("provider called %d times, want 1", p.Calls())
	}
	if !second.CacheHit {
		t.Error("second Extract should be a cache hit")
	}
	if model.Str(cached.CompanyName) != model.Str(first.Result.CompanyName) ||
		!second.Result.ExtractedAt.Equal(first.Result.ExtractedAt) {
		t.Errorf("cached result differs: %+v vs %+v", second.Result, first.Result)
	}
	if got := h.events.count(event.EventCacheHit); got != 2 {
		t.Errorf("cache.hit events = %d, want 2", got)
	}
}

func TestExtract_CacheHitEchoesRequestedURL(t *testing.T) {
	p := &fakeProvider{id: "a"}
	h := newHarness(t, p)
	ctx := context.Background()

	tracked := request("")
	tracked.URL = "https://x.test/job/1?utm_source=newsletter"
	plain := request("")
	plain.UserID = "u2"

	first, err := h.orch.Extract(ctx, tracked)
	if err != nil {
		t.Fatalf("first Extract: %v", err)
	}
	if first.Result.SourceURL != tracked.URL {
		t.Errorf("first SourceURL = %q, want %q", first.Result.SourceURL, tracked.URL)
	}

	second, err := h.orch.Extract(ctx, plain)
	if err != nil {
		t.Fatalf("second Extract: %v", err)
	}
	if !second.CacheHit {
		t.Fatal("second spelling should hit the cache")
	}
	if second.Result.SourceURL != plain.URL {
		t.Errorf("cached SourceURL = %q, want %q", second.Result.SourceURL, plain.URL)
	}

	looked, ok := h.orch.Lookup(ctx, plain)
	if !ok {
		t.Fatal("Lookup missed")
	}
	if looked.SourceURL != plain.URL {
		t.Errorf("Lookup SourceURL = %q, want %q", looked.SourceURL, plain.URL)
	}

	again, _ := h.orch.Lookup(ctx, tracked)
	if again.SourceURL != tracked.URL {
		t.Errorf("Lookup SourceURL = %q, want %q", again.SourceURL, tracked.URL)
	}
	if p.Calls() != 1 {
		t.Errorf("provider called %d times, want 1", p.Calls())
	}
}

func TestLookup_MissPublishesEvent(t *testing.T) {
	h := newHarness(t, &fakeProvider{id: "a"})

	if _, ok := h.orch.Lookup(context.Background(), request("")); ok {
		t.Fatal("Lookup hit on an empty cache")
	}
	if got := h.events.count(event.EventCacheMiss); got != 1 {
		t.Errorf("cache.miss events = %d, want 1", got)
	}
}

func TestExtract_CacheKeyIncludesProvider(t *testing.T) {
	a := &fakeProvider{id: "a"}
	b := &fakeProvider{id: "b"}
	h := newHarness(t, a, b)
	ctx := context.Background()

	h.orch.Extract(ctx, request("a"))
	h.orch.Extract(ctx, request("b"))

	if a.Calls() != 1 || b.Calls() != 1 {
		t.Errorf("calls a=%d b=%d, want 1 each", a.Calls(), b.Calls())
	}
}

func TestExtract_SingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	p := &fakeProvider{id: "a"}
	p.generate = func(_ context.Context, req provider.GenerateRequest) (provider.RawResponse, error) {
		once.Do(func() { close(started) })
		<-release
		return provider.RawResponse{Model: req.Model, Text: validJSON}, nil
	}
	h := newHarness(t, p)

	const n = 8
	var wg sync.WaitGroup
	results := make([]Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request("")
			if i%2 == 1 {
				req.URL += "?utm_source=newsletter"
			}
			results[i], errs[i] = h.orch.Extract(context.Background(), req)
		}(i)
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if p.Calls() != 1 {
		t.Errorf("provider called %d times, want 1", p.Calls())
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
			continue
		}
		if model.Str(results[i].Result.CompanyName) != "Acme" {
			t.Errorf("caller %d got %+v", i, results[i].Result)
		}
		want := "https://x.test/job/1"
		if i%2 == 1 {
			want += "?utm_source=newsletter"
		}
		if results[i].Result.SourceURL != want {
			t.Errorf("caller %d SourceURL = %q, want %q", i, results[i].Result.SourceURL, want)
		}
	}
}

func TestRender_IncludesPageMaterial(t *testing.T) {
	p := &fakeProvider{id: "a"}
	h := newHarness(t, p)
	h.fetcher.page.Structured = []string{`{"@type":"JobPosting","title":"Engineer"}`}
	h.fetcher.page.Site = "greenhouse"

	if _, err := h.orch.Extract(context.Background(), request("")); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	prompt := p.prompts[0]
	for _, want := range []string{
		"https://x.test/job/1",
		"Engineer at Acme",
		"We are hiring an Engineer.",
		`"@type":"JobPosting"`,
		"greenhouse",
		`"position_title"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
