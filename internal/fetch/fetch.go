// Package fetch downloads posting pages and prepares them as prompt text.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"

	"github.com/amishk599/harvester/internal/model"
	"github.com/amishk599/harvester/internal/ratelimit"
)

const maxBodyBytes = 5 << 20

// Page is a posting page reduced to prompt material.
type Page struct {
	URL        string
	Title      string
	Markdown   string
	Structured []string // JSON documents describing the posting (JSON-LD or ATS API payloads)
	Site       string   // ATS handler that produced the page, empty for generic
}

// Site fetches postings from an ATS that exposes a public API for single jobs.
type Site interface {
	Name() string
	Match(u *url.URL) bool
	Fetch(ctx context.Context, client *http.Client, u *url.URL) (Page, error)
}

// Fetcher downloads pages. Requests to one host are paced by the limiter.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxChars  int
	limiter   *ratelimit.KeyedLimiter
	sites     []Site
	logger    *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithSites installs ATS handlers used in site-specific mode.
func WithSites(sites ...Site) Option {
	return func(f *Fetcher) { f.sites = append(f.sites, sites...) }
}

// WithLimiter paces requests per host.
func WithLimiter(l *ratelimit.KeyedLimiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// New creates a Fetcher. maxChars bounds the markdown handed to the prompt.
func New(client *http.Client, userAgent string, maxChars int, logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    client,
		userAgent: userAgent,
		maxChars:  maxChars,
		logger:    logger,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// DefaultSites returns the built-in ATS handlers.
func DefaultSites() []Site {
	return []Site{
		&Greenhouse{BaseURL: greenhouseAPIBase},
		&Lever{BaseURL: leverAPIBase},
		&Ashby{BaseURL: ashbyAPIBase},
	}
}

// Fetch downloads rawURL. In site-specific mode a matching ATS handler is
// preferred and JSON-LD JobPosting blocks are collected from generic pages.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, mode model.Mode) (Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse url %q: %w", rawURL, err)
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, u.Host); err != nil {
			return Page{}, err
		}
	}

	if mode == model.ModeSiteSpecific {
		for _, s := range f.sites {
			if !s.Match(u) {
				continue
			}
			f.logger.Debug("fetching via site handler", "site", s.Name(), "url", rawURL)
			page, err := s.Fetch(ctx, f.client, u)
			if err != nil {
				return Page{}, fmt.Errorf("%s fetch: %w", s.Name(), err)
			}
			page.Markdown = f.clip(page.Markdown)
			return page, nil
		}
	}

	return f.fetchGeneric(ctx, u, mode == model.ModeSiteSpecific)
}

func (f *Fetcher) fetchGeneric(ctx context.Context, u *url.URL, structured bool) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("create page request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, &model.HTTPError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode),
		}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Page{}, fmt.Errorf("parse page %s: %w", u, err)
	}

	page := Page{URL: u.String(), Title: pageTitle(doc)}
	if structured {
		page.Structured = jobPostingLD(doc)
	}

	removeSelectors := []string{
		"script", "style", "noscript", "iframe", "svg",
		"header", "footer", "nav", "aside",
		"[role=navigation]", "[role=banner]", "[role=contentinfo]",
	}
	doc.Find(strings.Join(removeSelectors, ", ")).Remove()

	content := doc.Find("article, main, [role=main], #content").First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	html, err := content.Html()
	if err != nil {
		return Page{}, fmt.Errorf("render page %s: %w", u, err)
	}

	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		f.logger.Debug("markdown conversion failed, using text", "url", u.String(), "error", err)
		md = strings.Join(strings.Fields(content.Text()), " ")
	}
	page.Markdown = f.clip(strings.TrimSpace(md))
	return page, nil
}

func (f *Fetcher) clip(s string) string {
	if f.maxChars > 0 && len(s) > f.maxChars {
		return s[:f.maxChars] + "..."
	}
	return s
}

func pageTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	t, _ := doc.Find("meta[property='og:title']").First().Attr("content")
	return strings.TrimSpace(t)
}

// jobPostingLD returns every ld+json block that mentions a JobPosting.
func jobPostingLD(doc *goquery.Document) []string {
	var out []string
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if strings.Contains(text, "JobPosting") {
			out = append(out, text)
		}
	})
	return out
}

// parseRetryAfter parses the Retry-After header value into a duration.
// Supports seconds format (e.g. "120"). Returns zero if absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
