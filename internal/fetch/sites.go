package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/amishk599/harvester/internal/model"
)

const (
	greenhouseAPIBase = "https://boards-api.greenhouse.io/v1/boards"
	leverAPIBase      = "https://api.lever.co/v0/postings"
)

// Greenhouse resolves boards.greenhouse.io/{board}/jobs/{id} through the
// public boards API.
type Greenhouse struct {
	BaseURL string
}

type greenhouseJob struct {
	ID          int64              `json:"id"`
	Title       string             `json:"title"`
	CompanyName string             `json:"company_name"`
	Location    greenhouseLocation `json:"location"`
	AbsoluteURL string             `json:"absolute_url"`
	Content     string             `json:"content"`
	UpdatedAt   string             `json:"updated_at"`
}

type greenhouseLocation struct {
	Name string `json:"name"`
}

func (g *Greenhouse) Name() string { return "greenhouse" }

func (g *Greenhouse) Match(u *url.URL) bool {
	_, _, ok := greenhousePath(u)
	return ok
}

func greenhousePath(u *url.URL) (board, id string, ok bool) {
	host := strings.ToLower(u.Hostname())
	if host != "boards.greenhouse.io" && host != "job-boards.greenhouse.io" {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 3 || parts[1] != "jobs" {
		return "", "", false
	}
	return parts[0], parts[2], true
}

func (g *Greenhouse) Fetch(ctx context.Context, client *http.Client, u *url.URL) (Page, error) {
	board, id, _ := greenhousePath(u)
	apiURL := fmt.Sprintf("%s/%s/jobs/%s", g.BaseURL, board, id)

	var gj greenhouseJob
	if err := getJSON(ctx, client, apiURL, &gj); err != nil {
		return Page{}, err
	}

	// Greenhouse double-encodes content; unescape before converting.
	md, err := htmltomarkdown.ConvertString(html.UnescapeString(gj.Content))
	if err != nil {
		return Page{}, fmt.Errorf("convert greenhouse content: %w", err)
	}

	summary, _ := json.Marshal(map[string]string{
		"source":       "greenhouse",
		"company_name": gj.CompanyName,
		"title":        gj.Title,
		"location":     gj.Location.Name,
		"absolute_url": gj.AbsoluteURL,
		"updated_at":   gj.UpdatedAt,
	})
	return Page{
		URL:        u.String(),
		Title:      gj.Title,
		Markdown:   strings.TrimSpace(md),
		Structured: []string{string(summary)},
		Site:       g.Name(),
	}, nil
}

// Lever resolves jobs.lever.co/{company}/{id} through the public postings API.
type Lever struct {
	BaseURL string
}

type leverCategories struct {
	Team         string   `json:"team"`
	Location     string   `json:"location"`
	Commitment   string   `json:"commitment"`
	AllLocations []string `json:"allLocations"`
}

type leverJob struct {
	ID               string          `json:"id"`
	Text             string          `json:"text"`
	DescriptionPlain string          `json:"descriptionPlain"`
	Categories       leverCategories `json:"categories"`
	WorkplaceType    string          `json:"workplaceType"`
	HostedURL        string          `json:"hostedUrl"`
	SalaryRange      *struct {
		Min      int64  `json:"min"`
		Max      int64  `json:"max"`
		Currency string `json:"currency"`
	} `json:"salaryRange"`
}

func (l *Lever) Name() string { return "lever" }

func (l *Lever) Match(u *url.URL) bool {
	_, _, ok := leverPath(u)
	return ok
}

func leverPath(u *url.URL) (company, id string, ok bool) {
	if strings.ToLower(u.Hostname()) != "jobs.lever.co" {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (l *Lever) Fetch(ctx context.Context, client *http.Client, u *url.URL) (Page, error) {
	company, id, _ := leverPath(u)
	apiURL := fmt.Sprintf("%s/%s/%s?mode=json", l.BaseURL, company, id)

	var lj leverJob
	if err := getJSON(ctx, client, apiURL, &lj); err != nil {
		return Page{}, err
	}

	// Prefer allLocations if available, fallback to location.
	location := lj.Categories.Location
	if len(lj.Categories.AllLocations) > 0 {
		location = strings.Join(lj.Categories.AllLocations, ", ")
	}

	fields := map[string]any{
		"source":         "lever",
		"company_slug":   company,
		"title":          lj.Text,
		"location":       location,
		"workplace_type": lj.WorkplaceType,
		"commitment":     lj.Categories.Commitment,
		"hosted_url":     lj.HostedURL,
	}
	if lj.SalaryRange != nil {
		fields["salary_min"] = lj.SalaryRange.Min
		fields["salary_max"] = lj.SalaryRange.Max
		fields["salary_currency"] = lj.SalaryRange.Currency
	}
	summary, _ := json.Marshal(fields)

	return Page{
		URL:        u.String(),
		Title:      lj.Text,
		Markdown:   strings.TrimSpace(lj.DescriptionPlain),
		Structured: []string{string(summary)},
		Site:       l.Name(),
	}, nil
}

func getJSON(ctx context.Context, client *http.Client, apiURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", apiURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &model.HTTPError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("get %s: unexpected status %d", apiURL, resp.StatusCode),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", apiURL, err)
	}
	return nil
}
