package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/amishk599/harvester/internal/model"
)

const ashbyAPIBase = "https://api.ashbyhq.com/posting-api/job-board"

// Ashby resolves jobs.ashbyhq.com/{board}/{id}. The public API only lists
// whole boards, so the posting is picked out of the board listing.
type Ashby struct {
	BaseURL string
}

type ashbyJob struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Location         string `json:"location"`
	EmploymentType   string `json:"employmentType"`
	WorkplaceType    string `json:"workplaceType"`
	IsRemote         bool   `json:"isRemote"`
	DescriptionPlain string `json:"descriptionPlain"`
	JobURL           string `json:"jobUrl"`
	PublishedAt      string `json:"publishedAt"`
	IsListed         bool   `json:"isListed"`
	Compensation     *struct {
		Summary string `json:"compensationTierSummary"`
	} `json:"compensation"`
}

type ashbyBoard struct {
	Jobs []ashbyJob `json:"jobs"`
}

func (a *Ashby) Name() string { return "ashby" }

func (a *Ashby) Match(u *url.URL) bool {
	_, _, ok := ashbyPath(u)
	return ok
}

func ashbyPath(u *url.URL) (board, id string, ok bool) {
	if strings.ToLower(u.Hostname()) != "jobs.ashbyhq.com" {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (a *Ashby) Fetch(ctx context.Context, client *http.Client, u *url.URL) (Page, error) {
	board, id, _ := ashbyPath(u)
	apiURL := fmt.Sprintf("%s/%s?includeCompensation=true", a.BaseURL, board)

	var resp ashbyBoard
	if err := getJSON(ctx, client, apiURL, &resp); err != nil {
		return Page{}, err
	}

	var job *ashbyJob
	for i := range resp.Jobs {
		j := &resp.Jobs[i]
		if j.ID == id || strings.HasSuffix(strings.TrimRight(j.JobURL, "/"), "/"+id) {
			job = j
			break
		}
	}
	if job == nil || !job.IsListed {
		return Page{}, &model.HTTPError{
			StatusCode: http.StatusNotFound,
			Err:        fmt.Errorf("ashby board %s has no listed posting %s", board, id),
		}
	}

	fields := map[string]any{
		"source":          "ashby",
		"board":           board,
		"title":           job.Title,
		"location":        job.Location,
		"employment_type": job.EmploymentType,
		"workplace_type":  job.WorkplaceType,
		"is_remote":       job.IsRemote,
		"job_url":         job.JobURL,
		"published_at":    job.PublishedAt,
	}
	if job.Compensation != nil && job.Compensation.Summary != "" {
		fields["compensation"] = job.Compensation.Summary
	}
	summary, _ := json.Marshal(fields)

	return Page{
		URL:        u.String(),
		Title:      job.Title,
		Markdown:   strings.TrimSpace(job.DescriptionPlain),
		Structured: []string{string(summary)},
		Site:       a.Name(),
	}, nil
}
