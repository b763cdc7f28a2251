package model

import "time"

// WorkModel is the enumerated working arrangement of a posting.
type WorkModel string

const (
	WorkRemote WorkModel = "remote"
	WorkHybrid WorkModel = "hybrid"
	WorkOnSite WorkModel = "on-site"
)

// ExtractionResult is the normalized job-posting record produced by one
// successful extraction. Nil fields were not present in the provider output.
type ExtractionResult struct {
	CompanyName   *string    `json:"company_name"`
	PositionTitle *string    `json:"position_title"`
	Location      *string    `json:"location"`
	WorkModel     *WorkModel `json:"work_model"`
	SalaryMin     *int64     `json:"salary_min"`
	SalaryMax     *int64     `json:"salary_max"`
	Description   *string    `json:"description"`
	SourceURL     string     `json:"source_url"`
	ExtractedAt   time.Time  `json:"extracted_at"`
	ProviderUsed  string     `json:"provider_used"`
}

// Str returns the value of an optional string field, or "".
func Str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
