package model

import "time"

// AuditStatus is the outcome recorded by an audit entry.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
	AuditPartial AuditStatus = "partial"
)

// Audit actions written by the scheduler.
const (
	ActionAttempt  = "scrape.attempt"
	ActionCacheHit = "scrape.cache_hit"
	ActionCancel   = "scrape.cancel"
	ActionRequeue  = "scrape.requeue"
)

// ResourceScrapeJob is the resource type of every scheduler audit entry.
const ResourceScrapeJob = "scrape_job"

// AuditEntry is one write-once row of the audit log.
type AuditEntry struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	Status       AuditStatus    `json:"status"`
	ErrorMessage string         `json:"error_message"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}
