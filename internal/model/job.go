package model

import (
	"context"
	"fmt"
	"time"
)

// Mode selects how a posting page is prepared for the LLM.
type Mode string

const (
	ModeGeneric      Mode = "generic"
	ModeSiteSpecific Mode = "site-specific"
)

// ParseMode maps an external mode string to a Mode. Empty means generic.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeGeneric:
		return ModeGeneric, nil
	case ModeSiteSpecific:
		return ModeSiteSpecific, nil
	}
	return "", fmt.Errorf("unknown mode %q (want generic or site-specific)", s)
}

// ScrapeRequest is the immutable argument of a scrape job.
type ScrapeRequest struct {
	URL           string    `json:"url"`
	UserID        string    `json:"user_id"`
	Mode          Mode      `json:"mode"`
	Provider      string    `json:"provider,omitempty"` // empty = auto fallback chain
	PersistResult bool      `json:"persist_result"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// JobState is the scheduler-owned lifecycle state of a Job.
type JobState string

const (
	StateScheduled    JobState = "scheduled"
	StateExecuting    JobState = "executing"
	StateRetrying     JobState = "retrying"
	StateSucceeded    JobState = "succeeded"
	StateDeadLettered JobState = "dead_lettered"
	StateCancelled    JobState = "cancelled"
)

// Terminal reports whether no further transition happens without external intervention.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateDeadLettered, StateCancelled:
		return true
	}
	return false
}

// Job is a queued extraction request plus its scheduling state.
type Job struct {
	ID            string            `json:"id"`
	Queue         string            `json:"queue"`
	Args          ScrapeRequest     `json:"args"`
	State         JobState          `json:"state"`
	AttemptCount  int               `json:"attempt_count"`
	MaxAttempts   int               `json:"max_attempts"`
	ScheduledAt   time.Time         `json:"scheduled_at"`
	LeaseUntil    *time.Time        `json:"lease_until,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	LastErrorKind string            `json:"last_error_kind,omitempty"`
	Result        *ExtractionResult `json:"result,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// JobFilter narrows JobStore.List. Zero values match everything.
type JobFilter struct {
	State JobState
	Queue string
	Limit int
}

// JobStore persists jobs. Every mutating method is a guarded state transition:
// it only applies when the job is currently in the expected source state and
// returns ErrInvalidTransition otherwise.
type JobStore interface {
	Insert(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context, f JobFilter) ([]Job, error)

	// Claim atomically moves the oldest due job of queue to executing,
	// increments its attempt count and leases it until now+lease.
	// ok is false when nothing is due.
	Claim(ctx context.Context, queue string, now time.Time, lease time.Duration) (job Job, ok bool, err error)

	// The Mark* transitions are fenced by attempt: they only apply while the
	// job is executing the attempt the caller claimed, so a worker whose
	// lease was recovered cannot overwrite a later claim.
	MarkSucceeded(ctx context.Context, id string, attempt int, result ExtractionResult, now time.Time) error
	MarkRetrying(ctx context.Context, id string, attempt int, next time.Time, lastErr, kind string, now time.Time) error
	MarkDeadLettered(ctx context.Context, id string, attempt int, lastErr, kind string, now time.Time) error
	Cancel(ctx context.Context, id string, now time.Time) error
	Requeue(ctx context.Context, id string, now time.Time) error

	// RecoverExpired returns jobs whose executing lease ran out to retrying,
	// or dead-letters them when they already used every attempt. It returns
	// the jobs in their new state.
	RecoverExpired(ctx context.Context, now time.Time) ([]Job, error)
}

// ResultSink receives results of requests submitted with PersistResult.
type ResultSink interface {
	SaveResult(ctx context.Context, userID, jobID string, result ExtractionResult) error
}

// AuditWriter is the write side of the audit log. There is deliberately no
// update method.
type AuditWriter interface {
	Append(ctx context.Context, entry AuditEntry) error
}
