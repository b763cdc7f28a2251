package event

import "time"

type EventType string

const (
	// Cache
	EventCacheHit  EventType = "cache.hit"
	EventCacheMiss EventType = "cache.miss"

	// Provider
	EventProviderCall EventType = "provider.call"

	// Job lifecycle
	EventJobEnqueued     EventType = "job.enqueued"
	EventJobStarted      EventType = "job.started"
	EventJobSucceeded    EventType = "job.succeeded"
	EventJobRetrying     EventType = "job.retrying"
	EventJobDeadLettered EventType = "job.dead_lettered"
	EventJobCancelled    EventType = "job.cancelled"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

type CacheEvent struct {
	Fingerprint string
	URL         string
	UserID      string
}

// ProviderCallEvent is published once per adapter call, successful or not.
type ProviderCallEvent struct {
	Provider  string
	Model     string
	Duration  time.Duration
	ErrorKind string // empty on success
	Retryable bool
}

type JobEvent struct {
	JobID     string
	UserID    string
	URL       string
	Queue     string
	State     string
	Attempt   int
	Error     string
	ErrorKind string
	NextRunAt time.Time
}
