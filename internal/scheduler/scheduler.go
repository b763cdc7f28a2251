// Package scheduler runs scrape jobs through queue classes with bounded
// workers, retrying transient failures with backoff and dead-lettering the rest.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amishk599/harvester/internal/event"
	"github.com/amishk599/harvester/internal/extract"
	"github.com/amishk599/harvester/internal/model"
	"github.com/amishk599/harvester/internal/retry"
)

// DefaultQueue is the interactive scrape queue.
const DefaultQueue = "scrape"

// Extractor is the orchestrator surface the scheduler drives.
type Extractor interface {
	Lookup(ctx context.Context, req model.ScrapeRequest) (model.ExtractionResult, bool)
	Extract(ctx context.Context, req model.ScrapeRequest) (extract.Outcome, error)
}

// Options configures a Scheduler.
type Options struct {
	// Queues maps queue class name to its worker count.
	Queues       map[string]int
	Policy       retry.Policy
	PollInterval time.Duration
	Lease        time.Duration
	Now          func() time.Time
}

// EnqueueRequest is one submission. ScheduleIn delays the first attempt.
type EnqueueRequest struct {
	Request    model.ScrapeRequest
	Queue      string
	ScheduleIn time.Duration
}

// Receipt answers an Enqueue. A cache hit completes immediately: State is
// succeeded, Result is set and no job row exists for ID.
type Receipt struct {
	ID       string                  `json:"id"`
	State    model.JobState          `json:"state"`
	CacheHit bool                    `json:"cache_hit"`
	Result   *model.ExtractionResult `json:"result,omitempty"`
}

// Scheduler owns job execution. Workers share nothing but the store, the
// extractor (and its cache) and the audit log.
type Scheduler struct {
	store     model.JobStore
	extractor Extractor
	audit     model.AuditWriter
	sink      model.ResultSink
	bus       event.Bus
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan model.Job
	wake    map[string]chan struct{}
}

// New creates a scheduler. sink may be nil when results are never persisted.
func New(store model.JobStore, extractor Extractor, audit model.AuditWriter, sink model.ResultSink, bus event.Bus, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 10 * time.Minute
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = 3
	}
	if len(opts.Queues) == 0 {
		opts.Queues = map[string]int{DefaultQueue: 1}
	}
	if bus == nil {
		bus = event.Nop()
	}

	wake := make(map[string]chan struct{}, len(opts.Queues))
	for q := range opts.Queues {
		wake[q] = make(chan struct{}, 1)
	}
	return &Scheduler{
		store:     store,
		extractor: extractor,
		audit:     audit,
		sink:      sink,
		bus:       bus,
		opts:      opts,
		logger:    logger,
		waiters:   make(map[string][]chan model.Job),
		wake:      wake,
	}
}

// Queues returns the configured queue class names, sorted.
func (s *Scheduler) Queues() []string {
	names := make([]string, 0, len(s.opts.Queues))
	for q := range s.opts.Queues {
		names = append(names, q)
	}
	sort.Strings(names)
	return names
}

// Enqueue validates a request, answers it from the cache when possible and
// otherwise stores a scheduled job.
func (s *Scheduler) Enqueue(ctx context.Context, in EnqueueRequest) (Receipt, error) {
	req, queue, err := s.validate(in)
	if err != nil {
		return Receipt{}, err
	}
	now := s.opts.Now()
	req.SubmittedAt = now
	id := uuid.NewString()

	if result, ok := s.extractor.Lookup(ctx, req); ok {
		return s.answerFromCache(ctx, id, req, result)
	}

	job := model.Job{
		ID:          id,
		Queue:       queue,
		Args:        req,
		State:       model.StateScheduled,
		MaxAttempts: s.opts.Policy.MaxAttempts,
		ScheduledAt: now.Add(in.ScheduleIn),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, job); err != nil {
		return Receipt{}, fmt.Errorf("enqueue: %w", err)
	}

	s.logger.Info("job enqueued", "job_id", id, "queue", queue, "url", req.URL, "scheduled_at", job.ScheduledAt)
	s.publishJob(ctx, event.EventJobEnqueued, job, nil)
	s.nudge(queue)
	return Receipt{ID: id, State: model.StateScheduled}, nil
}

func (s *Scheduler) validate(in EnqueueRequest) (model.ScrapeRequest, string, error) {
	req := in.Request
	if req.URL == "" {
		return req, "", &model.InvalidRequestError{Field: "url", Reason: "is required"}
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return req, "", &model.InvalidRequestError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	if req.UserID == "" {
		return req, "", &model.InvalidRequestError{Field: "user_id", Reason: "is required"}
	}
	mode, err := model.ParseMode(string(req.Mode))
	if err != nil {
		return req, "", &model.InvalidRequestError{Field: "mode", Reason: err.Error()}
	}
	req.Mode = mode
	if in.ScheduleIn < 0 {
		return req, "", &model.InvalidRequestError{Field: "schedule_in", Reason: "must not be negative"}
	}

	queue := in.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	if _, ok := s.opts.Queues[queue]; !ok {
		return req, "", &model.InvalidRequestError{Field: "queue", Reason: fmt.Sprintf("unknown queue %q", queue)}
	}
	return req, queue, nil
}

func (s *Scheduler) answerFromCache(ctx context.Context, id string, req model.ScrapeRequest, result model.ExtractionResult) (Receipt, error) {
	status := model.AuditSuccess
	errMsg := ""
	if req.PersistResult && s.sink != nil {
		if err := s.sink.SaveResult(ctx, req.UserID, id, result); err != nil {
			status = model.AuditPartial
			errMsg = (&model.PersistError{Err: err}).Error()
			s.logger.Warn("saving cached result failed", "request_id", id, "error", err)
		}
	}

	entry := model.AuditEntry{
		UserID:       req.UserID,
		Action:       model.ActionCacheHit,
		ResourceType: model.ResourceScrapeJob,
		Status:       status,
		ErrorMessage: errMsg,
		Metadata: map[string]any{
			"request_id": id,
			"url":        req.URL,
			"mode":       string(req.Mode),
			"provider":   providerLabel(req.Provider),
			"cache_hit":  true,
		},
		CreatedAt: s.opts.Now(),
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		return Receipt{}, &model.AuditWriteError{Err: err}
	}

	s.logger.Info("request answered from cache", "request_id", id, "url", req.URL)
	return Receipt{ID: id, State: model.StateSucceeded, CacheHit: true, Result: &result}, nil
}

// Run starts the workers of every queue class and blocks until ctx is
// cancelled and in-flight attempts have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, queue := range s.Queues() {
		workers := s.opts.Queues[queue]
		s.logger.Info("starting queue", "queue", queue, "workers", workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.worker(ctx, queue)
			}()
		}
	}
	wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) worker(ctx context.Context, queue string) {
	for {
		if ctx.Err() != nil {
			return
		}

		ran, err := s.RunOnce(ctx, queue)
		if err != nil {
			s.logger.Error("worker iteration failed", "queue", queue, "error", err)
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake[queue]:
		case <-time.After(s.opts.PollInterval):
		}
	}
}

func (s *Scheduler) nudge(queue string) {
	select {
	case s.wake[queue] <- struct{}{}:
	default:
	}
}

// RunOnce claims and executes at most one due job of queue. It reports
// whether a job ran.
func (s *Scheduler) RunOnce(ctx context.Context, queue string) (bool, error) {
	job, ok, err := s.store.Claim(ctx, queue, s.opts.Now(), s.opts.Lease)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return false, nil
	}
	// The attempt runs to completion even when shutdown starts; each
	// provider call is bounded by its own timeout.
	return true, s.execute(context.WithoutCancel(ctx), job)
}

func (s *Scheduler) execute(ctx context.Context, job model.Job) error {
	logger := s.logger.With("job_id", job.ID, "attempt", job.AttemptCount, "max_attempts", job.MaxAttempts)
	logger.Info("attempt started", "url", job.Args.URL, "provider", providerLabel(job.Args.Provider))
	s.publishJob(ctx, event.EventJobStarted, job, nil)

	// The attempt must end before its lease does, or a recovered claim
	// could run alongside it.
	extractCtx, cancel := context.WithTimeout(ctx, s.opts.Lease)
	out, err := s.extractor.Extract(extractCtx, job.Args)
	cancel()

	status := model.AuditSuccess
	if err == nil && job.Args.PersistResult && s.sink != nil {
		if perr := s.sink.SaveResult(ctx, job.Args.UserID, job.ID, out.Result); perr != nil {
			status = model.AuditPartial
			err = &model.PersistError{Err: perr}
		}
	}
	if err != nil && status != model.AuditPartial {
		status = model.AuditFailure
	}

	now := s.opts.Now()
	retrying := err != nil && s.opts.Policy.ShouldRetry(job.AttemptCount, err)
	var next time.Time
	if retrying {
		next = now.Add(s.opts.Policy.Delay(job.AttemptCount, err))
	}

	if aerr := s.audit.Append(ctx, s.attemptEntry(job, out, status, err, next, now)); aerr != nil {
		logger.Error("audit write failed, attempt will be retried", "error", aerr)
		err = &model.AuditWriteError{Err: aerr}
		retrying = s.opts.Policy.ShouldRetry(job.AttemptCount, err)
		if retrying {
			next = now.Add(s.opts.Policy.Delay(job.AttemptCount, err))
		}
	}

	switch {
	case err == nil:
		if terr := s.store.MarkSucceeded(ctx, job.ID, job.AttemptCount, out.Result, now); terr != nil {
			return s.transitionFailed(logger, job, terr)
		}
		job.State = model.StateSucceeded
		job.Result = &out.Result
		logger.Info("job succeeded", "provider", out.Result.ProviderUsed, "cache_hit", out.CacheHit)
		s.publishJob(ctx, event.EventJobSucceeded, job, nil)

	case retrying:
		kind, summary := retry.Kind(err), retry.Summary(err)
		if terr := s.store.MarkRetrying(ctx, job.ID, job.AttemptCount, next, summary, kind, now); terr != nil {
			return s.transitionFailed(logger, job, terr)
		}
		job.State = model.StateRetrying
		job.ScheduledAt = next
		job.LastError, job.LastErrorKind = summary, kind
		logger.Warn("attempt failed, retrying", "kind", kind, "next_run_at", next, "error", err)
		s.publishJob(ctx, event.EventJobRetrying, job, err)

	default:
		kind, summary := retry.Kind(err), retry.Summary(err)
		if terr := s.store.MarkDeadLettered(ctx, job.ID, job.AttemptCount, summary, kind, now); terr != nil {
			return s.transitionFailed(logger, job, terr)
		}
		job.State = model.StateDeadLettered
		job.LastError, job.LastErrorKind = summary, kind
		logger.Error("job dead-lettered", "kind", kind, "error", err)
		s.publishJob(ctx, event.EventJobDeadLettered, job, err)
	}

	job.UpdatedAt = now
	job.LeaseUntil = nil
	if job.State.Terminal() {
		s.notify(job)
	}
	return nil
}

func (s *Scheduler) transitionFailed(logger *slog.Logger, job model.Job, err error) error {
	if errors.Is(err, model.ErrInvalidTransition) {
		logger.Warn("attempt superseded by a later claim, outcome discarded")
	}
	return fmt.Errorf("job %s: %w", job.ID, err)
}

func (s *Scheduler) attemptEntry(job model.Job, out extract.Outcome, status model.AuditStatus, err error, next, now time.Time) model.AuditEntry {
	meta := map[string]any{
		"job_id":       job.ID,
		"queue":        job.Queue,
		"url":          job.Args.URL,
		"mode":         string(job.Args.Mode),
		"provider":     providerLabel(job.Args.Provider),
		"attempt":      job.AttemptCount,
		"max_attempts": job.MaxAttempts,
		"cache_hit":    out.CacheHit,
	}
	if out.Result.ProviderUsed != "" {
		meta["provider_used"] = out.Result.ProviderUsed
	}
	if len(out.Attempts) > 0 {
		calls := make([]map[string]any, 0, len(out.Attempts))
		for _, a := range out.Attempts {
			call := map[string]any{
				"provider":    a.Provider,
				"model":       a.Model,
				"duration_ms": a.Duration.Milliseconds(),
				"status":      string(model.AuditSuccess),
			}
			if a.Err != nil {
				call["status"] = string(model.AuditFailure)
				call["error_kind"] = retry.Kind(a.Err)
			}
			calls = append(calls, call)
		}
		meta["providers"] = calls
	}

	entry := model.AuditEntry{
		UserID:       job.Args.UserID,
		Action:       model.ActionAttempt,
		ResourceType: model.ResourceScrapeJob,
		Status:       status,
		Metadata:     meta,
		CreatedAt:    now,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
		meta["error_kind"] = retry.Kind(err)
		meta["retryable"] = retry.IsRetryable(err)
		if !next.IsZero() {
			meta["next_run_at"] = next.UTC().Format(time.RFC3339)
		}
	}
	return entry
}

// Recover returns jobs whose lease expired (a crashed worker) to retrying or
// dead_lettered. The lost attempt gets a failure audit entry.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.RecoverExpired(ctx, s.opts.Now())
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		entry := model.AuditEntry{
			UserID:       job.Args.UserID,
			Action:       model.ActionAttempt,
			ResourceType: model.ResourceScrapeJob,
			Status:       model.AuditFailure,
			ErrorMessage: job.LastError,
			Metadata: map[string]any{
				"job_id":       job.ID,
				"queue":        job.Queue,
				"url":          job.Args.URL,
				"attempt":      job.AttemptCount,
				"max_attempts": job.MaxAttempts,
				"error_kind":   job.LastErrorKind,
			},
			CreatedAt: job.UpdatedAt,
		}
		if err := s.audit.Append(ctx, entry); err != nil {
			s.logger.Error("audit write for recovered job failed", "job_id", job.ID, "error", err)
		}

		typ := event.EventJobRetrying
		if job.State == model.StateDeadLettered {
			typ = event.EventJobDeadLettered
			s.notify(job)
		} else {
			s.nudge(job.Queue)
		}
		s.logger.Warn("recovered job with expired lease", "job_id", job.ID, "state", job.State)
		s.publishJob(ctx, typ, job, errors.New(job.LastError))
	}
	return len(jobs), nil
}

// Get returns the job with id.
func (s *Scheduler) Get(ctx context.Context, id string) (model.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns jobs matching f, newest first.
func (s *Scheduler) List(ctx context.Context, f model.JobFilter) ([]model.Job, error) {
	return s.store.List(ctx, f)
}

// Cancel removes a job that has not started yet. Executing jobs cannot be
// cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) (model.Job, error) {
	if err := s.store.Cancel(ctx, id, s.opts.Now()); err != nil {
		return model.Job{}, err
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	s.adminEntry(ctx, job, model.ActionCancel)
	s.logger.Info("job cancelled", "job_id", id)
	s.publishJob(ctx, event.EventJobCancelled, job, nil)
	s.notify(job)
	return job, nil
}

// Requeue gives a dead-lettered job a fresh set of attempts.
func (s *Scheduler) Requeue(ctx context.Context, id string) (model.Job, error) {
	if err := s.store.Requeue(ctx, id, s.opts.Now()); err != nil {
		return model.Job{}, err
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	s.adminEntry(ctx, job, model.ActionRequeue)
	s.logger.Info("job requeued", "job_id", id)
	s.publishJob(ctx, event.EventJobEnqueued, job, nil)
	s.nudge(job.Queue)
	return job, nil
}

func (s *Scheduler) adminEntry(ctx context.Context, job model.Job, action string) {
	entry := model.AuditEntry{
		UserID:       job.Args.UserID,
		Action:       action,
		ResourceType: model.ResourceScrapeJob,
		Status:       model.AuditSuccess,
		Metadata: map[string]any{
			"job_id": job.ID,
			"queue":  job.Queue,
			"url":    job.Args.URL,
		},
		CreatedAt: job.UpdatedAt,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error("audit write failed", "job_id", job.ID, "action", action, "error", err)
	}
}

// Await returns a channel that receives the job once it reaches a terminal
// state. The channel is buffered and receives exactly one value.
func (s *Scheduler) Await(ctx context.Context, id string) (<-chan model.Job, error) {
	ch := make(chan model.Job, 1)
	s.mu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()

	job, err := s.store.Get(ctx, id)
	if err != nil {
		s.dropWaiter(id, ch)
		return nil, err
	}
	if job.State.Terminal() {
		s.notify(job)
	}
	return ch, nil
}

func (s *Scheduler) notify(job model.Job) {
	s.mu.Lock()
	chans := s.waiters[job.ID]
	delete(s.waiters, job.ID)
	s.mu.Unlock()

	for _, ch := range chans {
		ch <- job
	}
}

func (s *Scheduler) dropWaiter(id string, ch chan model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.waiters[id]
	for i, c := range chans {
		if c == ch {
			s.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[id]) == 0 {
		delete(s.waiters, id)
	}
}

func (s *Scheduler) publishJob(ctx context.Context, typ event.EventType, job model.Job, err error) {
	payload := event.JobEvent{
		JobID:     job.ID,
		UserID:    job.Args.UserID,
		URL:       job.Args.URL,
		Queue:     job.Queue,
		State:     string(job.State),
		Attempt:   job.AttemptCount,
		NextRunAt: job.ScheduledAt,
	}
	if err != nil {
		payload.Error = err.Error()
		payload.ErrorKind = retry.Kind(err)
		if job.LastErrorKind != "" {
			payload.ErrorKind = job.LastErrorKind
		}
	}
	_ = s.bus.Publish(ctx, event.Event{Type: typ, Timestamp: s.opts.Now(), Payload: payload})
}

func providerLabel(id string) string {
	if id == "" {
		return "auto"
	}
	return id
}
