// Package maintenance runs periodic housekeeping on cron schedules: audit
// purge, stale lease recovery and cache sweeps.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc is one maintenance job.
type TaskFunc func(ctx context.Context) error

// Runner wraps robfig/cron. Overlapping runs of the same task are skipped.
type Runner struct {
	cron   *cron.Cron
	mu     sync.Mutex
	tasks  map[string]TaskFunc
	ctx    context.Context
	logger *slog.Logger
}

// New creates a runner. Nothing fires until Start.
func New(logger *slog.Logger) *Runner {
	cl := cronLogger{logger}
	return &Runner{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		tasks:  make(map[string]TaskFunc),
		ctx:    context.Background(),
		logger: logger,
	}
}

// Every turns an interval into an "@every" cron spec.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// Add registers fn under name on spec (standard cron or descriptors such as
// "@daily" and "@every 5m").
func (r *Runner) Add(name, spec string, fn TaskFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("maintenance task %q already registered", name)
	}
	_, err := r.cron.AddFunc(spec, func() { r.run(name, fn) })
	if err != nil {
		return fmt.Errorf("scheduling %s (%q): %w", name, spec, err)
	}
	r.tasks[name] = fn
	return nil
}

// Tasks returns registered task names, sorted.
func (r *Runner) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start begins firing tasks. ctx is passed to every run.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
	r.logger.Info("maintenance started", "tasks", r.Tasks())
}

// Stop prevents new runs and waits for running ones to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("maintenance stopped")
}

// RunNow executes the named task synchronously.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	fn, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown maintenance task %q", name)
	}
	return fn(ctx)
}

func (r *Runner) run(name string, fn TaskFunc) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := fn(ctx); err != nil {
		r.logger.Error("maintenance task failed", "task", name, "error", err)
		return
	}
	r.logger.Debug("maintenance task done", "task", name, "duration", time.Since(start))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
