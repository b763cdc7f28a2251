// Package server exposes the scheduler, the audit log and the metrics over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/amishk599/harvester/internal/audit"
	"github.com/amishk599/harvester/internal/model"
	"github.com/amishk599/harvester/internal/scheduler"
)

const (
	maxWait       = 60 * time.Second
	maxScheduleIn = 30 * 24 * time.Hour
)

// JobService is the scheduler surface the API needs.
type JobService interface {
	Enqueue(ctx context.Context, in scheduler.EnqueueRequest) (scheduler.Receipt, error)
	Get(ctx context.Context, id string) (model.Job, error)
	List(ctx context.Context, f model.JobFilter) ([]model.Job, error)
	Cancel(ctx context.Context, id string) (model.Job, error)
	Requeue(ctx context.Context, id string) (model.Job, error)
	Await(ctx context.Context, id string) (<-chan model.Job, error)
}

// AuditExporter writes filtered audit entries.
type AuditExporter interface {
	Export(ctx context.Context, w io.Writer, format audit.Format, f audit.Filter) error
}

// MetricsSource renders the plaintext exposition.
type MetricsSource interface {
	Format() string
}

// Config wires the server.
type Config struct {
	Jobs         JobService
	Audit        AuditExporter
	Metrics      MetricsSource
	MetricsToken string
}

// New builds the echo instance with every route registered.
func New(cfg Config, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			logger.Debug("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			)
			return nil
		},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	h := &handlers{jobs: cfg.Jobs, audit: cfg.Audit, metrics: cfg.Metrics, logger: logger}

	v1 := e.Group("/api/v1")
	v1.POST("/scrape", h.scrape)
	v1.GET("/jobs", h.listJobs)
	v1.GET("/jobs/:id", h.getJob)
	v1.DELETE("/jobs/:id", h.cancelJob)
	v1.POST("/jobs/:id/requeue", h.requeueJob)
	v1.GET("/audit", h.exportAudit)

	if cfg.MetricsToken == "" {
		logger.Warn("metrics token not set, /metrics is disabled")
	} else {
		e.GET("/metrics", h.metricsText, bearer(cfg.MetricsToken))
	}
	return e
}

// Serve runs e on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, e *echo.Echo, addr string, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

func bearer(token string) echo.MiddlewareFunc {
	return echomw.KeyAuthWithConfig(echomw.KeyAuthConfig{
		KeyLookup: "header:" + echo.HeaderAuthorization + ":Bearer ",
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		},
	})
}

type handlers struct {
	jobs    JobService
	audit   AuditExporter
	metrics MetricsSource
	logger  *slog.Logger
}

// ScrapeInput is the enqueue contract.
type ScrapeInput struct {
	URL        string `json:"url"`
	UserID     string `json:"user_id"`
	Mode       string `json:"mode"`
	Provider   string `json:"provider"`
	Save       bool   `json:"save"`
	ScheduleIn int    `json:"schedule_in"` // seconds
	Queue      string `json:"queue"`
	Wait       int    `json:"wait"` // seconds to wait for a terminal state
}

// ScrapeOutput answers an enqueue. Job is set once the job is terminal.
type ScrapeOutput struct {
	scheduler.Receipt
	Job *JobView `json:"job,omitempty"`
}

// JobView is the external shape of a job: a classified kind and a summary,
// never raw provider payloads.
type JobView struct {
	ID            string                  `json:"id"`
	Queue         string                  `json:"queue"`
	URL           string                  `json:"url"`
	UserID        string                  `json:"user_id"`
	Mode          model.Mode              `json:"mode"`
	Provider      string                  `json:"provider,omitempty"`
	State         model.JobState          `json:"state"`
	AttemptCount  int                     `json:"attempt_count"`
	MaxAttempts   int                     `json:"max_attempts"`
	ScheduledAt   time.Time               `json:"scheduled_at"`
	LastError     string                  `json:"last_error,omitempty"` // summary; full text is in the audit log
	LastErrorKind string                  `json:"last_error_kind,omitempty"`
	Result        *model.ExtractionResult `json:"result,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

func viewOf(j model.Job) JobView {
	return JobView{
		ID:            j.ID,
		Queue:         j.Queue,
		URL:           j.Args.URL,
		UserID:        j.Args.UserID,
		Mode:          j.Args.Mode,
		Provider:      j.Args.Provider,
		State:         j.State,
		AttemptCount:  j.AttemptCount,
		MaxAttempts:   j.MaxAttempts,
		ScheduledAt:   j.ScheduledAt,
		LastError:     j.LastError,
		LastErrorKind: j.LastErrorKind,
		Result:        j.Result,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

func (h *handlers) scrape(c echo.Context) error {
	var in ScrapeInput
	if err := c.Bind(&in); err != nil {
		return Error(c, http.StatusBadRequest, "invalid_request", "malformed JSON body")
	}
	if in.Wait < 0 || in.ScheduleIn < 0 {
		return Error(c, http.StatusBadRequest, "invalid_request", "wait and schedule_in must not be negative")
	}
	if in.ScheduleIn > int(maxScheduleIn/time.Second) {
		return Error(c, http.StatusBadRequest, "invalid_request", fmt.Sprintf("schedule_in must not exceed %d seconds", int(maxScheduleIn/time.Second)))
	}

	ctx := c.Request().Context()
	receipt, err := h.jobs.Enqueue(ctx, scheduler.EnqueueRequest{
		Request: model.ScrapeRequest{
			URL:           in.URL,
			UserID:        in.UserID,
			Mode:          model.Mode(in.Mode),
			Provider:      in.Provider,
			PersistResult: in.Save,
		},
		Queue:      in.Queue,
		ScheduleIn: time.Duration(in.ScheduleIn) * time.Second,
	})
	if err != nil {
		return fromError(c, h.logger, err)
	}

	out := ScrapeOutput{Receipt: receipt}
	if receipt.CacheHit {
		return Success(c, http.StatusOK, out)
	}

	if in.Wait > 0 {
		wait := time.Duration(min(in.Wait, int(maxWait/time.Second))) * time.Second
		done, err := h.jobs.Await(ctx, receipt.ID)
		if err != nil {
			return fromError(c, h.logger, err)
		}
		select {
		case job := <-done:
			v := viewOf(job)
			out.Job = &v
			out.State = job.State
			out.Result = job.Result
			return Success(c, http.StatusOK, out)
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
	return Success(c, http.StatusAccepted, out)
}

func (h *handlers) getJob(c echo.Context) error {
	job, err := h.jobs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fromError(c, h.logger, err)
	}
	return Success(c, http.StatusOK, viewOf(job))
}

func (h *handlers) listJobs(c echo.Context) error {
	f := model.JobFilter{
		State: model.JobState(c.QueryParam("state")),
		Queue: c.QueryParam("queue"),
		Limit: 50,
	}
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			return Error(c, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 500")
		}
		f.Limit = n
	}

	jobs, err := h.jobs.List(c.Request().Context(), f)
	if err != nil {
		return fromError(c, h.logger, err)
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	return Success(c, http.StatusOK, views)
}

func (h *handlers) cancelJob(c echo.Context) error {
	job, err := h.jobs.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fromError(c, h.logger, err)
	}
	return Success(c, http.StatusOK, viewOf(job))
}

func (h *handlers) requeueJob(c echo.Context) error {
	job, err := h.jobs.Requeue(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fromError(c, h.logger, err)
	}
	return Success(c, http.StatusOK, viewOf(job))
}

func (h *handlers) exportAudit(c echo.Context) error {
	format, err := audit.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return Error(c, http.StatusBadRequest, "invalid_request", err.Error())
	}
	f := audit.Filter{
		UserID: c.QueryParam("user_id"),
		Action: c.QueryParam("action"),
		Status: model.AuditStatus(c.QueryParam("status")),
	}
	if f.From, err = parseTime(c.QueryParam("from")); err != nil {
		return Error(c, http.StatusBadRequest, "invalid_request", "from: "+err.Error())
	}
	if f.To, err = parseTime(c.QueryParam("to")); err != nil {
		return Error(c, http.StatusBadRequest, "invalid_request", "to: "+err.Error())
	}
	if s := c.QueryParam("limit"); s != "" {
		if f.Limit, err = strconv.Atoi(s); err != nil || f.Limit < 0 {
			return Error(c, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		}
	}

	contentType := echo.MIMEApplicationJSONCharsetUTF8
	if format == audit.FormatCSV {
		contentType = "text/csv; charset=utf-8"
		c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="audit.csv"`)
	}
	c.Response().Header().Set(echo.HeaderContentType, contentType)

	// Export queries before writing, so a failed query still gets a JSON error.
	w := &lazyWriter{resp: c.Response()}
	if err := h.audit.Export(c.Request().Context(), w, format, f); err != nil {
		if c.Response().Committed {
			return err
		}
		c.Response().Header().Del(echo.HeaderContentDisposition)
		c.Response().Header().Del(echo.HeaderContentType)
		return fromError(c, h.logger, err)
	}
	if !c.Response().Committed {
		c.Response().WriteHeader(http.StatusOK)
	}
	return nil
}

// lazyWriter commits the 200 status on the first write.
type lazyWriter struct {
	resp *echo.Response
}

func (w *lazyWriter) Write(p []byte) (int, error) {
	if !w.resp.Committed {
		w.resp.WriteHeader(http.StatusOK)
	}
	return w.resp.Write(p)
}

func (h *handlers) metricsText(c echo.Context) error {
	return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(h.metrics.Format()))
}

// parseTime accepts RFC 3339 timestamps and plain dates (UTC midnight).
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or YYYY-MM-DD, got %q", s)
	}
	return t, nil
}
