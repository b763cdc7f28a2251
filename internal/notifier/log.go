package notifier

import (
	"context"
	"log/slog"

	"github.com/amishk599/harvester/internal/event"
)

// Ensure LogNotifier implements Notifier.
var _ Notifier = (*LogNotifier)(nil)

// LogNotifier writes dead-lettered jobs to the given logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier that logs each dead-lettered job via slog.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the job. It never fails.
func (n *LogNotifier) Notify(_ context.Context, job event.JobEvent) error {
	n.logger.Warn("job dead-lettered",
		"job_id", job.JobID,
		"user_id", job.UserID,
		"url", job.URL,
		"queue", job.Queue,
		"attempts", job.Attempt,
		"kind", job.ErrorKind,
	)
	return nil
}
