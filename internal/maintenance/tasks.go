package maintenance

import (
	"context"
	"log/slog"
	"time"
)

// Purger deletes audit entries older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recoverer returns jobs with expired leases to the queue.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Sweeper drops expired cache entries.
type Sweeper interface {
	Sweep() int
}

// PurgeAudit deletes entries older than retention.
func PurgeAudit(p Purger, retention time.Duration, now func() time.Time, logger *slog.Logger) TaskFunc {
	return func(ctx context.Context) error {
		cutoff := now().Add(-retention)
		n, err := p.Purge(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("purged audit entries", "count", n, "cutoff", cutoff.Format(time.RFC3339))
		}
		return nil
	}
}

// RecoverLeases requeues jobs whose worker vanished.
func RecoverLeases(r Recoverer, logger *slog.Logger) TaskFunc {
	return func(ctx context.Context) error {
		n, err := r.Recover(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Warn("recovered jobs with expired leases", "count", n)
		}
		return nil
	}
}

// SweepCache drops expired in-memory cache entries.
func SweepCache(s Sweeper, logger *slog.Logger) TaskFunc {
	return func(context.Context) error {
		if n := s.Sweep(); n > 0 {
			logger.Debug("swept expired cache entries", "count", n)
		}
		return nil
	}
}
