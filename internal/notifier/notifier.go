// Package notifier alerts operators when a job exhausts its attempts.
package notifier

import (
	"context"
	"fmt"

	"github.com/amishk599/harvester/internal/event"
)

// Notifier delivers a dead-letter alert.
type Notifier interface {
	Notify(ctx context.Context, job event.JobEvent) error
}

// Subscribe forwards every dead-lettered job on bus to n. The bus logs
// delivery errors.
func Subscribe(bus event.Bus, n Notifier) (unsubscribe func()) {
	return bus.Subscribe(event.EventJobDeadLettered, func(ctx context.Context, e event.Event) error {
		job, ok := e.Payload.(event.JobEvent)
		if !ok {
			return fmt.Errorf("dead-letter event carries %T, want event.JobEvent", e.Payload)
		}
		return n.Notify(ctx, job)
	})
}
