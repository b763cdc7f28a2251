package notifier

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/amishk599/harvester/internal/event"
)

func TestLogNotifier_Notify(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	err := n.Notify(context.Background(), event.JobEvent{
		JobID:     "job-1",
		UserID:    "u1",
		URL:       "https://x.test/job/1",
		Attempt:   3,
		ErrorKind: "provider_unavailable",
	})
	if err != nil {
		t.Errorf("Notify = %v, want nil", err)
	}
	out := buf.String()
	for _, want := range []string{"job dead-lettered", "job_id=job-1", "attempts=3", "kind=provider_unavailable"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

type recordingNotifier struct {
	jobs []event.JobEvent
}

func (r *recordingNotifier) Notify(_ context.Context, job event.JobEvent) error {
	r.jobs = append(r.jobs, job)
	return nil
}

func TestSubscribe_OnlyDeadLetters(t *testing.T) {
	bus := event.NewBus(discardLogger())
	rec := &recordingNotifier{}
	unsubscribe := Subscribe(bus, rec)
	ctx := context.Background()

	bus.Publish(ctx, event.Event{Type: event.EventJobRetrying, Payload: event.JobEvent{JobID: "a"}})
	bus.Publish(ctx, event.Event{Type: event.EventJobDeadLettered, Payload: event.JobEvent{JobID: "b"}})
	if len(rec.jobs) != 1 || rec.jobs[0].JobID != "b" {
		t.Fatalf("notified = %+v, want only job b", rec.jobs)
	}

	unsubscribe()
	bus.Publish(ctx, event.Event{Type: event.EventJobDeadLettered, Payload: event.JobEvent{JobID: "c"}})
	if len(rec.jobs) != 1 {
		t.Errorf("notified after unsubscribe: %+v", rec.jobs)
	}
}
