package notifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/amishk599/harvester/internal/event"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func deadJob() event.JobEvent {
	return event.JobEvent{
		JobID:     "job-42",
		UserID:    "u1",
		URL:       "https://x.test/job/1",
		Queue:     "scrape",
		State:     "dead_lettered",
		Attempt:   3,
		Error:     "all providers failed",
		ErrorKind: "provider_unavailable",
	}
}

func TestSlackNotifier_Payload(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, srv.Client(), discardLogger())
	if err := n.Notify(context.Background(), deadJob()); err != nil {
		t.Fatalf("Notify() = %v, want nil", err)
	}

	var payload slackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got := payload.Blocks[0].Text.Text; got != "Job dead-lettered: job-42" {
		t.Errorf("header text = %q", got)
	}
	if got := payload.Blocks[2].Fields[1].Text; got != "*Error kind:*\nprovider_unavailable" {
		t.Errorf("kind field = %q", got)
	}
	if got := payload.Blocks[4].Elements[0].URL; got != "https://x.test/job/1" {
		t.Errorf("action URL = %q", got)
	}
}

func TestSlackNotifier_TruncatesLongErrors(t *testing.T) {
	job := deadJob()
	job.Error = strings.Repeat("é", maxErrorChars+50)

	payload := buildPayload(job)
	text := payload.Blocks[3].Text.Text
	// fences plus the ellipsis
	if n := len([]rune(text)); n != maxErrorChars+7 {
		t.Errorf("error section has %d runes, want truncated to %d", n, maxErrorChars+7)
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, srv.Client(), discardLogger())
	err := n.Notify(context.Background(), deadJob())
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("Notify() = %v, want status 500 error", err)
	}
}

func TestSlackNotifier_RetriesRateLimitOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, srv.Client(), discardLogger())
	if err := n.Notify(context.Background(), deadJob()); err != nil {
		t.Fatalf("Notify() = %v, want nil after retry", err)
	}
	if c := calls.Load(); c != 2 {
		t.Errorf("expected 2 HTTP calls, got %d", c)
	}
}

func TestSlackNotifier_SubscribedToBus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := event.NewBus(discardLogger())
	defer Subscribe(bus, NewSlackNotifier(srv.URL, srv.Client(), discardLogger()))()

	bus.Publish(context.Background(), event.Event{Type: event.EventJobSucceeded, Payload: deadJob()})
	bus.Publish(context.Background(), event.Event{Type: event.EventJobDeadLettered, Payload: deadJob()})
	if c := calls.Load(); c != 1 {
		t.Errorf("expected 1 HTTP call, got %d", c)
	}
}
