package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/amishk599/harvester/internal/config"
	"github.com/amishk599/harvester/internal/model"
	"github.com/amishk599/harvester/internal/notifier"
	"github.com/amishk599/harvester/internal/ratelimit"
	"github.com/amishk599/harvester/internal/scheduler"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	yaml := `
database:
  path: ` + filepath.Join(t.TempDir(), "harvester.db") + `
fallback_order: [openai, ollama]
providers:
  openai:
    enabled: true
    api_key: sk-test
    default_model: gpt-4o-mini
    requests_per_minute: 60
  anthropic:
    enabled: false
    api_key: ""
  ollama:
    enabled: true
    base_url: http://127.0.0.1:1
    default_model: llama3.1
scheduler:
  queues: {scrape: 2, maintenance: 1}
`
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestBuildRegistry(t *testing.T) {
	cfg := testConfig(t)
	reg := buildRegistry(cfg, &http.Client{}, discardLogger())

	if got, want := reg.IDs(), []string{"openai", "ollama"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("IDs() = %v, want %v", got, want)
	}

	openai, ok := reg.Get("openai")
	if !ok {
		t.Fatal("openai not registered")
	}
	if _, ok := openai.Provider.(*ratelimit.RateLimitedProvider); !ok {
		t.Errorf("openai provider = %T, want rate limited wrapper", openai.Provider)
	}
	if openai.Settings.Model != "gpt-4o-mini" {
		t.Errorf("openai model = %q", openai.Settings.Model)
	}

	ollama, _ := reg.Get("ollama")
	if _, ok := ollama.Provider.(*ratelimit.RateLimitedProvider); ok {
		t.Error("ollama has no budget and should not be wrapped")
	}
	if _, ok := reg.Get("anthropic"); ok {
		t.Error("disabled provider registered")
	}
}

func TestLeaseCheckInterval(t *testing.T) {
	tests := []struct {
		lease time.Duration
		want  time.Duration
	}{
		{10 * time.Minute, time.Minute},
		{40 * time.Second, 20 * time.Second},
		{time.Second, time.Second},
	}
	for _, tt := range tests {
		if got := leaseCheckInterval(tt.lease); got != tt.want {
			t.Errorf("leaseCheckInterval(%v) = %v, want %v", tt.lease, got, tt.want)
		}
	}
}

func TestBuildRuntime_WiresSQLite(t *testing.T) {
	ctx := context.Background()
	rt, err := buildRuntime(ctx, testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	defer rt.Close()

	if got, want := rt.scheduler.Queues(), []string{"maintenance", "scrape"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Queues() = %v, want %v", got, want)
	}

	receipt, err := rt.scheduler.Enqueue(ctx, scheduler.EnqueueRequest{
		Request:    model.ScrapeRequest{URL: "https://jobs.example.com/1", UserID: "u1", Mode: model.ModeGeneric},
		ScheduleIn: time.Hour,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := rt.scheduler.Get(ctx, receipt.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != model.StateScheduled {
		t.Errorf("state = %s, want scheduled", job.State)
	}

	m, err := buildMaintenance(rt)
	if err != nil {
		t.Fatalf("buildMaintenance: %v", err)
	}
	if got, want := m.Tasks(), []string{"audit-purge", "cache-sweep", "lease-recovery"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Tasks() = %v, want %v", got, want)
	}
	if err := m.RunNow(ctx, "lease-recovery"); err != nil {
		t.Errorf("RunNow(lease-recovery): %v", err)
	}
}

func TestBuildNotifier(t *testing.T) {
	if n := buildNotifier(config.NotificationConfig{}, discardLogger()); n != nil {
		t.Errorf("disabled notification built %T", n)
	}
	if _, ok := buildNotifier(config.NotificationConfig{Type: "log"}, discardLogger()).(*notifier.LogNotifier); !ok {
		t.Error("type log did not build a LogNotifier")
	}
	n := buildNotifier(config.NotificationConfig{Type: "slack", WebhookURL: "https://hooks.slack.test/x"}, discardLogger())
	if _, ok := n.(*notifier.SlackNotifier); !ok {
		t.Errorf("type slack built %T", n)
	}
}
