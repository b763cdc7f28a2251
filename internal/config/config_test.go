package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	path := writeConfig(t, `
database:
  path: /tmp/h.db
fallback_order: [ollama, openai]
providers:
  openai:
    enabled: true
    api_key: ${TEST_OPENAI_KEY}
    default_model: gpt-4o-mini
    timeout: 20s
    requests_per_minute: 30
  ollama:
    enabled: true
    default_model: llama3.1
    text_model: qwen2.5
scheduler:
  max_attempts: 5
  base_delay: 2s
  queues:
    scrape: 2
    maintenance: 1
cache:
  ttl: 1h
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/tmp/h.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if got := cfg.FallbackOrder; len(got) != 2 || got[0] != "ollama" || got[1] != "openai" {
		t.Errorf("FallbackOrder = %v", got)
	}
	oa := cfg.Providers["openai"]
	if oa.APIKey != "sk-test" {
		t.Errorf("openai APIKey = %q, want env-expanded value", oa.APIKey)
	}
	if oa.BaseURL != defaultOpenAIURL {
		t.Errorf("openai BaseURL = %q", oa.BaseURL)
	}
	if oa.Timeout != 20*time.Second || oa.RequestsPerMinute != 30 {
		t.Errorf("openai = %+v", oa)
	}
	ol := cfg.Providers["ollama"]
	if ol.Type != "ollama" || ol.BaseURL != defaultOllamaURL {
		t.Errorf("ollama = %+v", ol)
	}
	if ol.Model() != "qwen2.5" {
		t.Errorf("ollama Model() = %q, want text_model to win", ol.Model())
	}
	if cfg.Scheduler.MaxAttempts != 5 || cfg.Scheduler.BaseDelay != 2*time.Second {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Queues["scrape"] != 2 || cfg.Scheduler.Queues["maintenance"] != 1 {
		t.Errorf("Queues = %v", cfg.Scheduler.Queues)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v", cfg.Cache.TTL)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "providers:\n  ollama:\n    enabled: true\n    default_model: llama3.1\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("Cache.TTL = %v, want 24h", cfg.Cache.TTL)
	}
	if cfg.Scheduler.Queues["scrape"] != 4 {
		t.Errorf("Queues = %v", cfg.Scheduler.Queues)
	}
	if len(cfg.FallbackOrder) != 3 || cfg.FallbackOrder[0] != "openai" {
		t.Errorf("FallbackOrder = %v", cfg.FallbackOrder)
	}
	if cfg.Database.Path != defaultDBPath || cfg.Server.Addr != defaultServerAddr {
		t.Errorf("Database/Server defaults = %+v %+v", cfg.Database, cfg.Server)
	}
	if cfg.Audit.PurgeSchedule != "@daily" {
		t.Errorf("PurgeSchedule = %q", cfg.Audit.PurgeSchedule)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("Load: expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "providers: [broken"))
	if err == nil {
		t.Fatal("Load: expected error for invalid YAML")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad duration",
			content: "scheduler:\n  base_delay: soon\n",
			wantErr: "scheduler.base_delay",
		},
		{
			name:    "zero attempts",
			content: "scheduler:\n  max_attempts: -1\n",
			wantErr: "max_attempts",
		},
		{
			name:    "max below base",
			content: "scheduler:\n  base_delay: 1m\n  max_delay: 1s\n",
			wantErr: "max_delay",
		},
		{
			name:    "missing scrape queue",
			content: "scheduler:\n  queues:\n    other: 1\n",
			wantErr: "scrape",
		},
		{
			name:    "openai without key",
			content: "providers:\n  openai:\n    enabled: true\n    default_model: gpt-4o-mini\n",
			wantErr: "api_key",
		},
		{
			name:    "unknown type",
			content: "providers:\n  mystery:\n    enabled: true\n    default_model: x\n",
			wantErr: "unknown type",
		},
		{
			name:    "no model",
			content: "providers:\n  ollama:\n    enabled: true\n",
			wantErr: "default_model",
		},
		{
			name:    "unknown fallback id",
			content: "fallback_order: [ghost]\n",
			wantErr: "ghost",
		},
		{
			name:    "lease shorter than worst-case attempt",
			content: "providers:\n  ollama:\n    enabled: true\n    default_model: llama3.1\n    timeout: 120s\nscheduler:\n  lease: 1m\n",
			wantErr: "scheduler.lease",
		},
		{
			name:    "lease equal to worst-case attempt",
			content: "fetch:\n  timeout: 10s\nproviders:\n  ollama:\n    enabled: true\n    default_model: llama3.1\n    timeout: 45s\nscheduler:\n  lease: 1m\n",
			wantErr: "worst-case attempt",
		},
		{
			name:    "slack without webhook",
			content: "notification:\n  type: slack\n",
			wantErr: "webhook_url",
		},
		{
			name:    "unknown notifier",
			content: "notification:\n  type: pager\n",
			wantErr: "notification.type",
		},
		{
			name:    "retention below minimum",
			content: "audit:\n  min_retention: 48h\n  retention: 24h\n",
			wantErr: "retention",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatalf("Load: expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_Notification(t *testing.T) {
	t.Setenv("TEST_SLACK_WEBHOOK", "https://hooks.slack.test/T/B/x")
	cfg, err := Load(writeConfig(t, "notification:\n  type: slack\n  webhook_url: ${TEST_SLACK_WEBHOOK}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Notification.Type != "slack" || cfg.Notification.WebhookURL != "https://hooks.slack.test/T/B/x" {
		t.Errorf("Notification = %+v", cfg.Notification)
	}
}

func TestWorstCaseAttempt(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
fetch:
  timeout: 10s
providers:
  ollama:
    enabled: true
    default_model: llama3.1
    timeout: 60s
  anthropic:
    enabled: false
    timeout: 10m
scheduler:
  lease: 2m
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := 10*time.Second + ProviderPingTimeout + 60*time.Second
	if got := cfg.WorstCaseAttempt(); got != want {
		t.Errorf("WorstCaseAttempt = %v, want %v", got, want)
	}
}

func TestLoad_DisabledProviderSkipsValidation(t *testing.T) {
	cfg, err := Load(writeConfig(t, "providers:\n  anthropic:\n    enabled: false\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.EnabledProviders(); len(got) != 0 {
		t.Errorf("EnabledProviders = %v, want none", got)
	}
}
