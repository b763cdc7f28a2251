package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the harvester engine.
type Config struct {
	Database      DatabaseConfig
	RedisURL      string
	FallbackOrder []string
	Providers     map[string]ProviderConfig
	Scheduler     SchedulerConfig
	Cache         CacheConfig
	Audit         AuditConfig
	Fetch         FetchConfig
	Server        ServerConfig
	Notification  NotificationConfig
}

// DatabaseConfig selects the job store. When URL is set jobs live in Postgres;
// the SQLite file at Path always backs the audit log and result sink.
type DatabaseConfig struct {
	Path string
	URL  string
}

// ProviderConfig describes one LLM backend.
type ProviderConfig struct {
	Type              string // adapter type; defaults to the map key
	Enabled           bool
	BaseURL           string
	APIKey            string // expanded from env var by Load
	DefaultModel      string
	TextModel         string
	VisionModel       string
	Timeout           time.Duration // per-call timeout
	RequestsPerMinute int           // 0 disables pacing
	Options           map[string]any
}

// Model returns the model to use for text extraction.
func (p ProviderConfig) Model() string {
	if p.TextModel != "" {
		return p.TextModel
	}
	return p.DefaultModel
}

// SchedulerConfig controls retry policy and worker pools.
type SchedulerConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
	Lease        time.Duration
	Queues       map[string]int // queue class -> worker concurrency
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	TTL             time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// AuditConfig controls audit retention.
type AuditConfig struct {
	MinRetention  time.Duration // purge refuses cutoffs younger than this
	Retention     time.Duration // age purged by the maintenance schedule
	PurgeSchedule string        // cron expression
}

// FetchConfig controls page fetching.
type FetchConfig struct {
	Timeout         time.Duration
	MaxContentChars int
	UserAgent       string
}

// NotificationConfig selects where dead-letter alerts go. An empty Type
// disables alerts.
type NotificationConfig struct {
	Type       string // "log" or "slack"
	WebhookURL string
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr         string
	MetricsToken string
}

const (
	defaultDBPath       = "harvester.db"
	defaultQueue        = "scrape"
	defaultPurgeSched   = "@daily"
	defaultUserAgent    = "harvester/1.0"
	defaultServerAddr   = ":8080"
	defaultOpenAIURL    = "https://api.openai.com/v1"
	defaultAnthropicURL = "https://api.anthropic.com"
	defaultOllamaURL    = "http://localhost:11434"
)

// DefaultFallbackOrder is used when fallback_order is omitted.
var DefaultFallbackOrder = []string{"openai", "anthropic", "ollama"}

// rawConfig is used for YAML unmarshaling (snake_case fields and duration as string).
type rawConfig struct {
	Database      rawDatabaseConfig            `yaml:"database"`
	RedisURL      string                       `yaml:"redis_url"`
	FallbackOrder []string                     `yaml:"fallback_order"`
	Providers     map[string]rawProviderConfig `yaml:"providers"`
	Scheduler     rawSchedulerConfig           `yaml:"scheduler"`
	Cache         rawCacheConfig               `yaml:"cache"`
	Audit         rawAuditConfig               `yaml:"audit"`
	Fetch         rawFetchConfig               `yaml:"fetch"`
	Server        rawServerConfig              `yaml:"server"`
	Notification  rawNotificationConfig        `yaml:"notification"`
}

type rawDatabaseConfig struct {
	Path string `yaml:"path"`
	URL  string `yaml:"url"`
}

type rawProviderConfig struct {
	Type              string         `yaml:"type"`
	Enabled           bool           `yaml:"enabled"`
	BaseURL           string         `yaml:"base_url"`
	APIKey            string         `yaml:"api_key"`
	DefaultModel      string         `yaml:"default_model"`
	TextModel         string         `yaml:"text_model"`
	VisionModel       string         `yaml:"vision_model"`
	Timeout           string         `yaml:"timeout"`
	RequestsPerMinute int            `yaml:"requests_per_minute"`
	Options           map[string]any `yaml:"options"`
}

type rawSchedulerConfig struct {
	MaxAttempts  int            `yaml:"max_attempts"`
	BaseDelay    string         `yaml:"base_delay"`
	MaxDelay     string         `yaml:"max_delay"`
	PollInterval string         `yaml:"poll_interval"`
	Lease        string         `yaml:"lease"`
	Queues       map[string]int `yaml:"queues"`
}

type rawCacheConfig struct {
	TTL             string `yaml:"ttl"`
	MaxEntries      int    `yaml:"max_entries"`
	CleanupInterval string `yaml:"cleanup_interval"`
}

type rawAuditConfig struct {
	MinRetention  string `yaml:"min_retention"`
	Retention     string `yaml:"retention"`
	PurgeSchedule string `yaml:"purge_schedule"`
}

type rawFetchConfig struct {
	Timeout         string `yaml:"timeout"`
	MaxContentChars int    `yaml:"max_content_chars"`
	UserAgent       string `yaml:"user_agent"`
}

type rawNotificationConfig struct {
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
}

type rawServerConfig struct {
	Addr         string `yaml:"addr"`
	MetricsToken string `yaml:"metrics_token"`
}

// Load reads and parses the YAML config file at path, validates it, and returns Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes. Environment variables are expanded first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	d := durationParser{}
	cfg := &Config{
		Database: DatabaseConfig{
			Path: orDefault(raw.Database.Path, defaultDBPath),
			URL:  raw.Database.URL,
		},
		RedisURL:      raw.RedisURL,
		FallbackOrder: raw.FallbackOrder,
		Providers:     make(map[string]ProviderConfig, len(raw.Providers)),
		Scheduler: SchedulerConfig{
			MaxAttempts:  raw.Scheduler.MaxAttempts,
			BaseDelay:    d.parse("scheduler.base_delay", raw.Scheduler.BaseDelay, 5*time.Second),
			MaxDelay:     d.parse("scheduler.max_delay", raw.Scheduler.MaxDelay, 10*time.Minute),
			PollInterval: d.parse("scheduler.poll_interval", raw.Scheduler.PollInterval, 500*time.Millisecond),
			Lease:        d.parse("scheduler.lease", raw.Scheduler.Lease, 10*time.Minute),
			Queues:       raw.Scheduler.Queues,
		},
		Cache: CacheConfig{
			TTL:             d.parse("cache.ttl", raw.Cache.TTL, 24*time.Hour),
			MaxEntries:      raw.Cache.MaxEntries,
			CleanupInterval: d.parse("cache.cleanup_interval", raw.Cache.CleanupInterval, 5*time.Minute),
		},
		Audit: AuditConfig{
			MinRetention:  d.parse("audit.min_retention", raw.Audit.MinRetention, 30*24*time.Hour),
			Retention:     d.parse("audit.retention", raw.Audit.Retention, 90*24*time.Hour),
			PurgeSchedule: orDefault(raw.Audit.PurgeSchedule, defaultPurgeSched),
		},
		Fetch: FetchConfig{
			Timeout:         d.parse("fetch.timeout", raw.Fetch.Timeout, 15*time.Second),
			MaxContentChars: raw.Fetch.MaxContentChars,
			UserAgent:       orDefault(raw.Fetch.UserAgent, defaultUserAgent),
		},
		Server: ServerConfig{
			Addr:         orDefault(raw.Server.Addr, defaultServerAddr),
			MetricsToken: raw.Server.MetricsToken,
		},
		Notification: NotificationConfig{
			Type:       raw.Notification.Type,
			WebhookURL: raw.Notification.WebhookURL,
		},
	}

	for id, rp := range raw.Providers {
		typ := orDefault(rp.Type, id)
		cfg.Providers[id] = ProviderConfig{
			Type:              typ,
			Enabled:           rp.Enabled,
			BaseURL:           orDefault(rp.BaseURL, defaultBaseURL(typ)),
			APIKey:            rp.APIKey,
			DefaultModel:      rp.DefaultModel,
			TextModel:         rp.TextModel,
			VisionModel:       rp.VisionModel,
			Timeout:           d.parse("providers."+id+".timeout", rp.Timeout, 30*time.Second),
			RequestsPerMinute: rp.RequestsPerMinute,
			Options:           rp.Options,
		}
	}
	if d.err != nil {
		return nil, d.err
	}

	for _, id := range cfg.FallbackOrder {
		if _, ok := cfg.Providers[id]; !ok {
			return nil, fmt.Errorf("fallback_order names unknown provider %q", id)
		}
	}
	if len(cfg.FallbackOrder) == 0 {
		cfg.FallbackOrder = DefaultFallbackOrder
	}
	if cfg.Scheduler.MaxAttempts == 0 {
		cfg.Scheduler.MaxAttempts = 3
	}
	if len(cfg.Scheduler.Queues) == 0 {
		cfg.Scheduler.Queues = map[string]int{defaultQueue: 4}
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Fetch.MaxContentChars == 0 {
		cfg.Fetch.MaxContentChars = 12000
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnabledProviders returns the ids of enabled providers.
func (c *Config) EnabledProviders() []string {
	var ids []string
	for id, p := range c.Providers {
		if p.Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

func validate(cfg *Config) error {
	if cfg.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be at least 1, got %d", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Scheduler.BaseDelay <= 0 {
		return fmt.Errorf("scheduler.base_delay must be positive, got %v", cfg.Scheduler.BaseDelay)
	}
	if cfg.Scheduler.MaxDelay < cfg.Scheduler.BaseDelay {
		return fmt.Errorf("scheduler.max_delay (%v) must not be below base_delay (%v)", cfg.Scheduler.MaxDelay, cfg.Scheduler.BaseDelay)
	}
	if cfg.Scheduler.PollInterval <= 0 || cfg.Scheduler.Lease <= 0 {
		return fmt.Errorf("scheduler.poll_interval and scheduler.lease must be positive")
	}
	if _, ok := cfg.Scheduler.Queues[defaultQueue]; !ok {
		return fmt.Errorf("scheduler.queues must define the %q queue", defaultQueue)
	}
	for q, n := range cfg.Scheduler.Queues {
		if n < 1 {
			return fmt.Errorf("scheduler.queues[%q] must be at least 1, got %d", q, n)
		}
	}

	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be at least 1, got %d", cfg.Cache.MaxEntries)
	}

	if cfg.Audit.Retention < cfg.Audit.MinRetention {
		return fmt.Errorf("audit.retention (%v) must not be below audit.min_retention (%v)", cfg.Audit.Retention, cfg.Audit.MinRetention)
	}

	for id, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		switch p.Type {
		case "openai", "anthropic":
			if p.APIKey == "" {
				return fmt.Errorf("providers.%s.api_key is required when enabled", id)
			}
		case "ollama":
		default:
			return fmt.Errorf("providers.%s: unknown type %q (want openai, anthropic or ollama)", id, p.Type)
		}
		if p.Model() == "" {
			return fmt.Errorf("providers.%s.default_model is required when enabled", id)
		}
		if p.RequestsPerMinute < 0 {
			return fmt.Errorf("providers.%s.requests_per_minute must not be negative", id)
		}
	}

	switch cfg.Notification.Type {
	case "", "log":
	case "slack":
		if cfg.Notification.WebhookURL == "" {
			return fmt.Errorf("notification.webhook_url is required for slack")
		}
	default:
		return fmt.Errorf("notification.type %q is unknown (want log or slack)", cfg.Notification.Type)
	}

	if worst := cfg.WorstCaseAttempt(); cfg.Scheduler.Lease <= worst {
		return fmt.Errorf("scheduler.lease (%v) must exceed the worst-case attempt (%v: fetch timeout plus ping and timeout of every enabled provider)", cfg.Scheduler.Lease, worst)
	}
	return nil
}

// ProviderPingTimeout bounds the availability check made before each
// provider call.
const ProviderPingTimeout = 5 * time.Second

// WorstCaseAttempt is the longest one attempt can take when every enabled
// provider is pinged and then times out.
func (c *Config) WorstCaseAttempt() time.Duration {
	worst := c.Fetch.Timeout
	for _, p := range c.Providers {
		if p.Enabled {
			worst += ProviderPingTimeout + p.Timeout
		}
	}
	return worst
}

// durationParser keeps the first parse error so Load can report it once.
type durationParser struct {
	err error
}

func (d *durationParser) parse(field, raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		if d.err == nil {
			d.err = fmt.Errorf("parse %s %q: %w", field, raw, err)
		}
		return def
	}
	return v
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultBaseURL(typ string) string {
	switch typ {
	case "openai":
		return defaultOpenAIURL
	case "anthropic":
		return defaultAnthropicURL
	case "ollama":
		return defaultOllamaURL
	}
	return ""
}
