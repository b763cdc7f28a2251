package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/amishk599/harvester/internal/audit"
	"github.com/amishk599/harvester/internal/cache"
	"github.com/amishk599/harvester/internal/config"
	"github.com/amishk599/harvester/internal/event"
	"github.com/amishk599/harvester/internal/extract"
	"github.com/amishk599/harvester/internal/fetch"
	"github.com/amishk599/harvester/internal/maintenance"
	"github.com/amishk599/harvester/internal/metrics"
	"github.com/amishk599/harvester/internal/model"
	"github.com/amishk599/harvester/internal/notifier"
	"github.com/amishk599/harvester/internal/provider"
	"github.com/amishk599/harvester/internal/ratelimit"
	"github.com/amishk599/harvester/internal/retry"
	"github.com/amishk599/harvester/internal/scheduler"
	"github.com/amishk599/harvester/internal/store"
)

// hostInterval is the minimum gap between two page fetches to one host.
const hostInterval = time.Second

var (
	cfgPath string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "harvester",
	Short: "Job-posting extraction engine",
	Long:  "Harvester fetches job-posting pages, extracts a normalized record through a chain of LLM providers, and keeps an append-only audit log of every attempt.",
	// Default to `serve` so the bare binary runs the daemon.
	RunE:         runServe,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default: HARVESTER_CONFIG env var or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig resolves the config path and parses it. A .env file in the
// working directory is loaded first so the YAML can reference its variables.
// Priority: explicit path arg > HARVESTER_CONFIG env var > "./config.yaml"
func loadConfig(path string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		if env := os.Getenv("HARVESTER_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func setupLogger(dbg bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if dbg {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

// runtime holds every long-lived component of the engine.
type runtime struct {
	cfg       *config.Config
	registry  *provider.Registry
	cache     *cache.Cache
	bus       event.Bus
	metrics   *metrics.Emitter
	audit     *audit.Log
	scheduler *scheduler.Scheduler
	results   *store.SQLiteStore
	logger    *slog.Logger

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	db, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() { db.Close() })

	sqliteStore, err := store.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	rt.results = sqliteStore

	jobs, err := openJobStore(ctx, cfg, sqliteStore, rt, logger)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = cache.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { rdb.Close() })
		logger.Info("redis cache tier enabled")
	}
	rt.cache = cache.New(cache.Options{
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
		Redis:      rdb,
	}, logger)

	rt.bus = event.NewBus(logger)
	rt.metrics = metrics.NewEmitter()
	rt.closers = append(rt.closers, rt.metrics.Register(rt.bus))
	if n := buildNotifier(cfg.Notification, logger); n != nil {
		rt.closers = append(rt.closers, notifier.Subscribe(rt.bus, n))
		logger.Info("dead-letter alerts enabled", "type", cfg.Notification.Type)
	}

	rt.registry = buildRegistry(cfg, &http.Client{}, logger)

	hostLimiter := ratelimit.NewKeyedLimiter(hostInterval)
	fetcher := fetch.New(
		&http.Client{Timeout: cfg.Fetch.Timeout},
		cfg.Fetch.UserAgent,
		cfg.Fetch.MaxContentChars,
		logger,
		fetch.WithSites(fetch.DefaultSites()...),
		fetch.WithLimiter(hostLimiter),
	)
	orch := extract.New(rt.registry, fetcher, rt.cache, rt.bus, logger)

	rt.audit, err = audit.NewLog(db, cfg.Audit.MinRetention)
	if err != nil {
		return nil, err
	}

	rt.scheduler = scheduler.New(jobs, orch, rt.audit, sqliteStore, rt.bus, scheduler.Options{
		Queues:       cfg.Scheduler.Queues,
		Policy:       retry.NewPolicy(cfg.Scheduler.MaxAttempts, cfg.Scheduler.BaseDelay, cfg.Scheduler.MaxDelay),
		PollInterval: cfg.Scheduler.PollInterval,
		Lease:        cfg.Scheduler.Lease,
	}, logger)

	logger.Info("runtime ready",
		"database", cfg.Database.Path,
		"postgres_jobs", cfg.Database.URL != "",
		"providers", rt.registry.IDs(),
		"queues", rt.scheduler.Queues(),
	)
	return rt, nil
}

// buildNotifier returns the configured dead-letter notifier, or nil when
// alerts are disabled.
func buildNotifier(cfg config.NotificationConfig, logger *slog.Logger) notifier.Notifier {
	switch cfg.Type {
	case "log":
		return notifier.NewLogNotifier(logger)
	case "slack":
		return notifier.NewSlackNotifier(cfg.WebhookURL, &http.Client{Timeout: 10 * time.Second}, logger)
	}
	return nil
}

// openJobStore returns Postgres when database.url is set, else the SQLite store.
func openJobStore(ctx context.Context, cfg *config.Config, fallback *store.SQLiteStore, rt *runtime, logger *slog.Logger) (model.JobStore, error) {
	if cfg.Database.URL == "" {
		return fallback, nil
	}
	pool, err := store.ConnectPostgres(ctx, cfg.Database.URL, 10)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, pool.Close)
	pg, err := store.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, err
	}
	logPool(pool, logger)
	return pg, nil
}

func logPool(pool *pgxpool.Pool, logger *slog.Logger) {
	stat := pool.Stat()
	logger.Info("postgres job store connected", "max_conns", stat.MaxConns())
}

// buildRegistry registers one adapter per enabled provider. Providers with a
// requests_per_minute budget are wrapped in the pacing decorator.
func buildRegistry(cfg *config.Config, client *http.Client, logger *slog.Logger) *provider.Registry {
	limiter := ratelimit.NewKeyedLimiter(0)
	reg := provider.NewRegistry(cfg.FallbackOrder)

	for id, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		var p provider.Provider
		switch pc.Type {
		case "openai":
			p = provider.NewOpenAI(id, pc.BaseURL, pc.APIKey, client)
		case "anthropic":
			p = provider.NewAnthropic(id, pc.BaseURL, pc.APIKey, client)
		case "ollama":
			p = provider.NewOllama(id, pc.BaseURL, client)
		default:
			logger.Warn("unsupported provider type, skipping", "provider", id, "type", pc.Type)
			continue
		}
		if pc.RequestsPerMinute > 0 {
			limiter.SetInterval(id, ratelimit.PerMinute(pc.RequestsPerMinute))
			p = ratelimit.NewRateLimitedProvider(p, limiter)
		}
		reg.Register(p, provider.Settings{
			Model:       pc.Model(),
			VisionModel: pc.VisionModel,
			Timeout:     pc.Timeout,
			Options:     pc.Options,
		})
		logger.Debug("registered provider", "provider", id, "type", pc.Type, "model", pc.Model())
	}
	return reg
}

// buildMaintenance schedules the housekeeping tasks.
func buildMaintenance(rt *runtime) (*maintenance.Runner, error) {
	cfg := rt.cfg
	m := maintenance.New(rt.logger)
	if err := m.Add("audit-purge", cfg.Audit.PurgeSchedule,
		maintenance.PurgeAudit(rt.audit, cfg.Audit.Retention, time.Now, rt.logger)); err != nil {
		return nil, err
	}
	if err := m.Add("lease-recovery", maintenance.Every(leaseCheckInterval(cfg.Scheduler.Lease)),
		maintenance.RecoverLeases(rt.scheduler, rt.logger)); err != nil {
		return nil, err
	}
	if err := m.Add("cache-sweep", maintenance.Every(cfg.Cache.CleanupInterval),
		maintenance.SweepCache(rt.cache, rt.logger)); err != nil {
		return nil, err
	}
	return m, nil
}

// leaseCheckInterval checks twice per lease, at least once a minute.
func leaseCheckInterval(lease time.Duration) time.Duration {
	return min(max(lease/2, time.Second), time.Minute)
}

// openAuditOnly opens the audit log without the rest of the runtime.
func openAuditOnly(cfg *config.Config) (*audit.Log, *sql.DB, error) {
	db, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	l, err := audit.NewLog(db, cfg.Audit.MinRetention)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return l, db, nil
}
