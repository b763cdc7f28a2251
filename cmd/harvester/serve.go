package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/amishk599/harvester/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run workers, maintenance and the HTTP API",
	Long:  "Start the scheduler workers, the maintenance cron and the HTTP API; blocks until SIGINT/SIGTERM.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}
	defer rt.Close()

	if len(rt.registry.IDs()) == 0 {
		logger.Warn("no providers enabled, every job will dead-letter")
	}

	// Leases left behind by a crashed process are reclaimed before workers start.
	if n, err := rt.scheduler.Recover(ctx); err != nil {
		logger.Error("lease recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered expired leases", "jobs", n)
	}

	maint, err := buildMaintenance(rt)
	if err != nil {
		logger.Error("failed to schedule maintenance", "error", err)
		return err
	}
	maint.Start(ctx)
	defer maint.Stop()

	e := server.New(server.Config{
		Jobs:         rt.scheduler,
		Audit:        rt.audit,
		Metrics:      rt.metrics,
		MetricsToken: cfg.Server.MetricsToken,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.scheduler.Run(gctx) })
	g.Go(func() error { return server.Serve(gctx, e, cfg.Server.Addr, logger) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("harvester stopped with error", "error", err)
		return err
	}

	logger.Info("goodbye")
	return nil
}
