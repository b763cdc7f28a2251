package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amishk599/harvester/internal/model"
	"github.com/amishk599/harvester/internal/scheduler"
)

var (
	extractUser     string
	extractMode     string
	extractProvider string
	extractSave     bool
	extractTimeout  time.Duration
)

var extractCmd = &cobra.Command{
	Use:   "extract <url>",
	Short: "Extract one posting and print the result",
	Long:  "Enqueues a scrape job, runs the workers until it reaches a terminal state, and prints the job as JSON. Cached results are printed immediately.",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtract,
}

func init() {
	extractCmd.Flags().StringVarP(&extractUser, "user", "u", "cli", "user id recorded in the audit log")
	extractCmd.Flags().StringVarP(&extractMode, "mode", "m", string(model.ModeGeneric), "generic or site-specific")
	extractCmd.Flags().StringVarP(&extractProvider, "provider", "p", "", "provider id (default: auto fallback chain)")
	extractCmd.Flags().BoolVar(&extractSave, "save", false, "persist the result for the user")
	extractCmd.Flags().DurationVar(&extractTimeout, "timeout", 5*time.Minute, "give up waiting after this long")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mode, err := model.ParseMode(extractMode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	receipt, err := rt.scheduler.Enqueue(ctx, scheduler.EnqueueRequest{
		Request: model.ScrapeRequest{
			URL:           args[0],
			UserID:        extractUser,
			Mode:          mode,
			Provider:      extractProvider,
			PersistResult: extractSave,
		},
	})
	if err != nil {
		return err
	}
	if receipt.CacheHit {
		logger.Info("served from cache", "url", args[0])
		return printJSON(receipt)
	}

	done, err := rt.scheduler.Await(ctx, receipt.ID)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		rt.scheduler.Run(runCtx)
	}()
	defer func() {
		cancelRun()
		<-runDone
	}()

	select {
	case job := <-done:
		if err := printJSON(job); err != nil {
			return err
		}
		if job.State != model.StateSucceeded {
			return fmt.Errorf("job %s ended %s: %s", job.ID, job.State, job.LastError)
		}
		return nil
	case <-time.After(extractTimeout):
		return fmt.Errorf("job %s still pending after %s; check it with `harvester jobs get %s`", receipt.ID, extractTimeout, receipt.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
