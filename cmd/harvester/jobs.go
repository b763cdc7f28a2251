package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amishk599/harvester/internal/model"
)

var (
	jobsState string
	jobsQueue string
	jobsLimit int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and administer scrape jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: withJob(func(ctx context.Context, rt *runtime, id string) (model.Job, error) {
		return rt.scheduler.Get(ctx, id)
	}),
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a scheduled or retrying job",
	Args:  cobra.ExactArgs(1),
	RunE: withJob(func(ctx context.Context, rt *runtime, id string) (model.Job, error) {
		return rt.scheduler.Cancel(ctx, id)
	}),
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Return a dead-lettered job to the queue with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: withJob(func(ctx context.Context, rt *runtime, id string) (model.Job, error) {
		return rt.scheduler.Requeue(ctx, id)
	}),
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsState, "state", "", "filter by state (scheduled, executing, retrying, succeeded, dead_lettered, cancelled)")
	jobsListCmd.Flags().StringVar(&jobsQueue, "queue", "", "filter by queue class")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum rows")

	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsCancelCmd, jobsRequeueCmd)
	rootCmd.AddCommand(jobsCmd)
}

// adminRuntime builds the runtime with a quiet logger; admin commands print
// their own output.
func adminRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if debug {
		logger = setupLogger(true)
	}
	return buildRuntime(ctx, cfg, logger)
}

func withJob(fn func(ctx context.Context, rt *runtime, id string) (model.Job, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := adminRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		job, err := fn(ctx, rt, args[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	}
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rt, err := adminRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	jobs, err := rt.scheduler.List(ctx, model.JobFilter{
		State: model.JobState(jobsState),
		Queue: jobsQueue,
		Limit: jobsLimit,
	})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return nil
	}

	fmt.Printf("%-36s %-12s %-14s %-8s %-20s %s\n", "ID", "Queue", "State", "Attempt", "Scheduled", "URL")
	fmt.Println(strings.Repeat("─", 120))
	for _, j := range jobs {
		fmt.Printf("%-36s %-12s %-14s %-8s %-20s %s\n",
			j.ID, j.Queue, j.State,
			fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts),
			j.ScheduledAt.Local().Format(time.DateTime),
			j.Args.URL,
		)
	}
	fmt.Printf("\nTotal: %d jobs\n", len(jobs))
	return nil
}
