package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/amishk599/harvester/internal/audit"
	"github.com/amishk599/harvester/internal/model"
)

var (
	auditUser   string
	auditLimit  int
	auditFormat string
	auditOut    string
	auditAction string
	auditStatus string
	auditFrom   string
	auditTo     string
	purgeAge    time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Browse the audit log interactively (TUI)",
	Long:  "Shows the view picker TUI, then launches the split-pane audit browser.",
	Args:  cobra.NoArgs,
	RunE:  runAuditCmd,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit entries as JSON or CSV",
	Args:  cobra.NoArgs,
	RunE:  runAuditExport,
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete audit entries older than --older-than",
	Args:  cobra.NoArgs,
	RunE:  runAuditPurge,
}

func init() {
	auditCmd.PersistentFlags().StringVarP(&auditUser, "user", "u", "", "only entries of this user")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 500, "maximum entries per view")

	auditExportCmd.Flags().StringVarP(&auditFormat, "format", "f", "json", "json or csv")
	auditExportCmd.Flags().StringVarP(&auditOut, "out", "o", "", "output file (default: stdout)")
	auditExportCmd.Flags().StringVar(&auditAction, "action", "", "filter by action, e.g. scrape.attempt")
	auditExportCmd.Flags().StringVar(&auditStatus, "status", "", "filter by status (success, failure, partial)")
	auditExportCmd.Flags().StringVar(&auditFrom, "from", "", "inclusive lower bound (RFC 3339 or YYYY-MM-DD)")
	auditExportCmd.Flags().StringVar(&auditTo, "to", "", "exclusive upper bound (RFC 3339 or YYYY-MM-DD)")

	auditPurgeCmd.Flags().DurationVar(&purgeAge, "older-than", 0, "age cutoff (default: audit.retention from config)")

	auditCmd.AddCommand(auditExportCmd, auditPurgeCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// No logger here: log output before the alt-screen starts corrupts the display.
	log, db, err := openAuditOnly(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	scope := "all users"
	if auditUser != "" {
		scope = "user " + auditUser
	}
	views := audit.DefaultViews(auditUser, auditLimit)

	for {
		choice, err := audit.RunViewPicker(scope, views)
		if err != nil {
			fmt.Printf("Picker error: %v\n", err)
			return nil
		}
		if choice < 0 {
			return nil
		}
		view := views[choice]

		entries, err := audit.RunLoader(view.Name, func(ctx context.Context) ([]model.AuditEntry, error) {
			return log.Query(ctx, view.Filter)
		})
		if err != nil {
			fmt.Printf("Error loading entries: %v\n", err)
			continue
		}

		wantQuit, err := audit.RunBrowser(view.Name+" · "+scope, entries)
		if err != nil {
			fmt.Printf("TUI error: %v\n", err)
		}
		if wantQuit {
			return nil
		}
		// else: back to the picker
	}
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	format, err := audit.ParseFormat(auditFormat)
	if err != nil {
		return err
	}

	f := audit.Filter{
		UserID: auditUser,
		Action: auditAction,
		Status: model.AuditStatus(auditStatus),
	}
	if f.From, err = parseBound(auditFrom); err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	if f.To, err = parseBound(auditTo); err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	log, db, err := openAuditOnly(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var w io.Writer = os.Stdout
	if auditOut != "" {
		file, err := os.Create(auditOut)
		if err != nil {
			return fmt.Errorf("create %s: %w", auditOut, err)
		}
		defer file.Close()
		w = file
	}
	return log.Export(context.Background(), w, format, f)
}

func runAuditPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	age := purgeAge
	if age == 0 {
		age = cfg.Audit.Retention
	}

	log, db, err := openAuditOnly(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cutoff := time.Now().Add(-age)
	n, err := log.Purge(context.Background(), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d entries older than %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}

func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, s, time.Local)
}
