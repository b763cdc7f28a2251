package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Ping configured providers and list their models",
	Long:  "Builds every enabled provider adapter, pings it and prints the models it reports.",
	RunE:  runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	reg := buildRegistry(cfg, &http.Client{}, logger)
	ids := reg.IDs()
	if len(ids) == 0 {
		fmt.Println("No enabled providers in config.")
		return nil
	}

	fmt.Printf("%-12s %-10s %-10s %-24s %s\n", "Provider", "Status", "Latency", "Model", "Available models")
	fmt.Println(strings.Repeat("─", 90))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, id := range ids {
		entry, _ := reg.Get(id)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		avail, err := entry.Provider.Ping(pingCtx)
		cancel()

		status, latency := "down", "-"
		if err == nil && avail.Available {
			status = "up"
			latency = avail.Latency.Round(time.Millisecond).String()
		}

		models := "-"
		if status == "up" {
			listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			descs, err := entry.Provider.ListModels(listCtx)
			cancel()
			switch {
			case err != nil:
				models = "error: " + err.Error()
			case len(descs) > 0:
				names := make([]string, 0, len(descs))
				for _, d := range descs {
					names = append(names, d.Name)
				}
				models = strings.Join(names, ", ")
			}
		} else if err != nil {
			models = err.Error()
		}

		fmt.Printf("%-12s %-10s %-10s %-24s %s\n", id, status, latency, entry.Settings.Model, models)
	}
	return nil
}
