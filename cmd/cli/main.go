package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/space-ingest/internal/agent/osdr"
	"github.com/space-ingest/internal/app"
	"github.com/space-ingest/internal/config"
	"github.com/space-ingest/internal/models"
	"github.com/space-ingest/pkg/apperr"
	"github.com/space-ingest/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	a       *app.App
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "space-ingest-cli",
		Short: "Operate the space ingest store",
		Long: `Runs ingestion jobs on demand and inspects the stored ISS positions,
OSDR catalog and space cache without starting the scheduler daemon.`,
		PersistentPreRunE:  initializeApp,
		PersistentPostRunE: closeApp,
		SilenceUsage:       true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(latestCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(issCmd())
	rootCmd.AddCommand(osdrCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(scheduleCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	// Load config
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	a, err = app.New(cmd.Context(), cfg, log)
	return err
}

func closeApp(cmd *cobra.Command, args []string) error {
	if a == nil {
		return nil
	}
	return a.Close()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ============ INGESTION COMMANDS ============

func fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch [job|step]...",
		Short: "Run jobs or single steps now (default: every job)",
		Long: `Runs the named jobs or steps once, in order, through the same guards the
daemon uses. Jobs: iss, osdr, apod, neo, donki, spacex. Steps: flr, cme.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			names := args
			if len(names) == 0 {
				for _, st := range a.Scheduler.States() {
					names = append(names, st.Job)
				}
			}

			failed := 0
			for _, name := range names {
				start := time.Now()
				if err := a.Scheduler.Trigger(ctx, name); err != nil {
					failed++
					fmt.Printf("✗ %-8s %s (%s)\n", name, apperr.KindName(err), err)
					continue
				}
				fmt.Printf("✓ %-8s %s\n", name, time.Since(start).Round(time.Millisecond))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d runs failed", failed, len(names))
			}
			return nil
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [source]...",
		Short: "Refresh space cache sources directly (default: all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = models.CacheSources
			}
			result := a.Space.RefreshMultiple(cmd.Context(), names)

			fmt.Printf("Refreshed: %s\n", strings.Join(result.Refreshed, ", "))
			for name, msg := range result.Failed {
				fmt.Printf("Failed:    %s: %s\n", name, msg)
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d sources failed", len(result.Failed))
			}
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Drop all but the newest rows of the fetch log and space cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep == 0 {
				keep = cfg.Retention.KeepLast
			}
			result, err := a.Space.Cleanup(cmd.Context(), keep)
			if result != nil {
				fmt.Printf("Kept newest %d rows per table and source\n", keep)
				fmt.Printf("  iss_fetch_log: %d removed\n", result.FetchLog)
				for _, name := range models.CacheSources {
					fmt.Printf("  space_cache/%s: %d removed\n", name, result.Cache[name])
				}
			}
			return err
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 0, "Rows to keep (default retention.keep_last)")
	return cmd
}

func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Show the configured jobs, their steps and intervals",
		RunE: func(cmd *cobra.Command, args []string) error {
			states := a.Scheduler.States()
			fmt.Printf("\n=== Jobs (%d) ===\n\n", len(states))
			for _, st := range states {
				fmt.Printf("%-8s every %-10s steps: %s\n", st.Job, st.Interval, strings.Join(st.Steps, ", "))
			}
			if cfg.Retention.CleanupCron != "" {
				fmt.Printf("\ncleanup  cron %q keep %d\n", cfg.Retention.CleanupCron, cfg.Retention.KeepLast)
			}
			return nil
		},
	}
}

// ============ READ COMMANDS ============

func latestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest [source]",
		Short: "Print the newest cached payload of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := a.Space.Latest(cmd.Context(), strings.ToLower(args[0]))
			if err != nil {
				return err
			}
			if entry == nil {
				fmt.Println("No data")
				return nil
			}
			fmt.Printf("Fetched at: %s\n", entry.FetchedAt.Format(time.RFC3339))
			return printJSON(json.RawMessage(entry.Payload))
		},
	}
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print the latest payload of every source",
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := a.Space.Summary(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
}

// ============ ISS COMMANDS ============

func issCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iss",
		Short: "Inspect stored ISS positions",
	}

	cmd.AddCommand(issLastCmd())
	cmd.AddCommand(issTrendCmd())
	cmd.AddCommand(issRangeCmd())
	return cmd
}

func issLastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Print the most recent position",
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := a.ISS.Last(cmd.Context())
			if err != nil {
				return err
			}
			if pos == nil {
				fmt.Println("No data")
				return nil
			}
			printPosition(pos)
			return nil
		},
	}
}

func issTrendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trend",
		Short: "Compare the two most recent positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			trend, err := a.ISS.Trend(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(trend)
		},
	}
}

func issRangeCmd() *cobra.Command {
	var (
		since time.Duration
		limit int
	)

	cmd := &cobra.Command{
		Use:   "range",
		Short: "List positions fetched within a recent window",
		RunE: func(cmd *cobra.Command, args []string) error {
			to := time.Now().UTC()
			positions, err := a.ISS.Range(cmd.Context(), to.Add(-since), to, limit)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== ISS positions since %s (%d) ===\n\n", since, len(positions))
			for _, pos := range positions {
				printPosition(pos)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", time.Hour, "Window length")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum positions to show")
	return cmd
}

func printPosition(pos *models.Position) {
	fmt.Printf("[%d] %s  lat %s  lon %s  alt %s km  vel %s km/h\n",
		pos.ID,
		pos.FetchedAt.Format(time.RFC3339),
		formatFloat(pos.Latitude),
		formatFloat(pos.Longitude),
		formatFloat(pos.Altitude),
		formatFloat(pos.Velocity),
	)
}

func formatFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", *v)
}

// ============ OSDR COMMANDS ============

func osdrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "osdr",
		Short: "Sync and list the OSDR dataset catalog",
	}

	cmd.AddCommand(osdrSyncCmd())
	cmd.AddCommand(osdrListCmd())
	return cmd
}

func osdrSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch the catalog and upsert every item",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var result *osdr.SyncResult
			err := a.Scheduler.Do(ctx, app.JobOSDR, func(ctx context.Context) error {
				var err error
				result, err = a.OSDR.Sync(ctx)
				return err
			})
			if err != nil {
				return err
			}
			total, err := a.OSDR.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Written: %d (synthetic keys: %d) in %s\n", result.Written, result.Synthetic, result.Duration.Round(time.Millisecond))
			fmt.Printf("Catalog size: %d\n", total)
			return nil
		},
	}
}

func osdrListCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog items, most recently first-seen first",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := a.OSDR.List(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== OSDR items (%d) ===\n\n", len(items))
			for _, item := range items {
				fmt.Printf("[%d] %s | %s\n", item.ID, item.ItemKey, deref(item.Title))
				fmt.Printf("    Status: %s | First seen: %s\n", deref(item.Status), item.FirstSeenAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum items to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Items to skip")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
