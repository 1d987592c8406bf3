package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/space-ingest/internal/api"
	"github.com/space-ingest/internal/app"
	"github.com/space-ingest/internal/config"
	"github.com/space-ingest/pkg/logger"
	"github.com/space-ingest/pkg/ratelimit"
)

var (
	cfgFile string
	log     *logger.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "space-ingest",
		Short: "Space data ingestion scheduler and read API",
		Long: `Polls the ISS position, the OSDR dataset catalog, APOD, NEO, DONKI and
SpaceX on fixed intervals, stores every payload and serves the stored data
over HTTP.`,
		RunE: runScheduler,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	// Load config
	cfg, err := config.Load(cfgFile)
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

	log.Info().
		Str("version", app.Version).
		Str("driver", cfg.Database.Driver).
		Msg("Starting space ingest")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	// Retention cleanup
	c := cron.New(cron.WithLogger(cronLogger{log}))
	if cfg.Retention.CleanupCron != "" {
		_, err = c.AddFunc(cfg.Retention.CleanupCron, func() {
			if _, err := a.Space.Cleanup(gctx, cfg.Retention.KeepLast); err != nil {
				log.Error().Err(err).Msg("Scheduled cleanup failed")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule cleanup job: %w", err)
		}
		log.Info().
			Str("cron", cfg.Retention.CleanupCron).
			Int("keep_last", cfg.Retention.KeepLast).
			Msg("Cleanup job scheduled")
	}

	server := api.New(api.Config{
		Addr:    cfg.Server.Addr,
		Version: app.Version,
	}, api.Deps{
		ISS:     a.ISS,
		Catalog: a.OSDR,
		Space:   a.Space,
		Runner:  a.Scheduler,
		Store:   a.Repo,
		Reader:  a.Reader,
		Gate:    ratelimit.NewGate(cfg.RateLimit.TokensPerSecond),
	}, log)

	a.Scheduler.Start(gctx)
	c.Start()

	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Scheduler.Wait()
		return nil
	})

	err = g.Wait()

	log.Info().Msg("Shutting down scheduler")
	<-c.Stop().Done()

	return err
}

// cronLogger adapts our logger for cron
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
