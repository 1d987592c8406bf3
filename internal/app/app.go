// Package app wires configuration into the store, the upstream sources, the
// coordinators, the read cache and the scheduler. Both binaries build on it.
package app

import (
	"context"
	"fmt"

	"github.com/space-ingest/internal/agent/iss"
	"github.com/space-ingest/internal/agent/osdr"
	"github.com/space-ingest/internal/agent/space"
	"github.com/space-ingest/internal/cache"
	"github.com/space-ingest/internal/config"
	"github.com/space-ingest/internal/fetcher"
	"github.com/space-ingest/internal/models"
	"github.com/space-ingest/internal/scheduler"
	"github.com/space-ingest/internal/source"
	issource "github.com/space-ingest/internal/source/iss"
	"github.com/space-ingest/internal/source/nasa"
	"github.com/space-ingest/internal/source/spacex"
	"github.com/space-ingest/internal/storage/gormstore"
	"github.com/space-ingest/pkg/logger"
	"github.com/space-ingest/pkg/ratelimit"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Job names
const (
	JobISS    = "iss"
	JobOSDR   = "osdr"
	JobAPOD   = "apod"
	JobNEO    = "neo"
	JobDONKI  = "donki"
	JobSpaceX = "spacex"
)

// App holds the wired components
type App struct {
	Config    *config.Config
	Log       *logger.Logger
	Repo      *gormstore.Repository
	Cache     cache.Store
	Reader    *cache.Reader
	Sources   *source.Manager
	ISS       *iss.Agent
	OSDR      *osdr.Agent
	Space     *space.Agent
	Scheduler *scheduler.Scheduler
}

// New opens the store, builds every component and registers the jobs. The
// scheduler is not started.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	repo, err := gormstore.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a := &App{
		Config: cfg,
		Log:    log,
		Repo:   repo,
		Cache:  openCache(ctx, cfg.Cache, log),
	}
	a.Reader = cache.NewReader(a.Cache, log)

	var opts []fetcher.Option
	if cfg.Upstream.Pace {
		opts = append(opts, fetcher.WithPacer(ratelimit.NewDefaultLimiter()))
	}
	nasaFetch := fetcher.New(fetcher.Config{
		Name:       ratelimit.LimiterNASA,
		Timeout:    cfg.Upstream.NASATimeout,
		MaxRetries: cfg.Upstream.MaxRetries,
	}, log, opts...)
	issFetch := fetcher.New(fetcher.Config{
		Name:       ratelimit.LimiterISS,
		Timeout:    cfg.Upstream.ISSTimeout,
		MaxRetries: cfg.Upstream.MaxRetries,
	}, log, opts...)
	spacexFetch := fetcher.New(fetcher.Config{
		Name:       ratelimit.LimiterSpaceX,
		Timeout:    cfg.Upstream.SpaceXTimeout,
		MaxRetries: cfg.Upstream.MaxRetries,
	}, log, opts...)

	nasaClient := nasa.New(nasaFetch, nasa.Config{
		APIKey:    cfg.Upstream.NASAAPIKey,
		OSDRURL:   cfg.Upstream.OSDRURL,
		APODURL:   cfg.Upstream.APODURL,
		NEOURL:    cfg.Upstream.NEOURL,
		DONKIURL:  cfg.Upstream.DONKIURL,
		NEODays:   cfg.Upstream.NEODays,
		DONKIDays: cfg.Upstream.DONKIDays,
	})

	a.Sources = source.NewManager(
		nasaClient.APOD(),
		nasaClient.NEO(),
		nasaClient.Flares(),
		nasaClient.CoronalMassEjections(),
		spacex.New(spacexFetch, cfg.Upstream.SpaceXURL),
	)

	a.ISS = iss.NewAgent(issource.New(issFetch, cfg.Upstream.ISSURL), repo, a.Reader, log)
	a.OSDR = osdr.NewAgent(nasaClient.OSDR(), repo, a.Reader, log)
	a.Space = space.NewAgent(a.Sources, repo, a.Reader, log)

	a.Scheduler, err = scheduler.New(a.Jobs(), log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}
	return a, nil
}

// Jobs returns the polling jobs with their configured intervals. DONKI flares
// and CMEs share one job so they never run concurrently.
func (a *App) Jobs() []scheduler.Job {
	iv := a.Config.Intervals
	return []scheduler.Job{
		{Name: JobISS, Interval: iv.Interval(JobISS), Steps: []scheduler.Step{{
			Name: JobISS,
			Run: func(ctx context.Context) error {
				_, err := a.ISS.FetchAndStore(ctx)
				return err
			},
		}}},
		{Name: JobOSDR, Interval: iv.Interval(JobOSDR), Steps: []scheduler.Step{{
			Name: JobOSDR,
			Run: func(ctx context.Context) error {
				_, err := a.OSDR.Sync(ctx)
				return err
			},
		}}},
		{Name: JobAPOD, Interval: iv.Interval(JobAPOD), Steps: []scheduler.Step{a.refreshStep(models.SourceAPOD)}},
		{Name: JobNEO, Interval: iv.Interval(JobNEO), Steps: []scheduler.Step{a.refreshStep(models.SourceNEO)}},
		{Name: JobDONKI, Interval: iv.Interval(JobDONKI), Steps: []scheduler.Step{
			a.refreshStep(models.SourceFLR),
			a.refreshStep(models.SourceCME),
		}},
		{Name: JobSpaceX, Interval: iv.Interval(JobSpaceX), Steps: []scheduler.Step{a.refreshStep(models.SourceSpaceX)}},
	}
}

func (a *App) refreshStep(name string) scheduler.Step {
	return scheduler.Step{
		Name: name,
		Run: func(ctx context.Context) error {
			_, err := a.Space.Refresh(ctx, name)
			return err
		},
	}
}

// Close releases the cache and the store
func (a *App) Close() error {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("Failed to close cache")
		}
	}
	return a.Repo.Close()
}

// openCache connects to Redis when configured and falls back to the
// in-process LRU when Redis is unset or unreachable.
func openCache(ctx context.Context, cfg config.CacheConfig, log *logger.Logger) cache.Store {
	if cfg.RedisURL != "" {
		store, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.TTL())
		if err == nil {
			log.Info().Msg("Using Redis read cache")
			return store
		}
		log.Warn().Err(err).Msg("Redis unavailable, using in-process cache")
	}
	return cache.NewLRU(cfg.LRUSize, cfg.TTL())
}
