// Package api serves the read API over the stored space data and lets
// clients trigger ingestion runs through the scheduler.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/space-ingest/internal/agent/osdr"
	"github.com/space-ingest/internal/cache"
	"github.com/space-ingest/internal/metrics"
	"github.com/space-ingest/internal/models"
	"github.com/space-ingest/internal/scheduler"
	"github.com/space-ingest/pkg/logger"
	"github.com/space-ingest/pkg/ratelimit"
)

const (
	defaultListLimit = 20
	shutdownTimeout  = 10 * time.Second
	triggerTimeout   = 5 * time.Minute
)

// ISSReader serves stored ISS positions
type ISSReader interface {
	FetchAndStore(ctx context.Context) (*models.Position, error)
	Last(ctx context.Context) (*models.Position, error)
	Trend(ctx context.Context) (*models.Trend, error)
	Range(ctx context.Context, from, to time.Time, limit int) ([]*models.Position, error)
}

// CatalogReader serves the OSDR catalog
type CatalogReader interface {
	Sync(ctx context.Context) (*osdr.SyncResult, error)
	List(ctx context.Context, limit, offset int) ([]*models.CatalogItem, error)
	Count(ctx context.Context) (int64, error)
}

// SpaceReader serves the tagged space cache
type SpaceReader interface {
	Latest(ctx context.Context, name string) (*models.CacheEntry, error)
	Summary(ctx context.Context) (*models.Summary, error)
}

// Runner runs scheduler jobs on demand
type Runner interface {
	Trigger(ctx context.Context, name string) error
	Do(ctx context.Context, job string, fn func(ctx context.Context) error) error
	States() []scheduler.State
}

// Pinger reports store health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server settings
type Config struct {
	Addr      string
	Version   string
	ListLimit int // default page size of /osdr/list
}

// Deps are the services behind the routes. Reader and Gate may be nil.
type Deps struct {
	ISS     ISSReader
	Catalog CatalogReader
	Space   SpaceReader
	Runner  Runner
	Store   Pinger
	Reader  *cache.Reader
	Gate    *ratelimit.Gate
}

// Server is the HTTP read API
type Server struct {
	cfg    Config
	deps   Deps
	router chi.Router
	log    *logger.Logger
}

// New builds the router
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = defaultListLimit
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	if s.deps.Gate != nil {
		r.Use(admission(s.deps.Gate, s.log, "/health", "/metrics"))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/scheduler/state", s.handleSchedulerState)

	r.Get("/last", s.handleLast)
	r.Get("/fetch", s.handleFetch)
	r.Post("/fetch", s.handleFetch)
	r.Route("/iss", func(r chi.Router) {
		r.Get("/trend", s.handleTrend)
		r.Get("/range", s.handleRange)
	})

	r.Route("/osdr", func(r chi.Router) {
		r.Get("/sync", s.handleOSDRSync)
		r.Post("/sync", s.handleOSDRSync)
		r.Get("/list", s.handleOSDRList)
	})

	r.Route("/space", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)
		r.Get("/refresh", s.handleRefresh)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/{src}/latest", s.handleLatest)
	})

	return r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info().Msg("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
