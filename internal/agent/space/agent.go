// Package space refreshes the tagged space cache (APOD, NEO, DONKI flares and
// CMEs, SpaceX) and assembles the cross-source summary.
package space

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"

	"github.com/space-ingest/internal/agent/iss"
	"github.com/space-ingest/internal/cache"
	"github.com/space-ingest/internal/metrics"
	"github.com/space-ingest/internal/models"
	"github.com/space-ingest/internal/source"
	"github.com/space-ingest/internal/storage"
	"github.com/space-ingest/pkg/apperr"
	"github.com/space-ingest/pkg/logger"
)

// Agent coordinates space cache refreshes
type Agent struct {
	sources     *source.Manager
	repository  storage.Repository
	invalidator cache.Invalidator
	log         *logger.Logger
}

// NewAgent creates a new space agent. sources must hold one source per cache
// tag; invalidator may be nil.
func NewAgent(
	sources *source.Manager,
	repository storage.Repository,
	invalidator cache.Invalidator,
	log *logger.Logger,
) *Agent {
	if invalidator == nil {
		invalidator = cache.Nop{}
	}
	return &Agent{
		sources:     sources,
		repository:  repository,
		invalidator: invalidator,
		log:         log.WithComponent("space"),
	}
}

// Refresh fetches one source and appends its payload to the cache table
func (a *Agent) Refresh(ctx context.Context, name string) (*models.CacheEntry, error) {
	src, err := a.lookup(name)
	if err != nil {
		return nil, err
	}

	payload, err := src.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	entry, err := a.repository.InsertCacheEntry(ctx, name, payload)
	if err != nil {
		return nil, fmt.Errorf("store %s payload: %w", name, err)
	}
	metrics.StoredRecords.WithLabelValues(entry.TableName()).Inc()

	if err := a.invalidator.Delete(ctx, cache.KeyLatest(name), cache.KeySummary); err != nil {
		a.log.Warn().Err(err).Str("source", name).Msg("Cache invalidation failed")
	}

	a.log.Info().
		Str("source", name).
		Uint("id", entry.ID).
		Int("bytes", len(payload)).
		Msg("Refreshed space cache")
	return entry, nil
}

// RefreshResult lists which sources of a multi-source refresh succeeded
type RefreshResult struct {
	Refreshed []string          `json:"refreshed"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// RefreshMultiple refreshes names one after another. A failing source does
// not stop the others; unknown names are reported as failures.
func (a *Agent) RefreshMultiple(ctx context.Context, names []string) *RefreshResult {
	result := &RefreshResult{Refreshed: make([]string, 0, len(names))}
	for _, name := range names {
		if _, err := a.Refresh(ctx, name); err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[name] = err.Error()
			a.log.Warn().
				Err(err).
				Str("source", name).
				Str("error_kind", apperr.KindName(err)).
				Msg("Refresh failed")
			continue
		}
		result.Refreshed = append(result.Refreshed, name)
	}
	return result
}

// Latest returns the newest cached entry of a source, or nil when the source
// has never been fetched
func (a *Agent) Latest(ctx context.Context, name string) (*models.CacheEntry, error) {
	if !models.IsCacheSource(name) {
		return nil, apperr.New(apperr.ErrUnknownSource, fmt.Sprintf("source %q", name))
	}
	return a.repository.LatestCacheEntry(ctx, name)
}

// Summary collects the newest payload of every cache source, the last ISS
// position and the catalog size
func (a *Agent) Summary(ctx context.Context) (*models.Summary, error) {
	summary := &models.Summary{}
	targets := map[string]*datatypes.JSON{
		models.SourceAPOD:   &summary.APOD,
		models.SourceNEO:    &summary.NEO,
		models.SourceFLR:    &summary.FLR,
		models.SourceCME:    &summary.CME,
		models.SourceSpaceX: &summary.SpaceX,
	}
	for _, name := range models.CacheSources {
		entry, err := a.repository.LatestCacheEntry(ctx, name)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			*targets[name] = entry.Payload
		}
	}

	rec, err := a.repository.LatestFetchRecord(ctx)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		summary.ISS = iss.ToPosition(rec)
	}

	if summary.OSDRCount, err = a.repository.CountCatalogItems(ctx); err != nil {
		return nil, err
	}
	return summary, nil
}

// CleanupResult reports how many rows retention removed
type CleanupResult struct {
	FetchLog int64            `json:"iss_fetch_log"`
	Cache    map[string]int64 `json:"space_cache"`
}

// Cleanup keeps the keep newest fetch log rows and the keep newest cache rows
// of every source. Errors for one table do not stop the others.
func (a *Agent) Cleanup(ctx context.Context, keep int) (*CleanupResult, error) {
	if keep < 1 {
		return nil, apperr.New(apperr.ErrInvalidInput, "keep must be at least 1")
	}

	result := &CleanupResult{Cache: make(map[string]int64, len(models.CacheSources))}
	var errs []error

	n, err := a.repository.CleanupFetchRecords(ctx, keep)
	if err != nil {
		errs = append(errs, err)
	}
	result.FetchLog = n

	for _, name := range models.CacheSources {
		n, err := a.repository.CleanupCacheEntries(ctx, name, keep)
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", name, err))
			continue
		}
		result.Cache[name] = n
	}

	if err := a.invalidator.DeletePrefix(ctx, ""); err != nil {
		a.log.Warn().Err(err).Msg("Cache invalidation failed")
	}

	a.log.Info().
		Int("keep", keep).
		Int64("iss_fetch_log", result.FetchLog).
		Interface("space_cache", result.Cache).
		Msg("Retention cleanup completed")

	return result, errors.Join(errs...)
}

func (a *Agent) lookup(name string) (source.Source, error) {
	if !models.IsCacheSource(name) {
		return nil, apperr.New(apperr.ErrUnknownSource, fmt.Sprintf("source %q", name))
	}
	return a.sources.Get(name)
}
