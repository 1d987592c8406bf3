// Package osdr syncs the OSDR dataset catalog into the keyed catalog table.
package osdr

import (
	"context"
	"fmt"
	"time"

	"github.com/space-ingest/internal/cache"
	"github.com/space-ingest/internal/metrics"
	"github.com/space-ingest/internal/models"
	"github.com/space-ingest/internal/source"
	"github.com/space-ingest/internal/storage"
	"github.com/space-ingest/pkg/logger"
)

const maxListLimit = 500

// Agent coordinates OSDR catalog syncs
type Agent struct {
	source      source.Source
	repository  storage.Repository
	invalidator cache.Invalidator
	log         *logger.Logger
}

// NewAgent creates a new OSDR agent. invalidator may be nil.
func NewAgent(
	src source.Source,
	repository storage.Repository,
	invalidator cache.Invalidator,
	log *logger.Logger,
) *Agent {
	if invalidator == nil {
		invalidator = cache.Nop{}
	}
	return &Agent{
		source:      src,
		repository:  repository,
		invalidator: invalidator,
		log:         log.WithComponent("osdr").WithSource(src.Name()),
	}
}

// SyncResult contains the results of one sync
type SyncResult struct {
	Written   int           `json:"written"`
	Synthetic int           `json:"synthetic"`
	Duration  time.Duration `json:"duration"`
}

// Sync fetches the catalog and upserts every item. Items without a natural
// key are keyed by content hash. The first storage failure aborts the sync;
// items written before it stay written.
func (a *Agent) Sync(ctx context.Context) (*SyncResult, error) {
	startTime := time.Now()
	result := &SyncResult{}

	payload, err := a.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	items := source.Items(payload)
	a.log.Debug().Int("items", len(items)).Msg("Fetched catalog")

	for _, item := range items {
		upsert := storage.CatalogUpsert{
			NaturalKey: source.CatalogKeyFields.String(item),
			Title:      source.CatalogTitleFields.String(item),
			Status:     source.CatalogStatusFields.String(item),
			UpdatedAt:  source.CatalogUpdatedFields.Time(item),
			Raw:        source.RawBytes(item),
		}
		if upsert.NaturalKey == nil {
			result.Synthetic++
		}

		if _, err := a.repository.UpsertCatalogItem(ctx, upsert); err != nil {
			a.invalidate(ctx)
			return result, fmt.Errorf("upsert catalog item %d of %d: %w", result.Written+1, len(items), err)
		}
		result.Written++
	}
	metrics.StoredRecords.WithLabelValues(models.CatalogItem{}.TableName()).Add(float64(result.Written))

	a.invalidate(ctx)
	result.Duration = time.Since(startTime)

	a.log.Info().
		Int("written", result.Written).
		Int("synthetic_keys", result.Synthetic).
		Dur("duration", result.Duration).
		Msg("Catalog sync completed")

	return result, nil
}

// List returns one page of catalog items, most recently first-seen first
func (a *Agent) List(ctx context.Context, limit, offset int) ([]*models.CatalogItem, error) {
	filter := storage.DefaultCatalogFilter()
	if limit > 0 {
		filter.Limit = min(limit, maxListLimit)
	}
	if offset > 0 {
		filter.Offset = offset
	}
	return a.repository.ListCatalogItems(ctx, filter)
}

// Count returns the number of catalog items
func (a *Agent) Count(ctx context.Context) (int64, error) {
	return a.repository.CountCatalogItems(ctx)
}

func (a *Agent) invalidate(ctx context.Context) {
	if err := a.invalidator.DeletePrefix(ctx, cache.PrefixOSDRList); err != nil {
		a.log.Warn().Err(err).Msg("Cache invalidation failed")
	}
	if err := a.invalidator.Delete(ctx, cache.KeySummary); err != nil {
		a.log.Warn().Err(err).Msg("Cache invalidation failed")
	}
}
