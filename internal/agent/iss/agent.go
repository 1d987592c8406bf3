// Package iss stores ISS position fetches and derives positions and the
// movement trend from the fetch log.
package iss

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"

	"github.com/space-ingest/internal/cache"
	"github.com/space-ingest/internal/metrics"
	"github.com/space-ingest/internal/models"
	"github.com/space-ingest/internal/source"
	"github.com/space-ingest/internal/storage"
	"github.com/space-ingest/pkg/apperr"
	"github.com/space-ingest/pkg/logger"
)

const (
	earthRadiusKm = 6371.0

	// movementThresholdKm is the distance below which two fixes count as
	// the same position.
	movementThresholdKm = 0.1

	maxRangeRecords = 1000
)

// Agent coordinates ISS position ingestion
type Agent struct {
	source      source.Source
	repository  storage.Repository
	invalidator cache.Invalidator
	log         *logger.Logger
}

// NewAgent creates a new ISS agent. invalidator may be nil.
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
		log:         log.WithComponent("iss").WithSource(src.Name()),
	}
}

// FetchAndStore fetches the current position and appends it to the fetch log
func (a *Agent) FetchAndStore(ctx context.Context) (*models.Position, error) {
	payload, err := a.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := a.repository.InsertFetchRecord(ctx, a.source.URL(), payload)
	if err != nil {
		return nil, fmt.Errorf("store iss position: %w", err)
	}
	metrics.StoredRecords.WithLabelValues(rec.TableName()).Inc()

	if err := a.invalidator.Delete(ctx, cache.KeyISSLast, cache.KeyISSTrend, cache.KeySummary); err != nil {
		a.log.Warn().Err(err).Msg("Cache invalidation failed")
	}

	pos := ToPosition(rec)
	a.log.Info().
		Uint("id", rec.ID).
		Interface("latitude", pos.Latitude).
		Interface("longitude", pos.Longitude).
		Msg("Stored ISS position")
	return pos, nil
}

// Last returns the most recent position, or nil when nothing was fetched yet
func (a *Agent) Last(ctx context.Context) (*models.Position, error) {
	rec, err := a.repository.LatestFetchRecord(ctx)
	if err != nil || rec == nil {
		return nil, err
	}
	return ToPosition(rec), nil
}

// Trend compares the two most recent positions. With fewer than two records
// it reports no movement.
func (a *Agent) Trend(ctx context.Context) (*models.Trend, error) {
	recs, err := a.repository.RecentFetchRecords(ctx, 2)
	if err != nil {
		return nil, err
	}
	if len(recs) < 2 {
		return &models.Trend{}, nil
	}
	return Compare(ToPosition(recs[1]), ToPosition(recs[0])), nil
}

// Range returns positions fetched between from and to, oldest first
func (a *Agent) Range(ctx context.Context, from, to time.Time, limit int) ([]*models.Position, error) {
	if to.Before(from) {
		return nil, apperr.New(apperr.ErrInvalidInput, "range end is before range start")
	}
	if limit <= 0 || limit > maxRangeRecords {
		limit = maxRangeRecords
	}

	recs, err := a.repository.FetchRecordsBetween(ctx, from, to, limit)
	if err != nil {
		return nil, err
	}
	positions := make([]*models.Position, 0, len(recs))
	for _, rec := range recs {
		positions = append(positions, ToPosition(rec))
	}
	return positions, nil
}

// Compare builds the trend from an earlier to a later position
func Compare(prev, cur *models.Position) *models.Trend {
	trend := &models.Trend{
		DtSec:       cur.FetchedAt.Sub(prev.FetchedAt).Seconds(),
		VelocityKmh: cur.Velocity,
		FromTime:    &prev.FetchedAt,
		ToTime:      &cur.FetchedAt,
		FromLat:     prev.Latitude,
		FromLon:     prev.Longitude,
		ToLat:       cur.Latitude,
		ToLon:       cur.Longitude,
	}

	if prev.Latitude != nil && prev.Longitude != nil && cur.Latitude != nil && cur.Longitude != nil {
		trend.DeltaKm = Haversine(*prev.Latitude, *prev.Longitude, *cur.Latitude, *cur.Longitude)
		trend.Movement = trend.DeltaKm > movementThresholdKm
	}
	return trend
}

// ToPosition extracts coordinates from a fetch record payload
func ToPosition(rec *models.FetchRecord) *models.Position {
	doc := gjson.ParseBytes(rec.Payload)
	return &models.Position{
		ID:        rec.ID,
		FetchedAt: rec.FetchedAt,
		SourceURL: rec.SourceURL,
		Latitude:  source.LatitudeFields.Float(doc),
		Longitude: source.LongitudeFields.Float(doc),
		Altitude:  source.AltitudeFields.Float(doc),
		Velocity:  source.VelocityFields.Float(doc),
		Payload:   rec.Payload,
	}
}

// Haversine returns the great-circle distance in kilometers
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	h := math.Pow(math.Sin(dlat/2), 2) + math.Cos(rlat1)*math.Cos(rlat2)*math.Pow(math.Sin(dlon/2), 2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
