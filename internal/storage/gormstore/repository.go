// Package gormstore implements storage.Repository on gorm, backed by SQLite
// (default) or PostgreSQL.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/space-ingest/internal/models"
	"github.com/space-ingest/internal/storage"
	"github.com/space-ingest/pkg/apperr"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Repository implements storage.Repository using gorm
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customizes a Repository.
type Option func(*Repository)

// WithClock replaces the clock used for fetched_at and first_seen_at.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		r.now = now
	}
}

// Open connects to the database for driver and dsn.
func Open(driver, dsn string, opts ...Option) (*Repository, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver != DriverPostgres {
		// SQLite allows one writer; a single connection serializes writers
		// inside database/sql instead of failing with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func ensureDir(dsn string) error {
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return nil
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(
		&models.FetchRecord{},
		&models.CacheEntry{},
		&models.CatalogItem{},
	); err != nil {
		return apperr.Wrap(apperr.ErrStorageFailure, err, "migrate")
	}
	return nil
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return apperr.Wrap(apperr.ErrStorageFailure, err, "ping")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return apperr.Wrap(apperr.ErrStorageFailure, err, "ping")
	}
	return nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Repository) timestamp() time.Time {
	return r.now().UTC()
}

func storageErr(err error, op string) error {
	return apperr.Wrap(apperr.ErrStorageFailure, err, op)
}

// Fetch log operations

func (r *Repository) InsertFetchRecord(ctx context.Context, sourceURL string, payload json.RawMessage) (*models.FetchRecord, error) {
	rec := &models.FetchRecord{
		FetchedAt: r.timestamp(),
		SourceURL: sourceURL,
		Payload:   datatypes.JSON(payload),
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, storageErr(err, "insert iss_fetch_log")
	}
	return rec, nil
}

// LatestFetchRecord returns the newest fetch record, or nil when the log is empty.
func (r *Repository) LatestFetchRecord(ctx context.Context) (*models.FetchRecord, error) {
	var rec models.FetchRecord
	err := r.db.WithContext(ctx).Order("id DESC").Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err, "latest iss_fetch_log")
	}
	return &rec, nil
}

// RecentFetchRecords returns up to limit records, newest first.
func (r *Repository) RecentFetchRecords(ctx context.Context, limit int) ([]*models.FetchRecord, error) {
	var recs []*models.FetchRecord
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, storageErr(err, "recent iss_fetch_log")
	}
	return recs, nil
}

// FetchRecordsBetween returns records fetched in [from, to], oldest first.
func (r *Repository) FetchRecordsBetween(ctx context.Context, from, to time.Time, limit int) ([]*models.FetchRecord, error) {
	var recs []*models.FetchRecord
	query := r.db.WithContext(ctx).
		Where("fetched_at >= ? AND fetched_at <= ?", from.UTC(), to.UTC()).
		Order("fetched_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&recs).Error; err != nil {
		return nil, storageErr(err, "range iss_fetch_log")
	}
	return recs, nil
}

func (r *Repository) CountFetchRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.FetchRecord{}).Count(&n).Error; err != nil {
		return 0, storageErr(err, "count iss_fetch_log")
	}
	return n, nil
}

// CleanupFetchRecords deletes everything but the keep newest records.
func (r *Repository) CleanupFetchRecords(ctx context.Context, keep int) (int64, error) {
	db := r.db.WithContext(ctx)
	newest := db.Model(&models.FetchRecord{}).Select("id").Order("id DESC").Limit(keep)
	res := db.Where("id NOT IN (?)", newest).Delete(&models.FetchRecord{})
	if res.Error != nil {
		return 0, storageErr(res.Error, "cleanup iss_fetch_log")
	}
	return res.RowsAffected, nil
}

// Space cache operations

func (r *Repository) InsertCacheEntry(ctx context.Context, source string, payload json.RawMessage) (*models.CacheEntry, error) {
	entry := &models.CacheEntry{
		Source:    source,
		FetchedAt: r.timestamp(),
		Payload:   datatypes.JSON(payload),
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, storageErr(err, "insert space_cache")
	}
	return entry, nil
}

// LatestCacheEntry returns the newest entry for source, or nil when there is none.
func (r *Repository) LatestCacheEntry(ctx context.Context, source string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := r.db.WithContext(ctx).Where("source = ?", source).Order("id DESC").Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err, "latest space_cache")
	}
	return &entry, nil
}

func (r *Repository) RecentCacheEntries(ctx context.Context, source string, limit int) ([]*models.CacheEntry, error) {
	var entries []*models.CacheEntry
	if err := r.db.WithContext(ctx).
		Where("source = ?", source).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, storageErr(err, "recent space_cache")
	}
	return entries, nil
}

// CleanupCacheEntries deletes everything but the keep newest entries of source.
func (r *Repository) CleanupCacheEntries(ctx context.Context, source string, keep int) (int64, error) {
	db := r.db.WithContext(ctx)
	newest := db.Model(&models.CacheEntry{}).
		Select("id").
		Where("source = ?", source).
		Order("id DESC").
		Limit(keep)
	res := db.Where("source = ? AND id NOT IN (?)", source, newest).Delete(&models.CacheEntry{})
	if res.Error != nil {
		return 0, storageErr(res.Error, "cleanup space_cache")
	}
	return res.RowsAffected, nil
}

// Catalog operations

// UpsertCatalogItem inserts the item or overwrites title, status, updated
// timestamp and raw payload of the row with the same key. first_seen_at is
// only set on insert.
func (r *Repository) UpsertCatalogItem(ctx context.Context, item storage.CatalogUpsert) (uint, error) {
	key, err := item.ResolveKey()
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrInvalidPayload, err, "catalog key")
	}

	var updatedAt *time.Time
	if item.UpdatedAt != nil {
		t := item.UpdatedAt.UTC()
		updatedAt = &t
	}

	row := models.CatalogItem{
		ItemKey:           key,
		Title:             item.Title,
		Status:            item.Status,
		UpstreamUpdatedAt: updatedAt,
		FirstSeenAt:       r.timestamp(),
		Raw:               datatypes.JSON(item.Raw),
	}

	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "status", "upstream_updated_at", "raw"}),
	}).Create(&row).Error; err != nil {
		return 0, storageErr(err, "upsert osdr_items")
	}

	// The id reported for the conflicting branch differs between drivers.
	var ids []uint
	if err := db.Model(&models.CatalogItem{}).
		Where("item_key = ?", key).
		Pluck("id", &ids).Error; err != nil {
		return 0, storageErr(err, "upsert osdr_items")
	}
	if len(ids) == 0 {
		return 0, storageErr(gorm.ErrRecordNotFound, "upsert osdr_items")
	}
	return ids[0], nil
}

// GetCatalogItemByKey returns the item with key, or nil when there is none.
func (r *Repository) GetCatalogItemByKey(ctx context.Context, key string) (*models.CatalogItem, error) {
	var item models.CatalogItem
	err := r.db.WithContext(ctx).Where("item_key = ?", key).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err, "get osdr_items")
	}
	return &item, nil
}

// ListCatalogItems returns items most recently first-seen first.
func (r *Repository) ListCatalogItems(ctx context.Context, filter storage.CatalogFilter) ([]*models.CatalogItem, error) {
	var items []*models.CatalogItem
	query := r.db.WithContext(ctx).Model(&models.CatalogItem{}).
		Order("first_seen_at DESC").
		Order("id DESC")

	// Pagination
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&items).Error; err != nil {
		return nil, storageErr(err, "list osdr_items")
	}
	return items, nil
}

func (r *Repository) CountCatalogItems(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.CatalogItem{}).Count(&n).Error; err != nil {
		return 0, storageErr(err, "count osdr_items")
	}
	return n, nil
}

var _ storage.Repository = (*Repository)(nil)
