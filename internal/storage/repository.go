package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/space-ingest/internal/models"
)

// Repository defines the interface for data persistence
type Repository interface {
	// Fetch log (append-only)
	InsertFetchRecord(ctx context.Context, sourceURL string, payload json.RawMessage) (*models.FetchRecord, error)
	LatestFetchRecord(ctx context.Context) (*models.FetchRecord, error)
	RecentFetchRecords(ctx context.Context, limit int) ([]*models.FetchRecord, error)
	FetchRecordsBetween(ctx context.Context, from, to time.Time, limit int) ([]*models.FetchRecord, error)
	CountFetchRecords(ctx context.Context) (int64, error)
	CleanupFetchRecords(ctx context.Context, keep int) (int64, error)

	// Space cache (append-only, tagged by source)
	InsertCacheEntry(ctx context.Context, source string, payload json.RawMessage) (*models.CacheEntry, error)
	LatestCacheEntry(ctx context.Context, source string) (*models.CacheEntry, error)
	RecentCacheEntries(ctx context.Context, source string, limit int) ([]*models.CacheEntry, error)
	CleanupCacheEntries(ctx context.Context, source string, keep int) (int64, error)

	// Catalog (upserted by key)
	UpsertCatalogItem(ctx context.Context, item CatalogUpsert) (uint, error)
	GetCatalogItemByKey(ctx context.Context, key string) (*models.CatalogItem, error)
	ListCatalogItems(ctx context.Context, filter CatalogFilter) ([]*models.CatalogItem, error)
	CountCatalogItems(ctx context.Context) (int64, error)

	// Maintenance
	Ping(ctx context.Context) error
	Close() error
	Migrate() error
}

// CatalogUpsert carries one catalog item to insert or update. A nil
// NaturalKey makes the store derive a synthetic key from Raw.
type CatalogUpsert struct {
	NaturalKey *string
	Title      *string
	Status     *string
	UpdatedAt  *time.Time
	Raw        json.RawMessage
}

// CatalogFilter defines paging options for catalog listings
type CatalogFilter struct {
	Limit  int
	Offset int
}

// DefaultCatalogFilter returns a filter with sensible defaults
func DefaultCatalogFilter() CatalogFilter {
	return CatalogFilter{
		Limit: 50,
	}
}

// ResolveKey returns the natural key when present and non-empty, otherwise
// the synthetic key of raw.
func (u CatalogUpsert) ResolveKey() (string, error) {
	if u.NaturalKey != nil && *u.NaturalKey != "" {
		return *u.NaturalKey, nil
	}
	return SyntheticKey(u.Raw)
}

// SyntheticKey derives a stable key from the canonical form of a JSON
// payload: numbers are kept verbatim and object keys are sorted, so the same
// content always hashes the same regardless of upstream field order or
// whitespace.
func SyntheticKey(raw json.RawMessage) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return models.SyntheticKeyPrefix + hex.EncodeToString(sum[:16]), nil
}

// Canonicalize re-encodes raw with sorted object keys and no insignificant
// whitespace.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
