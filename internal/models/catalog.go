package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// SyntheticKeyPrefix marks catalog keys derived from payload content rather
// than supplied by the upstream.
const SyntheticKeyPrefix = "syn:"

// CatalogItem is an upserted OSDR dataset. ItemKey is unique: either the
// upstream dataset id or a synthetic content hash.
type CatalogItem struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	ItemKey           string         `gorm:"size:255;uniqueIndex:ux_osdr_item_key;not null" json:"item_key"`
	Title             *string        `json:"title"`
	Status            *string        `json:"status"`
	UpstreamUpdatedAt *time.Time     `json:"updated_at"`
	FirstSeenAt       time.Time      `gorm:"not null;index" json:"inserted_at"`
	Raw               datatypes.JSON `gorm:"not null" json:"raw"`
}

// TableName keeps the catalog table name stable across drivers
func (CatalogItem) TableName() string {
	return "osdr_items"
}

// HasSyntheticKey reports whether the item was keyed by content hash
func (c *CatalogItem) HasSyntheticKey() bool {
	return strings.HasPrefix(c.ItemKey, SyntheticKeyPrefix)
}
