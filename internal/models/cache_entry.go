package models

import (
	"time"

	"gorm.io/datatypes"
)

// Source tags stored in the space cache
const (
	SourceAPOD   = "apod"
	SourceNEO    = "neo"
	SourceFLR    = "flr"
	SourceCME    = "cme"
	SourceSpaceX = "spacex"
)

// CacheSources lists every tag the space cache accepts, in summary order.
var CacheSources = []string{SourceAPOD, SourceNEO, SourceFLR, SourceCME, SourceSpaceX}

// IsCacheSource reports whether tag is a known space cache source
func IsCacheSource(tag string) bool {
	for _, s := range CacheSources {
		if s == tag {
			return true
		}
	}
	return false
}

// CacheEntry is one raw upstream payload for a tagged source. The ID doubles
// as the per-table sequence, so ordering by ID is fetch order.
type CacheEntry struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Source    string         `gorm:"size:32;not null;index:ix_space_cache_source,priority:1" json:"source"`
	FetchedAt time.Time      `gorm:"not null;index:ix_space_cache_source,priority:2,sort:desc" json:"fetched_at"`
	Payload   datatypes.JSON `gorm:"not null" json:"payload"`
}

// TableName keeps the cache table name stable across drivers
func (CacheEntry) TableName() string {
	return "space_cache"
}

// Summary is the latest payload of every cached source plus ISS and catalog
// figures. Missing sources are nil.
type Summary struct {
	APOD      datatypes.JSON `json:"apod"`
	NEO       datatypes.JSON `json:"neo"`
	FLR       datatypes.JSON `json:"flr"`
	CME       datatypes.JSON `json:"cme"`
	SpaceX    datatypes.JSON `json:"spacex"`
	ISS       *Position      `json:"iss"`
	OSDRCount int64          `json:"osdr_count"`
}
