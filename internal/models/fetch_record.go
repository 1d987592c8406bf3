package models

import (
	"time"

	"gorm.io/datatypes"
)

// FetchRecord is one successful ISS position fetch. Rows are append-only.
type FetchRecord struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	FetchedAt time.Time      `gorm:"index:ix_iss_fetched_at,sort:desc;not null" json:"fetched_at"`
	SourceURL string         `gorm:"not null" json:"source_url"`
	Payload   datatypes.JSON `gorm:"not null" json:"payload"`
}

// TableName keeps the fetch log table name stable across drivers
func (FetchRecord) TableName() string {
	return "iss_fetch_log"
}

// Position is a FetchRecord with the coordinates pulled out of the payload.
// Fields are nil when the upstream omitted them.
type Position struct {
	ID        uint           `json:"id"`
	FetchedAt time.Time      `json:"fetched_at"`
	SourceURL string         `json:"source_url"`
	Latitude  *float64       `json:"latitude"`
	Longitude *float64       `json:"longitude"`
	Altitude  *float64       `json:"altitude"`
	Velocity  *float64       `json:"velocity"`
	Payload   datatypes.JSON `json:"payload"`
}

// Trend describes ISS movement between the two most recent positions
type Trend struct {
	Movement    bool       `json:"movement"`
	DeltaKm     float64    `json:"delta_km"`
	DtSec       float64    `json:"dt_sec"`
	VelocityKmh *float64   `json:"velocity_kmh,omitempty"`
	FromTime    *time.Time `json:"from_time,omitempty"`
	ToTime      *time.Time `json:"to_time,omitempty"`
	FromLat     *float64   `json:"from_lat,omitempty"`
	FromLon     *float64   `json:"from_lon,omitempty"`
	ToLat       *float64   `json:"to_lat,omitempty"`
	ToLon       *float64   `json:"to_lon,omitempty"`
}
