package source

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Candidates is an ordered list of field names that may carry the same
// value under different upstream schemas. The first usable field wins.
type Candidates []string

// Field lists used to pull catalog attributes out of OSDR items.
var (
	CatalogKeyFields     = Candidates{"dataset_id", "id", "uuid", "studyId", "accession", "osdr_id"}
	CatalogTitleFields   = Candidates{"title", "name", "label"}
	CatalogStatusFields  = Candidates{"status", "state", "lifecycle"}
	CatalogUpdatedFields = Candidates{"updated", "updated_at", "modified", "lastUpdated", "timestamp"}
)

// Position fields of an ISS payload.
var (
	LatitudeFields  = Candidates{"latitude", "lat"}
	LongitudeFields = Candidates{"longitude", "lon", "lng"}
	AltitudeFields  = Candidates{"altitude", "alt"}
	VelocityFields  = Candidates{"velocity", "speed"}
)

const naiveLayout = "2006-01-02 15:04:05"

// String returns the first non-empty string field, or the JSON text of the
// first numeric field.
func (c Candidates) String(item gjson.Result) *string {
	for _, key := range c {
		v := item.Get(gjson.Escape(key))
		switch v.Type {
		case gjson.String:
			if v.Str != "" {
				s := v.Str
				return &s
			}
		case gjson.Number:
			s := v.Raw
			return &s
		}
	}
	return nil
}

// Time returns the first field that parses as a timestamp. Strings may be
// RFC 3339 or "2006-01-02 15:04:05" in UTC; integers are unix seconds.
func (c Candidates) Time(item gjson.Result) *time.Time {
	for _, key := range c {
		v := item.Get(gjson.Escape(key))
		switch v.Type {
		case gjson.String:
			if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
				t = t.UTC()
				return &t
			}
			if t, err := time.ParseInLocation(naiveLayout, v.Str, time.UTC); err == nil {
				return &t
			}
		case gjson.Number:
			if n, err := strconv.ParseInt(v.Raw, 10, 64); err == nil {
				t := time.Unix(n, 0).UTC()
				return &t
			}
		}
	}
	return nil
}

// Float returns the first field holding a number or a numeric string.
func (c Candidates) Float(item gjson.Result) *float64 {
	for _, key := range c {
		v := item.Get(gjson.Escape(key))
		switch v.Type {
		case gjson.Number:
			f := v.Num
			return &f
		case gjson.String:
			if f, err := strconv.ParseFloat(v.Str, 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

// Items splits a list payload into its elements. A top-level array, an
// "items" array or a "results" array are unwrapped; any other value is a
// single item.
func Items(raw json.RawMessage) []gjson.Result {
	doc := gjson.ParseBytes(raw)
	if doc.IsArray() {
		return doc.Array()
	}
	for _, wrapper := range []string{"items", "results"} {
		if v := doc.Get(wrapper); v.IsArray() {
			return v.Array()
		}
	}
	return []gjson.Result{doc}
}

// RawBytes returns the JSON text of r as a standalone payload.
func RawBytes(r gjson.Result) json.RawMessage {
	return json.RawMessage(r.Raw)
}
