// Package iss provides the current ISS position upstream.
package iss

import (
	"github.com/space-ingest/internal/source"
)

const (
	// DefaultURL reports the position of NORAD object 25544
	DefaultURL = "https://api.wheretheiss.at/v1/satellites/25544"

	SourceName = "iss"
)

// New returns the ISS position source. An empty url selects DefaultURL.
func New(fetch source.Fetcher, url string) *source.Endpoint {
	if url == "" {
		url = DefaultURL
	}
	return source.NewEndpoint(SourceName, url, fetch, nil)
}
