// Package spacex provides the next SpaceX launch upstream.
package spacex

import (
	"github.com/space-ingest/internal/models"
	"github.com/space-ingest/internal/source"
)

// DefaultURL returns the next scheduled launch
const DefaultURL = "https://api.spacexdata.com/v4/launches/next"

// New returns the next-launch source. An empty url selects DefaultURL.
func New(fetch source.Fetcher, url string) *source.Endpoint {
	if url == "" {
		url = DefaultURL
	}
	return source.NewEndpoint(models.SourceSpaceX, url, fetch, nil)
}
