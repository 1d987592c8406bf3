package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Fetcher performs one resilient JSON GET. *fetcher.Client satisfies it.
type Fetcher interface {
	GetJSON(ctx context.Context, rawURL string, query url.Values) (json.RawMessage, error)
}

// QueryFunc builds the query string of one request. It runs on every fetch
// so date windows track the current day.
type QueryFunc func() url.Values

// Endpoint is a Source backed by a single GET endpoint
type Endpoint struct {
	name  string
	url   string
	fetch Fetcher
	query QueryFunc
}

// NewEndpoint creates a Source that GETs rawURL through fetch. query may be nil.
func NewEndpoint(name, rawURL string, fetch Fetcher, query QueryFunc) *Endpoint {
	return &Endpoint{
		name:  name,
		url:   rawURL,
		fetch: fetch,
		query: query,
	}
}

// Name returns the source tag
func (e *Endpoint) Name() string {
	return e.name
}

// URL returns the endpoint URL without the per-request query
func (e *Endpoint) URL() string {
	return e.url
}

// Fetch retrieves the current payload
func (e *Endpoint) Fetch(ctx context.Context) (json.RawMessage, error) {
	var q url.Values
	if e.query != nil {
		q = e.query()
	}
	payload, err := e.fetch.GetJSON(ctx, e.url, q)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", e.name, err)
	}
	return payload, nil
}
