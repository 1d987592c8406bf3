// Package nasa provides the NASA upstreams: the OSDR dataset catalog, the
// astronomy picture of the day, the near-earth-object feed and the DONKI
// solar flare and coronal mass ejection notifications.
package nasa

import (
	"net/url"
	"strings"
	"time"

	"github.com/space-ingest/internal/models"
	"github.com/space-ingest/internal/source"
)

// Default endpoints
const (
	DefaultOSDRURL  = "https://visualization.osdr.nasa.gov/biodata/api/v2/datasets/?format=json"
	DefaultAPODURL  = "https://api.nasa.gov/planetary/apod"
	DefaultNEOURL   = "https://api.nasa.gov/neo/rest/v1/feed"
	DefaultDONKIURL = "https://api.nasa.gov/DONKI"

	SourceOSDR = "osdr"

	dateLayout = "2006-01-02"
)

// Config holds NASA endpoint settings. Empty URLs fall back to the defaults.
type Config struct {
	APIKey    string
	OSDRURL   string
	APODURL   string
	NEOURL    string
	DONKIURL  string
	NEODays   int // days before today covered by the NEO feed
	DONKIDays int // days before today covered by DONKI queries
}

// Client builds the NASA sources on top of one shared fetcher
type Client struct {
	fetch source.Fetcher
	cfg   Config
	now   func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithClock replaces the clock used for date windows.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a NASA client
func New(fetch source.Fetcher, cfg Config, opts ...Option) *Client {
	if cfg.OSDRURL == "" {
		cfg.OSDRURL = DefaultOSDRURL
	}
	if cfg.APODURL == "" {
		cfg.APODURL = DefaultAPODURL
	}
	if cfg.NEOURL == "" {
		cfg.NEOURL = DefaultNEOURL
	}
	if cfg.DONKIURL == "" {
		cfg.DONKIURL = DefaultDONKIURL
	}
	if cfg.NEODays <= 0 {
		cfg.NEODays = 2
	}
	if cfg.DONKIDays <= 0 {
		cfg.DONKIDays = 5
	}

	c := &Client{fetch: fetch, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OSDR returns the dataset catalog source. The configured URL is used as is.
func (c *Client) OSDR() *source.Endpoint {
	return source.NewEndpoint(SourceOSDR, c.cfg.OSDRURL, c.fetch, nil)
}

// APOD returns the astronomy picture of the day source
func (c *Client) APOD() *source.Endpoint {
	return source.NewEndpoint(models.SourceAPOD, c.cfg.APODURL, c.fetch, func() url.Values {
		q := url.Values{}
		q.Set("thumbs", "true")
		c.withKey(q)
		return q
	})
}

// NEO returns the near-earth-object feed for the last NEODays days
func (c *Client) NEO() *source.Endpoint {
	return source.NewEndpoint(models.SourceNEO, c.cfg.NEOURL, c.fetch, func() url.Values {
		from, to := c.window(c.cfg.NEODays)
		q := url.Values{}
		q.Set("start_date", from)
		q.Set("end_date", to)
		c.withKey(q)
		return q
	})
}

// Flares returns the DONKI solar flare source
func (c *Client) Flares() *source.Endpoint {
	return c.donki(models.SourceFLR, "FLR")
}

// CoronalMassEjections returns the DONKI coronal mass ejection source
func (c *Client) CoronalMassEjections() *source.Endpoint {
	return c.donki(models.SourceCME, "CME")
}

// Sources returns every NASA source
func (c *Client) Sources() []source.Source {
	return []source.Source{c.OSDR(), c.APOD(), c.NEO(), c.Flares(), c.CoronalMassEjections()}
}

func (c *Client) donki(name, kind string) *source.Endpoint {
	endpoint := strings.TrimRight(c.cfg.DONKIURL, "/") + "/" + kind
	return source.NewEndpoint(name, endpoint, c.fetch, func() url.Values {
		from, to := c.window(c.cfg.DONKIDays)
		q := url.Values{}
		q.Set("startDate", from)
		q.Set("endDate", to)
		c.withKey(q)
		return q
	})
}

// window returns the UTC calendar days [today-days, today].
func (c *Client) window(days int) (string, string) {
	today := c.now().UTC()
	return today.AddDate(0, 0, -days).Format(dateLayout), today.Format(dateLayout)
}

func (c *Client) withKey(q url.Values) {
	if c.cfg.APIKey != "" {
		q.Set("api_key", c.cfg.APIKey)
	}
}
