package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/space-ingest/pkg/apperr"
)

// Source is one upstream feed. Fetch returns the raw JSON payload exactly as
// the upstream sent it.
type Source interface {
	// Name returns the source tag (iss, osdr, apod, neo, flr, cme, spacex)
	Name() string

	// URL returns the endpoint the source fetches, without credentials
	URL() string

	// Fetch retrieves the current payload
	Fetch(ctx context.Context) (json.RawMessage, error)
}

// Manager keeps the registered sources by tag
type Manager struct {
	sources map[string]Source
}

// NewManager creates a new source manager
func NewManager(sources ...Source) *Manager {
	m := &Manager{
		sources: make(map[string]Source, len(sources)),
	}
	for _, s := range sources {
		m.Register(s)
	}
	return m
}

// Register adds a source, replacing any source with the same tag
func (m *Manager) Register(s Source) {
	m.sources[s.Name()] = s
}

// Get returns the source registered under name
func (m *Manager) Get(name string) (Source, error) {
	s, ok := m.sources[name]
	if !ok {
		return nil, apperr.New(apperr.ErrUnknownSource, fmt.Sprintf("source %q", name))
	}
	return s, nil
}

// Names returns the registered tags in sorted order
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
