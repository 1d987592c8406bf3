package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/space-ingest/internal/agent/osdr"
	"github.com/space-ingest/internal/agent/space"
	"github.com/space-ingest/internal/cache"
	"github.com/space-ingest/internal/models"
	"github.com/space-ingest/pkg/apperr"
)

const (
	jobISS  = "iss"
	jobOSDR = "osdr"

	pingTimeout = 2 * time.Second
)

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Database  string    `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   s.cfg.Version,
		Database:  "ok",
	}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Health check: store unreachable")
			resp.Status = "degraded"
			resp.Database = "unreachable"
		}
	}
	writeData(w, resp)
}

func (s *Server) handleSchedulerState(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.deps.Runner.States())
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	data, err := s.cached(r.Context(), cache.KeyISSLast, func(ctx context.Context) (any, error) {
		pos, err := s.deps.ISS.Last(ctx)
		if err != nil {
			return nil, err
		}
		if pos == nil {
			return map[string]string{"message": "no data"}, nil
		}
		return pos, nil
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeData(w, data)
}

// handleFetch runs the ISS job now and returns the position it stored
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := detach(r)
	defer cancel()

	var pos *models.Position
	err := s.deps.Runner.Do(ctx, jobISS, func(ctx context.Context) error {
		var err error
		pos, err = s.deps.ISS.FetchAndStore(ctx)
		return err
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeData(w, pos)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	data, err := s.cached(r.Context(), cache.KeyISSTrend, func(ctx context.Context) (any, error) {
		return s.deps.ISS.Trend(ctx)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeData(w, data)
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	to := time.Now().UTC()
	from := to.Add(-time.Hour)
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, r, s.log, apperr.Wrap(apperr.ErrInvalidInput, err, "from must be RFC3339"))
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, r, s.log, apperr.Wrap(apperr.ErrInvalidInput, err, "to must be RFC3339"))
			return
		}
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	positions, err := s.deps.ISS.Range(r.Context(), from, to, limit)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeData(w, map[string]any{
		"from":  from,
		"to":    to,
		"items": positions,
	})
}

// handleOSDRSync runs the catalog job now and reports the sync result
func (s *Server) handleOSDRSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := detach(r)
	defer cancel()

	var result *osdr.SyncResult
	err := s.deps.Runner.Do(ctx, jobOSDR, func(ctx context.Context) error {
		var err error
		result, err = s.deps.Catalog.Sync(ctx)
		return err
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeData(w, result)
}

type catalogPage struct {
	Items []*models.CatalogItem `json:"items"`
	Total int64                 `json:"total"`
}

func (s *Server) handleOSDRList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), s.cfg.ListLimit)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	data, err := s.cached(r.Context(), cache.KeyOSDRList(limit, offset), func(ctx context.Context) (any, error) {
		items, err := s.deps.Catalog.List(ctx, limit, offset)
		if err != nil {
			return nil, err
		}
		total, err := s.deps.Catalog.Count(ctx)
		if err != nil {
			return nil, err
		}
		return catalogPage{Items: items, Total: total}, nil
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeData(w, data)
}

type latestResponse struct {
	Source    string          `json:"source"`
	FetchedAt *time.Time      `json:"fetched_at"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	src := strings.ToLower(chi.URLParam(r, "src"))
	if !models.IsCacheSource(src) {
		writeError(w, r, s.log, apperr.New(apperr.ErrUnknownSource, fmt.Sprintf("source %q", src)))
		return
	}

	data, err := s.cached(r.Context(), cache.KeyLatest(src), func(ctx context.Context) (any, error) {
		entry, err := s.deps.Space.Latest(ctx, src)
		if err != nil {
			return nil, err
		}
		resp := latestResponse{Source: src, Payload: json.RawMessage("null")}
		if entry != nil {
			resp.FetchedAt = &entry.FetchedAt
			resp.Payload = json.RawMessage(entry.Payload)
		}
		return resp, nil
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeData(w, data)
}

// handleRefresh runs the named cache sources through the scheduler, one at a
// time. Failures are reported per source and do not stop the rest.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	names := parseSources(r.URL.Query().Get("src"))
	result := &space.RefreshResult{Refreshed: make([]string, 0, len(names))}

	ctx, cancel := detach(r)
	defer cancel()

	for _, name := range names {
		var err error
		if models.IsCacheSource(name) {
			err = s.deps.Runner.Trigger(ctx, name)
		} else {
			err = apperr.New(apperr.ErrUnknownSource, fmt.Sprintf("source %q", name))
		}
		if err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[name] = err.Error()
			continue
		}
		result.Refreshed = append(result.Refreshed, name)
	}
	writeData(w, result)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	data, err := s.cached(r.Context(), cache.KeySummary, func(ctx context.Context) (any, error) {
		return s.deps.Space.Summary(ctx)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeData(w, data)
}

// detach returns a context for a manual run that outlives the request. A run
// that has started finishes even if the client goes away.
func detach(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), triggerTimeout)
}

// cached serves key from the read cache, loading and encoding it on a miss
func (s *Server) cached(ctx context.Context, key string, load func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	encode := func(ctx context.Context) ([]byte, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}
	if s.deps.Reader == nil {
		return encode(ctx)
	}
	return s.deps.Reader.GetOrLoad(ctx, key, encode)
}

// parseSources splits a comma separated source list. An empty list means
// every cache source.
func parseSources(raw string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	if len(names) == 0 {
		return append([]string(nil), models.CacheSources...)
	}
	return names
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.ErrInvalidInput, fmt.Sprintf("%q is not a non-negative integer", raw))
	}
	return n, nil
}
