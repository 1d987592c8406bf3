package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/space-ingest/internal/agent/iss"
	"github.com/space-ingest/internal/agent/osdr"
	"github.com/space-ingest/internal/agent/space"
	"github.com/space-ingest/internal/cache"
	"github.com/space-ingest/internal/models"
	"github.com/space-ingest/internal/scheduler"
	"github.com/space-ingest/internal/source"
	"github.com/space-ingest/internal/storage/gormstore"
	"github.com/space-ingest/pkg/apperr"
	"github.com/space-ingest/pkg/logger"
	"github.com/space-ingest/pkg/ratelimit"
)

type fakeSource struct {
	name string

	mu       sync.Mutex
	payloads []string
	err      error
	calls    int
}

func newFakeSource(name string, payloads ...string) *fakeSource {
	return &fakeSource{name: name, payloads: payloads}
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) URL() string  { return "https://example.test/" + f.name }

func (f *fakeSource) Fetch(context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	payload := f.payloads[min(f.calls, len(f.payloads)-1)]
	f.calls++
	return json.RawMessage(payload), nil
}

type harness struct {
	server  *Server
	deps    Deps
	sched   *scheduler.Scheduler
	repo    *gormstore.Repository
	sources map[string]*fakeSource
}

func newHarness(t *testing.T, gate *ratelimit.Gate) *harness {
	t.Helper()
	log := logger.Nop()

	repo, err := gormstore.Open(gormstore.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := repo.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	reader := cache.NewReader(cache.NewLRU(64, time.Minute), log)

	h := &harness{repo: repo, sources: map[string]*fakeSource{
		"iss": newFakeSource("iss",
			`{"latitude":10.0,"longitude":20.0,"altitude":420.1,"velocity":27600.5}`,
			`{"latitude":11.0,"longitude":21.0,"altitude":420.3,"velocity":27601.0}`),
		"osdr": newFakeSource("osdr",
			`[{"dataset_id":"OSD-1","title":"Rodent Research"},{"dataset_id":"OSD-2","title":"Plant Habitat"}]`),
	}}
	var cacheSources []source.Source
	for _, name := range models.CacheSources {
		src := newFakeSource(name, `{"source":"`+name+`"}`)
		h.sources[name] = src
		cacheSources = append(cacheSources, src)
	}

	issAgent := iss.NewAgent(h.sources["iss"], repo, reader, log)
	osdrAgent := osdr.NewAgent(h.sources["osdr"], repo, reader, log)
	spaceAgent := space.NewAgent(source.NewManager(cacheSources...), repo, reader, log)

	refresh := func(name string) scheduler.Step {
		return scheduler.Step{Name: name, Run: func(ctx context.Context) error {
			_, err := spaceAgent.Refresh(ctx, name)
			return err
		}}
	}
	sched, err := scheduler.New([]scheduler.Job{
		{Name: "iss", Interval: time.Hour, Steps: []scheduler.Step{{Name: "iss", Run: func(ctx context.Context) error {
			_, err := issAgent.FetchAndStore(ctx)
			return err
		}}}},
		{Name: "osdr", Interval: time.Hour, Steps: []scheduler.Step{{Name: "osdr", Run: func(ctx context.Context) error {
			_, err := osdrAgent.Sync(ctx)
			return err
		}}}},
		{Name: "apod", Interval: time.Hour, Steps: []scheduler.Step{refresh(models.SourceAPOD)}},
		{Name: "neo", Interval: time.Hour, Steps: []scheduler.Step{refresh(models.SourceNEO)}},
		{Name: "donki", Interval: time.Hour, Steps: []scheduler.Step{refresh(models.SourceFLR), refresh(models.SourceCME)}},
		{Name: "spacex", Interval: time.Hour, Steps: []scheduler.Step{refresh(models.SourceSpaceX)}},
	}, log)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}

	h.sched = sched
	h.deps = Deps{
		ISS:     issAgent,
		Catalog: osdrAgent,
		Space:   spaceAgent,
		Runner:  sched,
		Store:   repo,
		Reader:  reader,
		Gate:    gate,
	}
	h.server = New(Config{Version: "test"}, h.deps, log)
	return h
}

type testEnvelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

func (h *harness) do(t *testing.T, method, path string, header ...string) (int, testEnvelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	var env testEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode body %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	status, env := h.do(t, http.MethodGet, "/health")
	if status != http.StatusOK || !env.OK {
		t.Fatalf("status = %d, ok = %v", status, env.OK)
	}
	health := decode[healthResponse](t, env.Data)
	if health.Status != "ok" || health.Version != "test" || health.Timestamp.IsZero() {
		t.Errorf("health = %+v", health)
	}
}

func TestLast_NoData(t *testing.T) {
	h := newHarness(t, nil)

	_, env := h.do(t, http.MethodGet, "/last")
	if got := decode[map[string]string](t, env.Data); got["message"] != "no data" {
		t.Errorf("data = %s", env.Data)
	}
}

func TestFetch_StoresAndRefreshesCachedLast(t *testing.T) {
	h := newHarness(t, nil)

	// Prime the cache with the empty answer; the fetch must invalidate it.
	h.do(t, http.MethodGet, "/last")

	status, env := h.do(t, http.MethodPost, "/fetch")
	if status != http.StatusOK {
		t.Fatalf("fetch status = %d, error = %+v", status, env.Error)
	}
	fetched := decode[models.Position](t, env.Data)
	if fetched.Latitude == nil || *fetched.Latitude != 10.0 {
		t.Errorf("fetched = %s", env.Data)
	}

	_, env = h.do(t, http.MethodGet, "/last")
	last := decode[models.Position](t, env.Data)
	if last.ID != fetched.ID || last.Longitude == nil || *last.Longitude != 20.0 {
		t.Errorf("last = %s", env.Data)
	}
}

func TestTrend(t *testing.T) {
	h := newHarness(t, nil)

	_, env := h.do(t, http.MethodGet, "/iss/trend")
	if trend := decode[models.Trend](t, env.Data); trend.Movement {
		t.Errorf("expected no movement without data, got %s", env.Data)
	}

	h.do(t, http.MethodGet, "/fetch")
	h.do(t, http.MethodGet, "/fetch")

	_, env = h.do(t, http.MethodGet, "/iss/trend")
	trend := decode[models.Trend](t, env.Data)
	if !trend.Movement || trend.DeltaKm < 100 {
		t.Errorf("trend = %s", env.Data)
	}
	if trend.ToLat == nil || *trend.ToLat != 11.0 {
		t.Errorf("to_lat = %v", trend.ToLat)
	}
}

func TestRange(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/fetch")
	h.do(t, http.MethodGet, "/fetch")

	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	status, env := h.do(t, http.MethodGet, "/iss/range?from="+from+"&to="+to)
	if status != http.StatusOK {
		t.Fatalf("status = %d, error = %+v", status, env.Error)
	}
	got := decode[struct {
		Items []models.Position `json:"items"`
	}](t, env.Data)
	if len(got.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(got.Items))
	}
	if got.Items[0].ID > got.Items[1].ID {
		t.Errorf("expected oldest first: %s", env.Data)
	}
}

func TestRange_InvalidInput(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name  string
		query string
	}{
		{"bad from", "from=yesterday"},
		{"bad to", "to=2024-13-01"},
		{"bad limit", "limit=-1"},
		{"inverted", "from=2024-05-02T00:00:00Z&to=2024-05-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := h.do(t, http.MethodGet, "/iss/range?"+tt.query)
			if status != http.StatusBadRequest || env.OK {
				t.Fatalf("status = %d, ok = %v", status, env.OK)
			}
			if env.Error == nil || env.Error.Code != "VALIDATION_ERROR" || env.Error.TraceID == "" {
				t.Errorf("error = %+v", env.Error)
			}
		})
	}
}

func TestOSDRSyncAndList(t *testing.T) {
	h := newHarness(t, nil)

	_, env := h.do(t, http.MethodGet, "/osdr/list")
	if page := decode[catalogPage](t, env.Data); page.Total != 0 || len(page.Items) != 0 {
		t.Fatalf("expected empty catalog, got %s", env.Data)
	}

	status, env := h.do(t, http.MethodPost, "/osdr/sync")
	if status != http.StatusOK {
		t.Fatalf("sync status = %d, error = %+v", status, env.Error)
	}
	if res := decode[osdr.SyncResult](t, env.Data); res.Written != 2 {
		t.Errorf("sync = %s", env.Data)
	}

	_, env = h.do(t, http.MethodGet, "/osdr/list?limit=1")
	page := decode[catalogPage](t, env.Data)
	if page.Total != 2 || len(page.Items) != 1 {
		t.Errorf("page = %s", env.Data)
	}

	_, env = h.do(t, http.MethodGet, "/osdr/list?limit=1&offset=1")
	second := decode[catalogPage](t, env.Data)
	if len(second.Items) != 1 || second.Items[0].ItemKey == page.Items[0].ItemKey {
		t.Errorf("second page = %s", env.Data)
	}
}

func TestLatest(t *testing.T) {
	h := newHarness(t, nil)

	status, env := h.do(t, http.MethodGet, "/space/apod/latest")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	empty := decode[latestResponse](t, env.Data)
	if empty.Source != "apod" || empty.FetchedAt != nil || string(empty.Payload) != "null" {
		t.Errorf("empty latest = %s", env.Data)
	}

	h.do(t, http.MethodGet, "/space/refresh?src=apod")

	_, env = h.do(t, http.MethodGet, "/space/APOD/latest")
	latest := decode[latestResponse](t, env.Data)
	if latest.FetchedAt == nil || string(latest.Payload) != `{"source":"apod"}` {
		t.Errorf("latest = %s", env.Data)
	}
}

func TestLatest_UnknownSource(t *testing.T) {
	h := newHarness(t, nil)

	status, env := h.do(t, http.MethodGet, "/space/jwst/latest")
	if status != http.StatusNotFound {
		t.Fatalf("status = %d", status)
	}
	if env.Error == nil || env.Error.Code != "NOT_FOUND" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestRefresh_DefaultsToEverySource(t *testing.T) {
	h := newHarness(t, nil)

	_, env := h.do(t, http.MethodGet, "/space/refresh")
	res := decode[space.RefreshResult](t, env.Data)
	if strings.Join(res.Refreshed, ",") != "apod,neo,flr,cme,spacex" || len(res.Failed) != 0 {
		t.Errorf("refresh = %s", env.Data)
	}
}

func TestRefresh_ReportsFailuresPerSource(t *testing.T) {
	h := newHarness(t, nil)
	h.sources["spacex"].err = apperr.Upstream(apperr.ErrUpstreamRejected, 503, "https://api.spacexdata.com")

	_, env := h.do(t, http.MethodPost, "/space/refresh?src=spacex,+neo,bogus,neo")
	res := decode[space.RefreshResult](t, env.Data)
	if strings.Join(res.Refreshed, ",") != "neo" {
		t.Errorf("refreshed = %v", res.Refreshed)
	}
	if _, ok := res.Failed["spacex"]; !ok {
		t.Errorf("expected spacex failure, got %v", res.Failed)
	}
	if _, ok := res.Failed["bogus"]; !ok {
		t.Errorf("expected bogus failure, got %v", res.Failed)
	}
}

func TestSummary(t *testing.T) {
	h := newHarness(t, nil)

	// Cached empty summary must be dropped by the writes below.
	h.do(t, http.MethodGet, "/space/summary")
	h.do(t, http.MethodGet, "/fetch")
	h.do(t, http.MethodGet, "/osdr/sync")
	h.do(t, http.MethodGet, "/space/refresh?src=neo")

	_, env := h.do(t, http.MethodGet, "/space/summary")
	summary := decode[models.Summary](t, env.Data)
	if string(summary.NEO) != `{"source":"neo"}` {
		t.Errorf("neo = %s", summary.NEO)
	}
	if fields := decode[map[string]json.RawMessage](t, env.Data); string(fields["apod"]) != "null" {
		t.Errorf("apod should be null, got %s", fields["apod"])
	}
	if summary.ISS == nil || summary.OSDRCount != 2 {
		t.Errorf("summary = %s", env.Data)
	}
}

func TestSchedulerState(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/fetch")

	_, env := h.do(t, http.MethodGet, "/scheduler/state")
	states := decode[[]scheduler.State](t, env.Data)
	if len(states) != 6 {
		t.Fatalf("states = %d, want 6", len(states))
	}
	if states[0].Job != "iss" || states[0].Runs != 1 || states[0].LastOutcome != scheduler.OutcomeOK {
		t.Errorf("iss state = %+v", states[0])
	}
}

func TestFetch_UpstreamFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.sources["iss"].err = apperr.Upstream(apperr.ErrUpstreamThrottled, 429, "https://api.wheretheiss.at")

	status, env := h.do(t, http.MethodGet, "/fetch")
	if status != http.StatusBadGateway {
		t.Fatalf("status = %d", status)
	}
	if env.Error == nil || env.Error.Code != "UPSTREAM_429" {
		t.Errorf("error = %+v", env.Error)
	}
}

// followedRunner lets another run of the same job finish right after every
// Do, the way a scheduled run can take the guard as soon as it is released.
type followedRunner struct {
	*scheduler.Scheduler
}

func (r followedRunner) Do(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	err := r.Scheduler.Do(ctx, job, fn)
	r.Scheduler.Trigger(ctx, job)
	return err
}

func TestManualRunsReportTheirOwnResult(t *testing.T) {
	h := newHarness(t, nil)
	h.sources["osdr"].payloads = []string{
		`[{"dataset_id":"OSD-1"},{"dataset_id":"OSD-2"}]`,
		`[{"dataset_id":"OSD-1"},{"dataset_id":"OSD-2"},{"dataset_id":"OSD-3"}]`,
	}
	deps := h.deps
	deps.Runner = followedRunner{h.sched}
	h.server = New(Config{Version: "test"}, deps, logger.Nop())

	_, env := h.do(t, http.MethodPost, "/fetch")
	fetched := decode[models.Position](t, env.Data)
	if fetched.Latitude == nil || *fetched.Latitude != 10.0 {
		t.Errorf("fetch returned %s, want the position it stored", env.Data)
	}
	_, env = h.do(t, http.MethodGet, "/last")
	if last := decode[models.Position](t, env.Data); last.ID == fetched.ID {
		t.Fatalf("expected a later run to store a newer position, last = %s", env.Data)
	}

	_, env = h.do(t, http.MethodPost, "/osdr/sync")
	if res := decode[osdr.SyncResult](t, env.Data); res.Written != 2 {
		t.Errorf("sync = %s, want the 2 items it wrote", env.Data)
	}
}

func TestManualRunsSurviveClientDisconnect(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, path := range []string{"/fetch", "/osdr/sync", "/space/refresh?src=spacex"} {
		req := httptest.NewRequest(http.MethodPost, path, nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, body = %s", path, rec.Code, rec.Body.String())
		}
	}

	_, env := h.do(t, http.MethodGet, "/space/summary")
	summary := decode[models.Summary](t, env.Data)
	if summary.ISS == nil || summary.OSDRCount != 2 || string(summary.SpaceX) != `{"source":"spacex"}` {
		t.Errorf("summary = %s", env.Data)
	}
}

func TestAdmissionGate(t *testing.T) {
	h := newHarness(t, ratelimit.NewGate(2))

	for i := 0; i < 2; i++ {
		if status, _ := h.do(t, http.MethodGet, "/last", "X-Forwarded-For", "203.0.113.7, 10.0.0.1"); status != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, status)
		}
	}

	status, env := h.do(t, http.MethodGet, "/last", "X-Forwarded-For", "203.0.113.7")
	if status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", status)
	}
	if env.Error == nil || env.Error.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("error = %+v", env.Error)
	}

	if status, _ := h.do(t, http.MethodGet, "/last", "X-Forwarded-For", "198.51.100.2"); status != http.StatusOK {
		t.Errorf("other client: status = %d", status)
	}
	if status, _ := h.do(t, http.MethodGet, "/health", "X-Forwarded-For", "203.0.113.7"); status != http.StatusOK {
		t.Errorf("health must bypass the gate, status = %d", status)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"forwarded", "10.0.0.1:5555", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"remote host", "192.0.2.10:4321", "", "192.0.2.10"},
		{"blank forwarded", "192.0.2.10:4321", " ,10.0.0.1", "192.0.2.10"},
		{"no port", "192.0.2.10", "", "192.0.2.10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/last", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := clientKey(req); got != tt.want {
				t.Errorf("clientKey = %q, want %q", got, tt.want)
			}
		})
	}
}
