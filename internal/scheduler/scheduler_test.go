package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/space-ingest/pkg/apperr"
	"github.com/space-ingest/pkg/logger"
)

// span records the start and end of one run.
type span struct {
	start, end time.Time
}

type spanRecorder struct {
	mu     sync.Mutex
	spans  []span
	active atomic.Int32
	peak   atomic.Int32
}

func (r *spanRecorder) step(d time.Duration) func(context.Context) error {
	return func(context.Context) error {
		n := r.active.Add(1)
		for {
			p := r.peak.Load()
			if n <= p || r.peak.CompareAndSwap(p, n) {
				break
			}
		}
		start := time.Now()
		time.Sleep(d)
		end := time.Now()
		r.active.Add(-1)

		r.mu.Lock()
		r.spans = append(r.spans, span{start, end})
		r.mu.Unlock()
		return nil
	}
}

func (r *spanRecorder) snapshot() []span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]span(nil), r.spans...)
}

func mustNew(t *testing.T, jobs ...Job) *Scheduler {
	t.Helper()
	s, err := New(jobs, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestRunsNeverOverlap(t *testing.T) {
	rec := &spanRecorder{}
	s := mustNew(t, Job{Name: "neo", Interval: time.Millisecond, Steps: []Step{{Name: "neo", Run: rec.step(5 * time.Millisecond)}}})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Trigger(ctx, "neo"); err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Trigger: %v", err)
			}
		}()
	}
	wg.Wait()
	time.Sleep(30 * time.Millisecond)
	cancel()
	s.Wait()

	if peak := rec.peak.Load(); peak != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak)
	}

	spans := rec.snapshot()
	if len(spans) < 6 {
		t.Fatalf("expected at least 6 runs, got %d", len(spans))
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].start.Before(spans[i-1].end) {
			t.Errorf("run %d started at %v before run %d finished at %v", i, spans[i].start, i-1, spans[i-1].end)
		}
	}
}

func TestIntervalCountsFromRunCompletion(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		interval time.Duration
	}{
		{"run shorter than interval", 10 * time.Millisecond, 40 * time.Millisecond},
		{"run longer than interval", 60 * time.Millisecond, 20 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &spanRecorder{}
			s := mustNew(t, Job{Name: "iss", Interval: tt.interval, Steps: []Step{{Name: "iss", Run: rec.step(tt.duration)}}})

			ctx, cancel := context.WithCancel(context.Background())
			begin := time.Now()
			s.Start(ctx)
			time.Sleep(400 * time.Millisecond)
			cancel()
			s.Wait()
			elapsed := time.Since(begin)

			spans := rec.snapshot()
			if len(spans) < 2 {
				t.Fatalf("expected at least 2 runs, got %d", len(spans))
			}
			for i := 1; i < len(spans); i++ {
				if gap := spans[i].start.Sub(spans[i-1].end); gap < tt.interval {
					t.Errorf("run %d started %v after run %d finished, want at least %v", i, gap, i-1, tt.interval)
				}
			}

			// A slow run never produces catch-up runs: every cycle costs at
			// least one run plus one interval.
			if limit := int(elapsed/(tt.duration+tt.interval)) + 1; len(spans) > limit {
				t.Errorf("%d runs in %v, want at most %d", len(spans), elapsed, limit)
			}
		})
	}
}

func TestDoRunsUnderJobGuard(t *testing.T) {
	rec := &spanRecorder{}
	s := mustNew(t, Job{Name: "osdr", Interval: time.Hour, Steps: []Step{{Name: "osdr", Run: rec.step(10 * time.Millisecond)}}})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Trigger(ctx, "osdr")
		}()
		go func() {
			defer wg.Done()
			s.Do(ctx, "osdr", rec.step(10*time.Millisecond))
		}()
	}
	wg.Wait()

	if peak := rec.peak.Load(); peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}

	var written int
	err := s.Do(ctx, "osdr", func(context.Context) error {
		written = 7
		return nil
	})
	if err != nil || written != 7 {
		t.Errorf("Do = %v, written = %d", err, written)
	}
	if st := s.States()[0]; st.Runs != 7 || st.LastOutcome != OutcomeOK {
		t.Errorf("state = %+v", st)
	}

	if err := s.Do(ctx, "jwst", func(context.Context) error { return nil }); !errors.Is(err, apperr.ErrUnknownSource) {
		t.Errorf("expected ErrUnknownSource, got %v", err)
	}
}

func TestJobsAreIndependent(t *testing.T) {
	block := make(chan struct{})
	var fast atomic.Int32

	s := mustNew(t,
		Job{Name: "osdr", Interval: time.Hour, Steps: []Step{{Name: "osdr", Run: func(ctx context.Context) error {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil
		}}}},
		Job{Name: "iss", Interval: time.Millisecond, Steps: []Step{{Name: "iss", Run: func(context.Context) error {
			fast.Add(1)
			return nil
		}}}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.Wait()
	}()
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for fast.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fast.Load() < 3 {
		t.Fatalf("iss job ran %d times while osdr was blocked", fast.Load())
	}
	close(block)
}

func TestStepFailureDoesNotStopNextStep(t *testing.T) {
	var cmeRuns atomic.Int32
	s := mustNew(t, Job{Name: "donki", Interval: time.Hour, Steps: []Step{
		{Name: "flr", Run: func(context.Context) error {
			return apperr.Upstream(apperr.ErrUpstreamRejected, 503, "https://api.nasa.gov/DONKI/FLR")
		}},
		{Name: "cme", Run: func(context.Context) error {
			cmeRuns.Add(1)
			return nil
		}},
	}})

	err := s.Trigger(context.Background(), "donki")
	if !errors.Is(err, apperr.ErrUpstreamRejected) {
		t.Fatalf("expected ErrUpstreamRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "step flr") {
		t.Errorf("error does not name the failing step: %v", err)
	}
	if cmeRuns.Load() != 1 {
		t.Errorf("cme ran %d times, want 1", cmeRuns.Load())
	}

	st := s.States()[0]
	if st.LastOutcome != OutcomeFailed || st.LastErrorKind != "upstream_rejected" || st.Runs != 1 {
		t.Errorf("state = %+v", st)
	}
}

func TestTriggerSingleStep(t *testing.T) {
	var flr, cme atomic.Int32
	s := mustNew(t, Job{Name: "donki", Interval: time.Hour, Steps: []Step{
		{Name: "flr", Run: func(context.Context) error { flr.Add(1); return nil }},
		{Name: "cme", Run: func(context.Context) error { cme.Add(1); return nil }},
	}})

	if err := s.Trigger(context.Background(), "cme"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if flr.Load() != 0 || cme.Load() != 1 {
		t.Errorf("flr=%d cme=%d", flr.Load(), cme.Load())
	}
	if st := s.States()[0]; st.LastOutcome != OutcomeOK {
		t.Errorf("outcome = %s", st.LastOutcome)
	}
}

func TestTriggerUnknown(t *testing.T) {
	s := mustNew(t, Job{Name: "iss", Interval: time.Hour, Steps: []Step{{Name: "iss", Run: func(context.Context) error { return nil }}}})
	if err := s.Trigger(context.Background(), "jwst"); !errors.Is(err, apperr.ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestTriggerWaitsForGuard(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	s := mustNew(t, Job{Name: "apod", Interval: time.Hour, Steps: []Step{{Name: "apod", Run: func(context.Context) error {
		select {
		case entered <- struct{}{}:
			<-release
		default:
		}
		return nil
	}}}})

	go s.Trigger(context.Background(), "apod")
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Trigger(ctx, "apod"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded while guard is held, got %v", err)
	}
	if st := s.States()[0]; !st.Running {
		t.Error("expected state to report a running job")
	}
	close(release)
}

func TestFirstRunIsImmediate(t *testing.T) {
	ran := make(chan struct{}, 1)
	s := mustNew(t, Job{Name: "spacex", Interval: time.Hour, Steps: []Step{{Name: "spacex", Run: func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}}}})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	defer func() {
		cancel()
		s.Wait()
	}()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("first run did not start within 1s")
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s := mustNew(t, Job{Name: "osdr", Interval: time.Hour, Steps: []Step{{Name: "osdr", Run: func(context.Context) error {
		panic("nil map")
	}}}})

	err := s.Trigger(context.Background(), "osdr")
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected recovered panic error, got %v", err)
	}
	if s.States()[0].Running {
		t.Error("guard state not reset after panic")
	}
}

func TestNew_Validation(t *testing.T) {
	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		jobs []Job
	}{
		{"zero interval", []Job{{Name: "iss", Steps: []Step{{Name: "iss", Run: noop}}}}},
		{"no steps", []Job{{Name: "iss", Interval: time.Second}}},
		{"duplicate job", []Job{
			{Name: "iss", Interval: time.Second, Steps: []Step{{Name: "iss", Run: noop}}},
			{Name: "iss", Interval: time.Second, Steps: []Step{{Name: "iss", Run: noop}}},
		}},
		{"step clashes with job", []Job{
			{Name: "apod", Interval: time.Second, Steps: []Step{{Name: "apod", Run: noop}}},
			{Name: "donki", Interval: time.Second, Steps: []Step{{Name: "apod", Run: noop}}},
		}},
		{"missing run", []Job{{Name: "iss", Interval: time.Second, Steps: []Step{{Name: "iss"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.jobs, logger.Nop()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNames(t *testing.T) {
	noop := func(context.Context) error { return nil }
	s := mustNew(t,
		Job{Name: "iss", Interval: time.Second, Steps: []Step{{Name: "iss", Run: noop}}},
		Job{Name: "donki", Interval: time.Second, Steps: []Step{{Name: "flr", Run: noop}, {Name: "cme", Run: noop}}},
	)
	got := strings.Join(s.Names(), ",")
	if got != "iss,donki,flr,cme" {
		t.Errorf("Names = %s", got)
	}
}
