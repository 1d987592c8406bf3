// Package scheduler runs one perpetual polling loop per job. Each job owns a
// guard that admits one run at a time, whether the run comes from its loop
// or from a manual trigger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/space-ingest/internal/metrics"
	"github.com/space-ingest/pkg/apperr"
	"github.com/space-ingest/pkg/logger"
)

// Trigger labels
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Run outcomes
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Step is one unit of work inside a job
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Job is a named group of steps polled at a fixed interval. Steps run in
// order inside one guard hold.
type Job struct {
	Name     string
	Interval time.Duration
	Steps    []Step
}

// State is a snapshot of one job
type State struct {
	Job           string     `json:"job"`
	Steps         []string   `json:"steps"`
	Interval      string     `json:"interval"`
	Running       bool       `json:"running"`
	Runs          int64      `json:"runs"`
	LastStarted   *time.Time `json:"last_started,omitempty"`
	LastFinished  *time.Time `json:"last_finished,omitempty"`
	LastOutcome   string     `json:"last_outcome,omitempty"`
	LastErrorKind string     `json:"last_error_kind,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// guard admits one holder at a time. Acquire gives up when ctx is done.
type guard chan struct{}

func newGuard() guard {
	return make(guard, 1)
}

func (g guard) acquire(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g guard) release() {
	<-g
}

type entry struct {
	job   Job
	guard guard
	log   *logger.Logger

	mu    sync.Mutex
	state State
}

type stepRef struct {
	entry *entry
	step  Step
}

// Scheduler owns the job loops
type Scheduler struct {
	entries map[string]*entry
	steps   map[string]stepRef
	order   []string
	log     *logger.Logger
	wg      sync.WaitGroup
}

// New validates jobs and builds one guard per job. Job and step names share
// one namespace so Trigger can address either.
func New(jobs []Job, log *logger.Logger) (*Scheduler, error) {
	s := &Scheduler{
		entries: make(map[string]*entry, len(jobs)),
		steps:   make(map[string]stepRef),
		log:     log.WithComponent("scheduler"),
	}

	for _, job := range jobs {
		if job.Name == "" {
			return nil, errors.New("job name is required")
		}
		if job.Interval <= 0 {
			return nil, fmt.Errorf("job %s: interval must be positive", job.Name)
		}
		if len(job.Steps) == 0 {
			return nil, fmt.Errorf("job %s: at least one step is required", job.Name)
		}
		if _, exists := s.entries[job.Name]; exists {
			return nil, fmt.Errorf("duplicate job %s", job.Name)
		}

		e := &entry{
			job:   job,
			guard: newGuard(),
			log:   s.log.WithJob(job.Name),
			state: State{Job: job.Name, Interval: job.Interval.String()},
		}
		for _, step := range job.Steps {
			if step.Run == nil {
				return nil, fmt.Errorf("job %s: step %s has no run function", job.Name, step.Name)
			}
			e.state.Steps = append(e.state.Steps, step.Name)
			if step.Name == job.Name {
				continue
			}
			if _, exists := s.steps[step.Name]; exists {
				return nil, fmt.Errorf("duplicate step %s", step.Name)
			}
			s.steps[step.Name] = stepRef{entry: e, step: step}
		}
		s.entries[job.Name] = e
		s.order = append(s.order, job.Name)
	}

	for name := range s.steps {
		if _, clash := s.entries[name]; clash {
			return nil, fmt.Errorf("step %s clashes with a job name", name)
		}
	}
	return s, nil
}

// Start launches one loop per job. The first run of every job starts
// immediately. Loops exit when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, name := range s.order {
		e := s.entries[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, e)
		}()
		e.log.Info().Dur("interval", e.job.Interval).Msg("Job scheduled")
	}
	s.log.Info().Int("jobs", len(s.order)).Msg("Scheduler started")
}

// Wait blocks until every loop has exited
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger runs a job, or a single step of a job, under the job's guard and
// returns the joined step errors. It waits while a scheduled run holds the
// guard.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	if e, ok := s.entries[name]; ok {
		return s.run(ctx, e, e.job.Steps, TriggerManual)
	}
	if ref, ok := s.steps[name]; ok {
		return s.run(ctx, ref.entry, []Step{ref.step}, TriggerManual)
	}
	return apperr.New(apperr.ErrUnknownSource, fmt.Sprintf("job %q", name))
}

// Do runs fn as a manual run of job, under the job's guard, in place of the
// job's steps. Callers use it when they need the value their own run
// produced rather than whatever the store holds once the guard is released.
func (s *Scheduler) Do(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	e, ok := s.entries[job]
	if !ok {
		return apperr.New(apperr.ErrUnknownSource, fmt.Sprintf("job %q", job))
	}
	return s.run(ctx, e, []Step{{Name: job, Run: fn}}, TriggerManual)
}

// Names returns every addressable job and step name
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.entries)+len(s.steps))
	for _, name := range s.order {
		names = append(names, name)
		for _, step := range s.entries[name].job.Steps {
			if step.Name != name {
				names = append(names, step.Name)
			}
		}
	}
	return names
}

// States returns a snapshot of every job in registration order
func (s *Scheduler) States() []State {
	states := make([]State, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		e.mu.Lock()
		st := e.state
		st.Steps = append([]string(nil), e.state.Steps...)
		e.mu.Unlock()
		states = append(states, st)
	}
	return states
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Debug().Msg("Job loop stopped")
			return
		case <-timer.C:
		}

		// Errors are already logged, counted and recorded in the job state.
		_ = s.run(ctx, e, e.job.Steps, TriggerSchedule)
		timer.Reset(e.job.Interval)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry, steps []Step, trigger string) error {
	if err := e.guard.acquire(ctx); err != nil {
		return fmt.Errorf("job %s: %w", e.job.Name, err)
	}
	defer e.guard.release()

	started := time.Now().UTC()
	e.mu.Lock()
	e.state.Running = true
	e.state.LastStarted = &started
	e.mu.Unlock()

	var errs []error
	for _, step := range steps {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("step %s: %w", step.Name, ctx.Err()))
			break
		}
		if err := s.runStep(ctx, e, step, trigger); err != nil {
			errs = append(errs, fmt.Errorf("step %s: %w", step.Name, err))
		}
	}
	err := errors.Join(errs...)

	finished := time.Now().UTC()
	metrics.SchedulerRunDuration.WithLabelValues(e.job.Name).Observe(finished.Sub(started).Seconds())

	e.mu.Lock()
	e.state.Running = false
	e.state.Runs++
	e.state.LastFinished = &finished
	if err != nil {
		e.state.LastOutcome = OutcomeFailed
		e.state.LastErrorKind = apperr.KindName(err)
		e.state.LastError = err.Error()
	} else {
		e.state.LastOutcome = OutcomeOK
		e.state.LastErrorKind = ""
		e.state.LastError = ""
	}
	e.mu.Unlock()

	return err
}

func (s *Scheduler) runStep(ctx context.Context, e *entry, step Step, trigger string) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}

		kind := apperr.KindName(err)
		metrics.SchedulerRuns.WithLabelValues(e.job.Name, step.Name, trigger, kind).Inc()
		if err != nil {
			e.log.Error().
				Err(err).
				Str("source", step.Name).
				Str("step", step.Name).
				Str("trigger", trigger).
				Str("error_kind", kind).
				Dur("duration", time.Since(start)).
				Msg("Run failed")
			return
		}
		e.log.Debug().
			Str("step", step.Name).
			Str("trigger", trigger).
			Dur("duration", time.Since(start)).
			Msg("Run completed")
	}()

	return step.Run(ctx)
}
