// Package scheduler submits tasks on cron schedules. Every job triggers at
// most once per schedule window: the submission carries an idempotency key
// derived from the window start, and the last run is advanced with a
// compare-and-swap so that concurrent schedulers sharing a store agree.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"docjobs/internal/metrics"
	"docjobs/internal/store"
	"docjobs/internal/task"
	"docjobs/internal/tracing"
)

const (
	DefaultTick     = time.Minute
	DefaultLookback = 24 * time.Hour
)

// State is the trigger state of a job.
type State string

const (
	StateIdle      State = "idle"
	StateDue       State = "due"
	StateEnqueuing State = "enqueuing"
)

// Job is a recurring task submission.
type Job struct {
	Name     string   `yaml:"name" json:"name"`
	Cron     string   `yaml:"cron" json:"cron"`
	TaskType string   `yaml:"task_type" json:"task_type"`
	Payload  any      `yaml:"payload" json:"payload,omitempty"`
	Timezone string   `yaml:"timezone" json:"timezone,omitempty"`
	Queue    string   `yaml:"queue" json:"queue,omitempty"`
	Tags     []string `yaml:"tags" json:"tags,omitempty"`
}

// JobStatus describes a registered job.
type JobStatus struct {
	Job
	State   State     `json:"state"`
	LastRun time.Time `json:"last_run"`
	NextRun time.Time `json:"next_run"`
}

// Submitter submits the task of a due job.
type Submitter interface {
	Submit(ctx context.Context, taskType string, payload any, opts task.SubmitOptions) (task.Handle, error)
}

type entry struct {
	job      Job
	schedule cron.Schedule
	loc      *time.Location
	state    State
	lastRun  time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets the evaluation interval of Run.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithLookback bounds how far back a missed window is still triggered.
func WithLookback(d time.Duration) Option {
	return func(s *Scheduler) { s.lookback = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock replaces time.Now in Run.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler evaluates cron jobs and submits their tasks when due.
type Scheduler struct {
	store    store.ScheduleStore
	submit   Submitter
	logger   *slog.Logger
	tick     time.Duration
	lookback time.Duration
	now      func() time.Time

	mu   sync.Mutex
	jobs map[string]*entry
}

// New creates a Scheduler.
func New(st store.ScheduleStore, sub Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		submit:   sub,
		logger:   slog.Default(),
		tick:     DefaultTick,
		lookback: DefaultLookback,
		now:      time.Now,
		jobs:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Add registers a job after validating its cron expression and timezone.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.TaskType == "" {
		return fmt.Errorf("job %q: task type is required", job.Name)
	}
	schedule, err := cron.ParseStandard(job.Cron)
	if err != nil {
		return fmt.Errorf("job %q: invalid cron expression %q: %w", job.Name, job.Cron, err)
	}
	loc := time.UTC
	if job.Timezone != "" {
		loc, err = time.LoadLocation(job.Timezone)
		if err != nil {
			return fmt.Errorf("job %q: invalid timezone: %w", job.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	s.jobs[job.Name] = &entry{job: job, schedule: schedule, loc: loc, state: StateIdle}
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	delete(s.jobs, name)
	return ok
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, JobStatus{
			Job:     e.job,
			State:   e.state,
			LastRun: e.lastRun,
			NextRun: e.schedule.Next(now.In(e.loc)).UTC(),
		})
	}
	slices.SortFunc(out, func(a, b JobStatus) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Tick evaluates every job at now and submits the due ones.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	slices.SortFunc(entries, func(a, b *entry) int { return cmp.Compare(a.job.Name, b.job.Name) })

	var errs []error
	for _, e := range entries {
		if err := s.evaluate(ctx, e, now); err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", e.job.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) evaluate(ctx context.Context, e *entry, now time.Time) error {
	last, err := s.store.LastRun(ctx, e.job.Name)
	if err != nil {
		return fmt.Errorf("failed to load last run: %w", err)
	}
	s.setState(e, StateIdle, last)

	window, due := s.windowStart(e, last, now)
	if !due {
		return nil
	}
	s.setState(e, StateDue, last)

	ctx, span := tracing.SchedulerSpan(ctx, e.job.Name)
	defer span.End()

	s.setState(e, StateEnqueuing, last)
	opts := task.SubmitOptions{
		Queue:          e.job.Queue,
		IdempotencyKey: WindowKey(e.job.Name, window),
		Tags:           e.job.Tags,
	}
	h, err := s.submit.Submit(ctx, e.job.TaskType, e.job.Payload, opts)
	if err != nil {
		s.setState(e, StateIdle, last)
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to submit: %w", err)
	}

	advanced, err := s.store.AdvanceLastRun(ctx, e.job.Name, last, window)
	if err != nil {
		s.setState(e, StateIdle, last)
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to advance last run: %w", err)
	}
	s.setState(e, StateIdle, window)

	if !advanced {
		s.logger.DebugContext(ctx, "window already advanced by another scheduler", "job", e.job.Name, "window", window)
		return nil
	}
	if !h.Existing {
		metrics.SchedulerTriggersTotal.WithLabelValues(e.job.Name).Inc()
	}
	s.logger.InfoContext(ctx, "scheduled job triggered",
		"job", e.job.Name, "window", window, "task_id", h.ID, "existing", h.Existing)
	return nil
}

// windowStart returns the latest fire time at or before now and whether it
// is later than the last run.
func (s *Scheduler) windowStart(e *entry, last, now time.Time) (time.Time, bool) {
	from := now.Add(-s.lookback)
	if last.After(from) {
		from = last
	}
	var window time.Time
	for next := e.schedule.Next(from.In(e.loc)); !next.IsZero() && !next.After(now); next = e.schedule.Next(next) {
		window = next
	}
	if window.IsZero() {
		return time.Time{}, false
	}
	window = window.UTC()
	return window, last.Before(window)
}

func (s *Scheduler) setState(e *entry, state State, last time.Time) {
	s.mu.Lock()
	e.state = state
	e.lastRun = last
	s.mu.Unlock()
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx, s.now()); err != nil {
			s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// WindowKey is the idempotency key of a job's trigger for one window.
func WindowKey(name string, window time.Time) string {
	return "schedule:" + name + ":" + window.UTC().Format(time.RFC3339)
}
