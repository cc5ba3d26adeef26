// Package queue runs admitted tasks on named lanes with bounded concurrency.
// Each lane owns a pending set ordered by earliest start time and a set of
// running slots; lanes never share a lock.
package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"docjobs/internal/metrics"
	"docjobs/internal/progress"
	"docjobs/internal/registry"
	"docjobs/internal/store"
	"docjobs/internal/task"
)

// ErrRunning is returned by Run when the manager is already running.
var ErrRunning = errors.New("queue manager already running")

// errCancelRequested is the cancellation cause of a running task whose
// cancellation was requested by a caller.
var errCancelRequested = errors.New("task cancellation requested")

const persistTimeout = 10 * time.Second

// DeadLetterFunc is called once a task has permanently failed.
type DeadLetterFunc func(ctx context.Context, t *task.Task, cause error)

// Submitter submits follow-on tasks declared with Run.Chain.
type Submitter interface {
	Submit(ctx context.Context, taskType string, payload any, opts task.SubmitOptions) (task.Handle, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithProgress sets the progress reporter exposed to handlers.
func WithProgress(r *progress.Reporter) Option {
	return func(m *Manager) { m.progress = r }
}

// WithDeadLetter adds a callback for permanently failed tasks.
func WithDeadLetter(fn DeadLetterFunc) Option {
	return func(m *Manager) { m.deadLetter = append(m.deadLetter, fn) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns admitted tasks from enqueue until a terminal state.
type Manager struct {
	store      store.Store
	registry   *registry.Registry
	progress   *progress.Reporter
	logger     *slog.Logger
	deadLetter []DeadLetterFunc
	now        func() time.Time

	lanes map[string]*lane

	submitMu  sync.RWMutex
	submitter Submitter

	running atomic.Bool
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewManager creates a manager with one lane per descriptor.
func NewManager(s store.Store, reg *registry.Registry, queues []Descriptor, opts ...Option) (*Manager, error) {
	if len(queues) == 0 {
		return nil, errors.New("at least one queue is required")
	}
	m := &Manager{
		store:    s,
		registry: reg,
		logger:   slog.Default(),
		now:      time.Now,
		lanes:    make(map[string]*lane, len(queues)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "queue")

	for _, d := range queues {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.lanes[d.Name]; dup {
			return nil, fmt.Errorf("queue %q declared twice", d.Name)
		}
		m.lanes[d.Name] = newLane(d)
		metrics.QueueConcurrencyLimit.WithLabelValues(d.Name).Set(float64(d.Concurrency))
	}
	return m, nil
}

// SetSubmitter wires the submitter used for chained tasks.
func (m *Manager) SetSubmitter(s Submitter) {
	m.submitMu.Lock()
	m.submitter = s
	m.submitMu.Unlock()
}

// HasQueue reports whether name is a declared queue.
func (m *Manager) HasQueue(name string) bool {
	_, ok := m.lanes[name]
	return ok
}

// Enqueue hands a persisted pending task to its lane.
func (m *Manager) Enqueue(ctx context.Context, t *task.Task) error {
	l, ok := m.lanes[t.Queue]
	if !ok {
		return fmt.Errorf("%w: %q", task.ErrUnknownQueue, t.Queue)
	}
	if l.push(t.ID, t.NotBefore) {
		metrics.QueuePending.WithLabelValues(t.Queue).Inc()
		m.logger.DebugContext(ctx, "task enqueued", "task_id", t.ID, "queue", t.Queue, "not_before", t.NotBefore)
	}
	return nil
}

// Cancel cancels a task. A pending task becomes Cancelled at once; a running
// task has its context cancelled and becomes Cancelled if its handler then
// fails. It returns task.ErrNotCancellable for terminal tasks.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: task %s is %s", task.ErrNotCancellable, id, t.Status)
	}

	l := m.lanes[t.Queue]
	if l != nil {
		if l.cancelRunning(id) {
			m.logger.InfoContext(ctx, "cancellation requested for running task", "task_id", id)
			return nil
		}
		if l.remove(id) {
			metrics.QueuePending.WithLabelValues(t.Queue).Dec()
		}
	}

	updated, err := m.store.UpdateTask(ctx, id, func(t *task.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("%w: task %s is %s", task.ErrNotCancellable, id, t.Status)
		}
		if t.Status == task.StatusRunning {
			return errStillRunning
		}
		now := m.now().UTC()
		t.Status = task.StatusCancelled
		t.UpdatedAt = now
		t.FinishedAt = &now
		return nil
	})
	if errors.Is(err, errStillRunning) {
		// Admitted between the lookups above; the slot is registered by now.
		if l == nil {
			return fmt.Errorf("%w: %q", task.ErrUnknownQueue, t.Queue)
		}
		if l.cancelRunning(id) {
			return nil
		}
		return fmt.Errorf("task %s is running on another instance: %w", id, task.ErrNotCancellable)
	}
	if err != nil {
		return err
	}
	m.finish(ctx, updated)
	m.logger.InfoContext(ctx, "pending task cancelled", "task_id", id)
	return nil
}

var errStillRunning = errors.New("task is running")

// Restore reloads non-terminal tasks from the store. Tasks left Running by a
// previous process are reset to Pending. It returns the number of tasks
// enqueued.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	tasks, err := m.store.ListTasks(ctx, task.Filter{Status: []task.Status{task.StatusPending, task.StatusRunning}})
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished tasks: %w", err)
	}

	restored := 0
	for _, t := range tasks {
		if t.Status == task.StatusRunning {
			reset, err := m.store.UpdateTask(ctx, t.ID, func(t *task.Task) error {
				if t.Status != task.StatusRunning {
					return nil
				}
				t.Status = task.StatusPending
				t.UpdatedAt = m.now().UTC()
				return nil
			})
			if err != nil {
				return restored, fmt.Errorf("failed to reset interrupted task %s: %w", t.ID, err)
			}
			t = reset
		}
		if t.Status != task.StatusPending {
			continue
		}
		if err := m.Enqueue(ctx, t); err != nil {
			m.logger.WarnContext(ctx, "failing restored task", "task_id", t.ID, "queue", t.Queue, "error", err)
			m.giveUp(ctx, t, task.Permanent(err))
			continue
		}
		restored++
	}
	m.logger.InfoContext(ctx, "restored unfinished tasks", "count", restored)
	return restored, nil
}

// Stats returns the counts of one queue.
func (m *Manager) Stats(name string) (Stats, error) {
	l, ok := m.lanes[name]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %q", task.ErrUnknownQueue, name)
	}
	return l.stats(), nil
}

// Queues returns the stats of every queue sorted by name.
func (m *Manager) Queues() []Stats {
	out := make([]Stats, 0, len(m.lanes))
	for _, l := range m.lanes {
		out = append(out, l.stats())
	}
	slices.SortFunc(out, func(a, b Stats) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Run admits and executes tasks until ctx is cancelled, then waits for the
// running handlers to return.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer m.running.Store(false)

	m.baseCtx = ctx
	m.logger.InfoContext(ctx, "queue manager started", "queues", len(m.lanes))

	var loops sync.WaitGroup
	for _, l := range m.lanes {
		loops.Add(1)
		go func() {
			defer loops.Done()
			m.loop(ctx, l)
		}()
	}
	loops.Wait()
	m.wg.Wait()
	m.logger.Info("queue manager stopped")
	return nil
}

func (m *Manager) loop(ctx context.Context, l *lane) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		admitted, wait := l.admit(m.now(), func(id string) *slot {
			runCtx, cancel := context.WithCancelCause(ctx)
			return &slot{id: id, ctx: runCtx, cancel: cancel}
		})
		for _, s := range admitted {
			metrics.QueuePending.WithLabelValues(l.desc.Name).Dec()
			metrics.QueueRunning.WithLabelValues(l.desc.Name).Inc()
			m.wg.Add(1)
			go m.execute(l, s)
		}

		if wait > 0 {
			timer.Reset(wait)
		} else {
			timer.Stop()
		}
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		case <-timer.C:
		}
	}
}

func (m *Manager) chainSubmitter() Submitter {
	m.submitMu.RLock()
	defer m.submitMu.RUnlock()
	return m.submitter
}

// persistContext detaches from cancellation so that state transitions are
// written even while the manager shuts down.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}
