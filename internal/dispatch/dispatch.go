// Package dispatch is the public entry point for submitting, inspecting and
// cancelling tasks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"docjobs/internal/metrics"
	"docjobs/internal/registry"
	"docjobs/internal/store"
	"docjobs/internal/task"
	"docjobs/internal/tracing"
)

// DefaultIdempotencyTTL is how long an idempotency key stays bound to the
// task that claimed it.
const DefaultIdempotencyTTL = 24 * time.Hour

// ErrKeyContended is returned when an idempotency key could not be claimed
// or resolved to an owner.
var ErrKeyContended = errors.New("idempotency key is contended")

// Queues is the part of the queue manager the dispatcher needs.
type Queues interface {
	HasQueue(name string) bool
	Enqueue(ctx context.Context, t *task.Task) error
	Cancel(ctx context.Context, id string) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithIdempotencyTTL sets the lifetime of idempotency keys.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) { d.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher validates submissions, deduplicates them and hands them to the
// queue manager.
type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	queues   Queues
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Dispatcher.
func New(s store.Store, reg *registry.Registry, queues Queues, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    s,
		registry: reg,
		queues:   queues,
		ttl:      DefaultIdempotencyTTL,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Submit creates a pending task, or returns the handle of the task already
// bound to opts.IdempotencyKey.
func (d *Dispatcher) Submit(ctx context.Context, taskType string, payload any, opts task.SubmitOptions) (task.Handle, error) {
	ctx, span := tracing.SubmitSpan(ctx, taskType)
	defer span.End()

	h, err := d.submit(ctx, taskType, payload, opts)
	tracing.RecordError(span, err)
	return h, err
}

func (d *Dispatcher) submit(ctx context.Context, taskType string, payload any, opts task.SubmitOptions) (task.Handle, error) {
	entry, err := d.registry.Lookup(taskType)
	if err != nil {
		return task.Handle{}, err
	}
	raw, err := entry.Prepare(payload)
	if err != nil {
		return task.Handle{}, err
	}

	queueName := entry.Queue
	if opts.Queue != "" {
		queueName = opts.Queue
	}
	if !d.queues.HasQueue(queueName) {
		return task.Handle{}, fmt.Errorf("%w: %q", task.ErrUnknownQueue, queueName)
	}

	id := uuid.NewString()
	if opts.IdempotencyKey != "" {
		owner, claimed, err := d.claim(ctx, opts.IdempotencyKey, id)
		if err != nil {
			return task.Handle{}, err
		}
		if !claimed {
			metrics.TasksDeduplicatedTotal.WithLabelValues(taskType).Inc()
			d.logger.InfoContext(ctx, "submission matched existing task",
				"task_type", taskType, "task_id", owner, "idempotency_key", opts.IdempotencyKey)
			return task.Handle{ID: owner, Existing: true}, nil
		}
	}

	now := d.now().UTC()
	notBefore := now
	switch {
	case !opts.RunAt.IsZero():
		notBefore = opts.RunAt.UTC()
	case opts.Delay > 0:
		notBefore = now.Add(opts.Delay)
	}

	t := &task.Task{
		ID:             id,
		Type:           taskType,
		Payload:        raw,
		Queue:          queueName,
		Status:         task.StatusPending,
		MaxAttempts:    entry.Retry.MaxAttempts,
		IdempotencyKey: opts.IdempotencyKey,
		Tags:           task.NormalizeTags(opts.Tags),
		ParentID:       opts.ParentID,
		NotBefore:      notBefore,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.store.CreateTask(ctx, t); err != nil {
		if opts.IdempotencyKey != "" {
			if relErr := d.store.ReleaseKey(ctx, opts.IdempotencyKey, id); relErr != nil {
				d.logger.WarnContext(ctx, "failed to release idempotency key", "task_id", id, "error", relErr)
			}
		}
		return task.Handle{}, fmt.Errorf("failed to persist task: %w", err)
	}
	if err := d.queues.Enqueue(ctx, t); err != nil {
		return task.Handle{}, fmt.Errorf("failed to enqueue task %s: %w", id, err)
	}

	metrics.TasksSubmittedTotal.WithLabelValues(taskType).Inc()
	d.logger.InfoContext(ctx, "task submitted",
		"task_id", id, "task_type", taskType, "queue", queueName, "not_before", notBefore, "parent_id", opts.ParentID)
	return task.Handle{ID: id}, nil
}

// claim binds key to id. If the key is held by a task that already failed or
// was cancelled and the release was lost, the stale entry is dropped and the
// claim retried once.
func (d *Dispatcher) claim(ctx context.Context, key, id string) (string, bool, error) {
	for range 2 {
		owner, claimed, err := d.store.ClaimKey(ctx, key, id, d.ttl)
		if err != nil {
			return "", false, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if claimed {
			return id, true, nil
		}

		existing, err := d.store.GetTask(ctx, owner)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// The owner is between claiming the key and persisting its task.
			return owner, false, nil
		case err != nil:
			return "", false, fmt.Errorf("failed to load task %s: %w", owner, err)
		case existing.Status == task.StatusFailed, existing.Status == task.StatusCancelled:
			if err := d.store.ReleaseKey(ctx, key, owner); err != nil {
				return "", false, fmt.Errorf("failed to release stale idempotency key: %w", err)
			}
			continue
		}
		return owner, false, nil
	}
	return "", false, ErrKeyContended
}

// Get returns the task with the given id.
func (d *Dispatcher) Get(ctx context.Context, id string) (*task.Task, error) {
	return d.store.GetTask(ctx, id)
}

// List returns the tasks matching filter ordered by creation time.
func (d *Dispatcher) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	return d.store.ListTasks(ctx, filter)
}

// Cancel cancels a pending or running task.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	return d.queues.Cancel(ctx, id)
}
