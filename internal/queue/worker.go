package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"docjobs/internal/logging"
	"docjobs/internal/metrics"
	"docjobs/internal/registry"
	"docjobs/internal/retry"
	"docjobs/internal/store"
	"docjobs/internal/task"
	"docjobs/internal/tracing"
)

// admitRetryDelay is how long a task waits before admission is retried after
// the store failed to record it as running.
const admitRetryDelay = time.Second

var errNotPending = errors.New("task is not pending")

// run is the registry.Run handed to a handler for one attempt.
type run struct {
	m      *Manager
	ctx    context.Context
	task   *task.Task
	logger *slog.Logger

	mu      sync.Mutex
	chained []chainRequest
}

type chainRequest struct {
	stage    string
	taskType string
	payload  any
	opts     task.SubmitOptions
}

var _ registry.Run = (*run)(nil)

func (r *run) Task() *task.Task     { return r.task.Clone() }
func (r *run) Logger() *slog.Logger { return r.logger }

func (r *run) ReportProgress(percent int, text string) error {
	if r.m.progress == nil {
		return nil
	}
	return r.m.progress.Report(r.ctx, r.task.ID, percent, text)
}

func (r *run) Chain(stage, taskType string, payload any, opts task.SubmitOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chained = append(r.chained, chainRequest{stage: stage, taskType: taskType, payload: payload, opts: opts})
}

func (r *run) declared() []chainRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.chained)
}

// execute runs one admitted attempt and records its outcome.
func (m *Manager) execute(l *lane, s *slot) {
	defer m.wg.Done()

	var (
		retryAt time.Time
		requeue bool
	)
	defer func() {
		s.cancel(nil)
		metrics.QueueRunning.WithLabelValues(l.desc.Name).Dec()
		if requeue && m.baseCtx.Err() == nil {
			if l.requeue(s.id, retryAt) {
				metrics.QueuePending.WithLabelValues(l.desc.Name).Inc()
				return
			}
			// Cancelled after the retry was recorded.
			cctx, ccancel := persistContext(s.ctx)
			defer ccancel()
			m.cancelled(cctx, s.id)
			return
		}
		l.release(s.id)
	}()

	pctx, pcancel := persistContext(s.ctx)
	defer pcancel()

	t, err := m.store.UpdateTask(pctx, s.id, func(t *task.Task) error {
		if t.Status != task.StatusPending {
			return errNotPending
		}
		now := m.now().UTC()
		t.Status = task.StatusRunning
		t.Attempt++
		t.StartedAt = &now
		t.UpdatedAt = now
		return nil
	})
	switch {
	case errors.Is(err, errNotPending), errors.Is(err, store.ErrNotFound):
		m.logger.Debug("skipping task that is no longer pending", "task_id", s.id)
		return
	case err != nil:
		m.logger.Error("failed to admit task", "task_id", s.id, "error", err)
		requeue, retryAt = true, m.now().Add(admitRetryDelay)
		return
	}

	if s.cancelled.Load() {
		m.cancelled(pctx, t.ID)
		return
	}

	entry, err := m.registry.Lookup(t.Type)
	if err != nil {
		m.giveUp(pctx, t, task.Permanent(err))
		return
	}

	ctx := s.ctx
	if entry.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, entry.Timeout, task.ErrTimeout)
		defer cancel()
	}
	logger := m.logger.With("task_type", t.Type, "queue", t.Queue, "attempt", t.Attempt)
	ctx = logging.WithLogger(logging.WithTaskID(ctx, t.ID), logger)
	ctx, span := tracing.TaskSpan(ctx, t.Type, t.ID, t.Queue, t.Attempt)
	defer span.End()

	r := &run{m: m, ctx: ctx, task: t, logger: logging.FromContext(ctx)}
	r.logger.InfoContext(ctx, "task started")

	start := time.Now()
	result, err := invoke(ctx, entry, r, t.Payload)
	metrics.TaskDurationSeconds.WithLabelValues(t.Queue).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		m.succeed(pctx, t, result, r.declared())
	case s.cancelled.Load():
		m.cancelled(pctx, t.ID)
	case s.ctx.Err() != nil:
		// The manager is shutting down. The task is left for Restore.
		m.interrupt(pctx, t)
	default:
		if errors.Is(context.Cause(ctx), task.ErrTimeout) && !errors.Is(err, task.ErrTimeout) &&
			task.Classify(err).Kind != task.KindPermanent {
			err = fmt.Errorf("%w: %w", task.ErrTimeout, err)
		}
		tracing.RecordError(span, err)
		retryAt, requeue = m.fail(pctx, t, entry, err)
	}
}

func invoke(ctx context.Context, entry *registry.Entry, r *run, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = task.Transient(fmt.Errorf("handler panicked: %v", p))
		}
	}()
	return entry.Invoke(ctx, r, payload)
}

func (m *Manager) succeed(ctx context.Context, t *task.Task, result json.RawMessage, chained []chainRequest) {
	done, err := m.store.UpdateTask(ctx, t.ID, func(t *task.Task) error {
		now := m.now().UTC()
		t.Status = task.StatusSucceeded
		t.Result = result
		t.LastError = nil
		t.UpdatedAt = now
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record task success", "task_id", t.ID, "error", err)
		return
	}
	m.logger.InfoContext(ctx, "task succeeded", "task_id", t.ID, "task_type", t.Type, "attempt", t.Attempt)
	m.finish(ctx, done)

	if len(chained) > 0 {
		m.submitChained(ctx, done, chained)
	}
}

func (m *Manager) submitChained(ctx context.Context, parent *task.Task, chained []chainRequest) {
	sub := m.chainSubmitter()
	if sub == nil {
		m.logger.WarnContext(ctx, "dropping chained tasks, no submitter configured", "task_id", parent.ID, "count", len(chained))
		return
	}
	for _, c := range chained {
		opts := c.opts
		opts.ParentID = parent.ID
		if opts.IdempotencyKey == "" {
			opts.IdempotencyKey = parent.ID + ":" + c.stage
		}
		opts.Tags = task.NormalizeTags(append(slices.Clone(parent.Tags), opts.Tags...))

		h, err := sub.Submit(ctx, c.taskType, c.payload, opts)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to submit chained task",
				"task_id", parent.ID, "stage", c.stage, "chained_type", c.taskType, "error", err)
			continue
		}
		m.logger.InfoContext(ctx, "chained task submitted",
			"task_id", parent.ID, "stage", c.stage, "chained_id", h.ID, "existing", h.Existing)
	}
}

// fail records a failed attempt. It returns the earliest start of the next
// attempt and true when the task is retried.
func (m *Manager) fail(ctx context.Context, t *task.Task, entry *registry.Entry, cause error) (time.Time, bool) {
	policy := entry.Retry
	if t.MaxAttempts > 0 {
		policy.MaxAttempts = t.MaxAttempts
	}
	class := task.Classify(cause)
	decision := retry.Decide(policy, t.Attempt, class)
	if !decision.Retry {
		m.giveUp(ctx, t, cause)
		return time.Time{}, false
	}

	failure := &task.Failure{Kind: task.KindOf(cause), Message: cause.Error()}
	next, err := m.store.UpdateTask(ctx, t.ID, func(t *task.Task) error {
		now := m.now().UTC()
		t.Status = task.StatusPending
		t.NotBefore = now.Add(decision.Delay)
		t.LastError = failure
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record task retry", "task_id", t.ID, "error", err)
		return time.Time{}, false
	}
	metrics.TaskRetriesTotal.WithLabelValues(t.Queue, t.Type, string(class.Kind)).Inc()
	m.logger.WarnContext(ctx, "task attempt failed, retrying",
		"task_id", t.ID, "task_type", t.Type, "attempt", t.Attempt, "kind", failure.Kind, "delay", decision.Delay, "error", cause)
	return next.NotBefore, true
}

func (m *Manager) giveUp(ctx context.Context, t *task.Task, cause error) {
	failure := &task.Failure{Kind: task.KindOf(cause), Message: cause.Error()}
	failed, err := m.store.UpdateTask(ctx, t.ID, func(t *task.Task) error {
		now := m.now().UTC()
		t.Status = task.StatusFailed
		t.LastError = failure
		t.UpdatedAt = now
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record task failure", "task_id", t.ID, "error", err)
		return
	}
	m.logger.ErrorContext(ctx, "task failed permanently",
		"task_id", t.ID, "task_type", t.Type, "attempt", t.Attempt, "kind", failure.Kind, "error", cause)
	m.finish(ctx, failed)

	for _, fn := range m.deadLetter {
		fn(ctx, failed.Clone(), cause)
	}
}

func (m *Manager) cancelled(ctx context.Context, id string) {
	done, err := m.store.UpdateTask(ctx, id, func(t *task.Task) error {
		now := m.now().UTC()
		t.Status = task.StatusCancelled
		t.LastError = &task.Failure{Kind: task.KindCancelled, Message: errCancelRequested.Error()}
		t.UpdatedAt = now
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record task cancellation", "task_id", id, "error", err)
		return
	}
	m.logger.InfoContext(ctx, "running task cancelled", "task_id", id)
	m.finish(ctx, done)
}

func (m *Manager) interrupt(ctx context.Context, t *task.Task) {
	_, err := m.store.UpdateTask(ctx, t.ID, func(t *task.Task) error {
		t.Status = task.StatusPending
		t.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record interrupted task", "task_id", t.ID, "error", err)
		return
	}
	m.logger.InfoContext(ctx, "task interrupted by shutdown", "task_id", t.ID)
}

// finish runs the bookkeeping shared by every terminal transition.
func (m *Manager) finish(ctx context.Context, t *task.Task) {
	metrics.TasksCompletedTotal.WithLabelValues(t.Queue, t.Type, string(t.Status)).Inc()
	if m.progress != nil {
		m.progress.Finish(t.ID)
	}
	if t.IdempotencyKey == "" || t.Status == task.StatusSucceeded {
		return
	}
	if err := m.store.ReleaseKey(ctx, t.IdempotencyKey, t.ID); err != nil {
		m.logger.WarnContext(ctx, "failed to release idempotency key", "task_id", t.ID, "error", err)
	}
}
