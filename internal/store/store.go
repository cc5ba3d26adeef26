// Package store persists tasks, idempotency keys, progress and schedule state.
//
// Every adapter provides the two primitives the engine relies on: atomic
// insert-if-absent (CreateTask, ClaimKey) and atomic read-modify-write
// (UpdateTask, AdvanceLastRun).
package store

import (
	"context"
	"errors"
	"time"

	"docjobs/internal/task"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// TaskStore holds task records.
type TaskStore interface {
	// CreateTask inserts t unless a task with the same id exists (ErrExists).
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	// UpdateTask applies fn to the stored task atomically. If fn returns an
	// error nothing is written and the error is returned as-is.
	UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error)
	// ListTasks returns matching tasks ordered by creation time.
	ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error)
	// PurgeTasks deletes terminal tasks that finished before the cutoff.
	PurgeTasks(ctx context.Context, before time.Time) (int, error)
}

// IdempotencyStore maps idempotency keys to the task that owns them.
type IdempotencyStore interface {
	// ClaimKey records key -> taskID unless a non-expired entry exists. It
	// returns the owning task id and whether this call created the entry.
	ClaimKey(ctx context.Context, key, taskID string, ttl time.Duration) (owner string, claimed bool, err error)
	// ReleaseKey deletes the entry if it still points at taskID.
	ReleaseKey(ctx context.Context, key, taskID string) error
}

// ProgressStore keeps the latest progress value per task.
type ProgressStore interface {
	SetProgress(ctx context.Context, p task.Progress) error
	GetProgress(ctx context.Context, taskID string) (*task.Progress, error)
}

// ScheduleStore keeps the last trigger time of scheduled jobs.
type ScheduleStore interface {
	// LastRun returns the zero time if the job never ran.
	LastRun(ctx context.Context, name string) (time.Time, error)
	// AdvanceLastRun sets the last run to next only if it is still prev.
	AdvanceLastRun(ctx context.Context, name string, prev, next time.Time) (bool, error)
}

// Store is the full persistence contract of the engine.
type Store interface {
	TaskStore
	IdempotencyStore
	ProgressStore
	ScheduleStore
	Close() error
}

func purgeable(t *task.Task, before time.Time) bool {
	return t.Status.Terminal() && t.FinishedAt != nil && t.FinishedAt.Before(before)
}
