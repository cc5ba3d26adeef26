package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"docjobs/internal/task"
)

type idemEntry struct {
	taskID    string
	expiresAt time.Time
}

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	tasks    map[string]*task.Task
	keys     map[string]idemEntry
	progress map[string]task.Progress
	runs     map[string]time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		tasks:    make(map[string]*task.Task),
		keys:     make(map[string]idemEntry),
		progress: make(map[string]task.Progress),
		runs:     make(map[string]time.Time),
	}
}

// SetClock replaces the clock used for key expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[t.ID]; ok {
		return ErrExists
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) UpdateTask(_ context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := t.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	m.tasks[id] = c
	return c.Clone(), nil
}

func (m *Memory) ListTasks(_ context.Context, filter task.Filter) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if filter.Match(t) {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *task.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) PurgeTasks(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.tasks {
		if purgeable(t, before) {
			delete(m.tasks, id)
			delete(m.progress, id)
			n++
		}
	}

	// Expired keys are dead weight once their task is gone
	now := m.now()
	for key, e := range m.keys {
		if !e.expiresAt.After(now) {
			delete(m.keys, key)
		}
	}
	return n, nil
}

func (m *Memory) ClaimKey(_ context.Context, key, taskID string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.keys[key]; ok && e.expiresAt.After(now) {
		return e.taskID, false, nil
	}
	m.keys[key] = idemEntry{taskID: taskID, expiresAt: now.Add(ttl)}
	return taskID, true, nil
}

func (m *Memory) ReleaseKey(_ context.Context, key, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.keys[key]; ok && e.taskID == taskID {
		delete(m.keys, key)
	}
	return nil
}

func (m *Memory) SetProgress(_ context.Context, p task.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[p.TaskID] = p
	return nil
}

func (m *Memory) GetProgress(_ context.Context, taskID string) (*task.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.progress[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) LastRun(_ context.Context, name string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[name], nil
}

func (m *Memory) AdvanceLastRun(_ context.Context, name string, prev, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.runs[name].Equal(prev) {
		return false, nil
	}
	m.runs[name] = next
	return true, nil
}

func (m *Memory) Close() error {
	return nil
}
