package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docjobs/internal/logging"
	"docjobs/internal/store"
	"docjobs/internal/task"
)

// keySubmitter records submissions and deduplicates them by idempotency key.
type keySubmitter struct {
	mu    sync.Mutex
	calls []task.SubmitOptions
	keys  map[string]string
	err   error
}

func (k *keySubmitter) Submit(_ context.Context, _ string, _ any, opts task.SubmitOptions) (task.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return task.Handle{}, k.err
	}
	if k.keys == nil {
		k.keys = make(map[string]string)
	}
	if id, ok := k.keys[opts.IdempotencyKey]; ok {
		return task.Handle{ID: id, Existing: true}, nil
	}
	k.calls = append(k.calls, opts)
	id := opts.IdempotencyKey + "-task"
	k.keys[opts.IdempotencyKey] = id
	return task.Handle{ID: id}, nil
}

func (k *keySubmitter) submitted() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := make([]string, len(k.calls))
	for i, c := range k.calls {
		keys[i] = c.IdempotencyKey
	}
	return keys
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 5, 4, hour, minute, 0, 0, time.UTC)
}

func TestAddValidation(t *testing.T) {
	s := New(store.NewMemory(), &keySubmitter{}, WithLogger(logging.Discard()))

	assert.Error(t, s.Add(Job{Cron: "@hourly", TaskType: "maintenance.cleanup"}), "missing name")
	assert.Error(t, s.Add(Job{Name: "a", Cron: "@hourly"}), "missing task type")
	assert.Error(t, s.Add(Job{Name: "a", Cron: "61 * * * *", TaskType: "x"}), "bad cron")
	assert.Error(t, s.Add(Job{Name: "a", Cron: "@hourly", TaskType: "x", Timezone: "Mars/Olympus"}), "bad timezone")

	require.NoError(t, s.Add(Job{Name: "a", Cron: "@hourly", TaskType: "x"}))
	assert.Error(t, s.Add(Job{Name: "a", Cron: "@daily", TaskType: "x"}), "duplicate")

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
}

func TestOncePerWindow(t *testing.T) {
	ctx := context.Background()
	sub := &keySubmitter{}
	st := store.NewMemory()
	s := New(st, sub, WithLogger(logging.Discard()))
	require.NoError(t, s.Add(Job{Name: "cleanup", Cron: "0 * * * *", TaskType: "maintenance.cleanup"}))

	require.NoError(t, s.Tick(ctx, at(10, 30)))
	require.NoError(t, s.Tick(ctx, at(10, 45)))
	require.NoError(t, s.Tick(ctx, at(10, 59)))
	assert.Equal(t, []string{"schedule:cleanup:2026-05-04T10:00:00Z"}, sub.submitted())

	require.NoError(t, s.Tick(ctx, at(11, 0)))
	require.NoError(t, s.Tick(ctx, at(11, 1)))
	assert.Equal(t, []string{
		"schedule:cleanup:2026-05-04T10:00:00Z",
		"schedule:cleanup:2026-05-04T11:00:00Z",
	}, sub.submitted())

	last, err := st.LastRun(ctx, "cleanup")
	require.NoError(t, err)
	assert.True(t, last.Equal(at(11, 0)))
}

func TestMissedWindowsCollapse(t *testing.T) {
	ctx := context.Background()
	sub := &keySubmitter{}
	st := store.NewMemory()
	s := New(st, sub, WithLogger(logging.Discard()))
	require.NoError(t, s.Add(Job{Name: "cleanup", Cron: "*/5 * * * *", TaskType: "maintenance.cleanup"}))

	require.NoError(t, s.Tick(ctx, at(10, 0)))
	// Down for 32 minutes; only the latest window fires.
	require.NoError(t, s.Tick(ctx, at(10, 32)))
	assert.Equal(t, []string{
		"schedule:cleanup:2026-05-04T10:00:00Z",
		"schedule:cleanup:2026-05-04T10:30:00Z",
	}, sub.submitted())
}

func TestTimezone(t *testing.T) {
	ctx := context.Background()
	sub := &keySubmitter{}
	s := New(store.NewMemory(), sub, WithLogger(logging.Discard()))
	require.NoError(t, s.Add(Job{Name: "report", Cron: "0 9 * * *", TaskType: "x", Timezone: "Europe/Prague"}))

	// 09:00 in Prague is 07:00 UTC during summer time.
	require.NoError(t, s.Tick(ctx, at(6, 59)))
	assert.Empty(t, sub.submitted())
	require.NoError(t, s.Tick(ctx, at(7, 0)))
	assert.Equal(t, []string{"schedule:report:2026-05-04T07:00:00Z"}, sub.submitted())
}

func TestConcurrentSchedulersTriggerOnce(t *testing.T) {
	ctx := context.Background()
	sub := &keySubmitter{}
	st := store.NewMemory()

	var wg sync.WaitGroup
	for range 4 {
		s := New(st, sub, WithLogger(logging.Discard()))
		require.NoError(t, s.Add(Job{Name: "cleanup", Cron: "0 * * * *", TaskType: "maintenance.cleanup"}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Tick(ctx, at(10, 30)))
		}()
	}
	wg.Wait()
	assert.Len(t, sub.submitted(), 1)
}

func TestSubmitFailureRetriesNextTick(t *testing.T) {
	ctx := context.Background()
	sub := &keySubmitter{err: errors.New("store unavailable")}
	st := store.NewMemory()
	s := New(st, sub, WithLogger(logging.Discard()))
	require.NoError(t, s.Add(Job{Name: "cleanup", Cron: "0 * * * *", TaskType: "maintenance.cleanup"}))

	assert.Error(t, s.Tick(ctx, at(10, 30)))
	last, err := st.LastRun(ctx, "cleanup")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()
	require.NoError(t, s.Tick(ctx, at(10, 31)))
	assert.Equal(t, []string{"schedule:cleanup:2026-05-04T10:00:00Z"}, sub.submitted())
}

func TestJobs(t *testing.T) {
	s := New(store.NewMemory(), &keySubmitter{}, WithLogger(logging.Discard()),
		WithClock(func() time.Time { return at(10, 30) }))
	require.NoError(t, s.Add(Job{Name: "b", Cron: "@hourly", TaskType: "x"}))
	require.NoError(t, s.Add(Job{Name: "a", Cron: "@daily", TaskType: "x"}))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, StateIdle, jobs[0].State)
	assert.Equal(t, time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC), jobs[0].NextRun)
	assert.Equal(t, at(11, 0), jobs[1].NextRun)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	sub := &keySubmitter{}
	s := New(store.NewMemory(), sub, WithLogger(logging.Discard()), WithTick(5*time.Millisecond),
		WithClock(func() time.Time { return at(10, 30) }))
	require.NoError(t, s.Add(Job{Name: "cleanup", Cron: "0 * * * *", TaskType: "maintenance.cleanup"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sub.submitted()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Len(t, sub.submitted(), 1)
}

func TestWindowKey(t *testing.T) {
	prague, err := time.LoadLocation("Europe/Prague")
	require.NoError(t, err)
	window := time.Date(2026, 5, 4, 9, 0, 0, 0, prague)
	assert.Equal(t, "schedule:report:2026-05-04T07:00:00Z", WindowKey("report", window))
}
