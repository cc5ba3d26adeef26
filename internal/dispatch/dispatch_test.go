package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docjobs/internal/logging"
	"docjobs/internal/queue"
	"docjobs/internal/registry"
	"docjobs/internal/store"
	"docjobs/internal/task"
)

type convertPayload struct {
	SourceRef    string `json:"source_ref"`
	TargetFormat string `json:"target_format"`
}

func (p convertPayload) Validate() error {
	if p.SourceRef == "" {
		return &registry.FieldError{Field: "source_ref", Err: errors.New("is required")}
	}
	return nil
}

func setup(t *testing.T) (*Dispatcher, *queue.Manager, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	reg := registry.New()
	registry.MustRegister(reg, registry.Definition{Type: "document.convert", Queue: "convert"},
		func(context.Context, registry.Run, convertPayload) (any, error) { return nil, nil })

	m, err := queue.NewManager(s, reg, []queue.Descriptor{
		{Name: "default", Concurrency: 1},
		{Name: "convert", Concurrency: 2},
	}, queue.WithLogger(logging.Discard()))
	require.NoError(t, err)
	return New(s, reg, m, WithLogger(logging.Discard())), m, s
}

func TestSubmit(t *testing.T) {
	d, m, _ := setup(t)
	ctx := context.Background()

	h, err := d.Submit(ctx, "document.convert", convertPayload{SourceRef: "s3://in/a.docx", TargetFormat: "pdf"},
		task.SubmitOptions{Tags: []string{"tenant:b", "tenant:a", "tenant:b"}})
	require.NoError(t, err)
	assert.False(t, h.Existing)
	assert.NotEmpty(t, h.ID)

	got, err := d.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, "convert", got.Queue)
	assert.Equal(t, 0, got.Attempt)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.Equal(t, []string{"tenant:a", "tenant:b"}, got.Tags)
	assert.JSONEq(t, `{"source_ref":"s3://in/a.docx","target_format":"pdf"}`, string(got.Payload))

	stats, err := m.Stats("convert")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestSubmitErrors(t *testing.T) {
	d, _, s := setup(t)
	ctx := context.Background()

	_, err := d.Submit(ctx, "video.transcode", nil, task.SubmitOptions{})
	assert.ErrorIs(t, err, task.ErrUnknownTaskType)

	_, err = d.Submit(ctx, "document.convert", convertPayload{SourceRef: "x"}, task.SubmitOptions{Queue: "gpu"})
	assert.ErrorIs(t, err, task.ErrUnknownQueue)

	_, err = d.Submit(ctx, "document.convert", convertPayload{}, task.SubmitOptions{IdempotencyKey: "k"})
	var ve *task.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "source_ref", ve.Field)
	assert.Equal(t, task.KindPermanent, task.Classify(err).Kind)

	tasks, err := s.ListTasks(ctx, task.Filter{})
	require.NoError(t, err)
	assert.Empty(t, tasks, "rejected submissions must not be persisted")

	// The key was never claimed by the rejected submission.
	_, claimed, err := s.ClaimKey(ctx, "k", "other", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSubmitDelayAndRunAt(t *testing.T) {
	d, _, _ := setup(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	h, err := d.Submit(ctx, "document.convert", convertPayload{SourceRef: "a"}, task.SubmitOptions{Delay: time.Minute})
	require.NoError(t, err)
	got, _ := d.Get(ctx, h.ID)
	assert.Equal(t, base.Add(time.Minute), got.NotBefore)

	runAt := base.Add(time.Hour)
	h, err = d.Submit(ctx, "document.convert", convertPayload{SourceRef: "a"}, task.SubmitOptions{Delay: time.Minute, RunAt: runAt})
	require.NoError(t, err)
	got, _ = d.Get(ctx, h.ID)
	assert.Equal(t, runAt, got.NotBefore)
}

func TestSubmitIdempotent(t *testing.T) {
	d, _, _ := setup(t)
	ctx := context.Background()
	p := convertPayload{SourceRef: "s3://in/a.docx"}

	first, err := d.Submit(ctx, "document.convert", p, task.SubmitOptions{IdempotencyKey: "doc-a"})
	require.NoError(t, err)
	second, err := d.Submit(ctx, "document.convert", p, task.SubmitOptions{IdempotencyKey: "doc-a"})
	require.NoError(t, err)

	assert.False(t, first.Existing)
	assert.True(t, second.Existing)
	assert.Equal(t, first.ID, second.ID)
}

func TestSubmitIdempotentConcurrent(t *testing.T) {
	d, _, s := setup(t)
	ctx := context.Background()

	const n = 20
	handles := make([]task.Handle, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = d.Submit(ctx, "document.convert", convertPayload{SourceRef: "same"},
				task.SubmitOptions{IdempotencyKey: "same-doc"})
		}()
	}
	wg.Wait()

	created := 0
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, handles[0].ID, handles[i].ID)
		if !handles[i].Existing {
			created++
		}
	}
	assert.Equal(t, 1, created)

	tasks, err := s.ListTasks(ctx, task.Filter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestSubmitAfterFailedOwner(t *testing.T) {
	d, _, s := setup(t)
	ctx := context.Background()

	first, err := d.Submit(ctx, "document.convert", convertPayload{SourceRef: "a"}, task.SubmitOptions{IdempotencyKey: "doc"})
	require.NoError(t, err)

	// Simulate a failure whose key release was lost.
	_, err = s.UpdateTask(ctx, first.ID, func(t *task.Task) error {
		t.Status = task.StatusFailed
		return nil
	})
	require.NoError(t, err)

	second, err := d.Submit(ctx, "document.convert", convertPayload{SourceRef: "a"}, task.SubmitOptions{IdempotencyKey: "doc"})
	require.NoError(t, err)
	assert.False(t, second.Existing)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCancelDelegates(t *testing.T) {
	d, _, _ := setup(t)
	ctx := context.Background()

	h, err := d.Submit(ctx, "document.convert", convertPayload{SourceRef: "a"}, task.SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, d.Cancel(ctx, h.ID))

	got, err := d.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.ErrorIs(t, d.Cancel(ctx, h.ID), task.ErrNotCancellable)

	list, err := d.List(ctx, task.Filter{Status: []task.Status{task.StatusCancelled}})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
