package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docjobs/internal/retry"
	"docjobs/internal/task"
)

type resizePayload struct {
	DocumentID string `json:"document_id"`
	Width      int    `json:"width"`
}

func (p resizePayload) Validate() error {
	if p.DocumentID == "" {
		return &FieldError{Field: "document_id", Err: errors.New("required")}
	}
	if p.Width <= 0 {
		return errors.New("width must be positive")
	}
	return nil
}

type stubRun struct{}

func (stubRun) Task() *task.Task                              { return &task.Task{} }
func (stubRun) ReportProgress(int, string) error              { return nil }
func (stubRun) Chain(string, string, any, task.SubmitOptions) {}
func (stubRun) Logger() *slog.Logger                          { return slog.Default() }

func newResizeRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	err := Register(r, Definition{Type: "image.resize", Queue: "convert", Timeout: time.Minute},
		func(ctx context.Context, run Run, p resizePayload) (any, error) {
			return map[string]int{"width": p.Width}, nil
		})
	require.NoError(t, err)
	return r
}

func TestRegisterDefaults(t *testing.T) {
	r := New()
	require.NoError(t, Register(r, Definition{Type: "noop"}, func(context.Context, Run, struct{}) (any, error) {
		return nil, nil
	}))

	entry, err := r.Lookup("noop")
	require.NoError(t, err)
	assert.Equal(t, DefaultQueue, entry.Queue)
	assert.Equal(t, retry.DefaultPolicy(), entry.Retry)
}

func TestRegisterErrors(t *testing.T) {
	r := newResizeRegistry(t)
	noop := func(context.Context, Run, struct{}) (any, error) { return nil, nil }

	assert.Error(t, Register(r, Definition{}, noop), "missing type")
	assert.Error(t, Register[struct{}](r, Definition{Type: "x"}, nil), "missing handler")
	assert.Error(t, Register(r, Definition{Type: "image.resize"}, noop), "duplicate")
	assert.ErrorIs(t, Register(r, Definition{Type: "y", Retry: retry.Policy{MaxAttempts: -1}}, noop), retry.ErrInvalidAttempts)
	assert.Panics(t, func() { MustRegister(r, Definition{Type: "image.resize"}, noop) })
}

func TestLookupUnknown(t *testing.T) {
	r := New()
	_, err := r.Lookup("nope")
	assert.ErrorIs(t, err, task.ErrUnknownTaskType)
}

func TestPrepare(t *testing.T) {
	r := newResizeRegistry(t)
	entry, err := r.Lookup("image.resize")
	require.NoError(t, err)

	t.Run("struct payload", func(t *testing.T) {
		raw, err := entry.Prepare(resizePayload{DocumentID: "d1", Width: 200})
		require.NoError(t, err)
		assert.JSONEq(t, `{"document_id":"d1","width":200}`, string(raw))
	})

	t.Run("raw payload is compacted", func(t *testing.T) {
		raw, err := entry.Prepare(json.RawMessage("{ \"document_id\": \"d1\",\n \"width\": 2 }"))
		require.NoError(t, err)
		assert.Equal(t, `{"document_id":"d1","width":2}`, string(raw))
	})

	t.Run("field error", func(t *testing.T) {
		_, err := entry.Prepare(map[string]any{"width": 10})
		var ve *task.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "document_id", ve.Field)
		assert.Equal(t, task.KindPermanent, task.Classify(err).Kind)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := entry.Prepare(map[string]any{"document_id": "d", "width": 1, "height": 3})
		var ve *task.ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := entry.Prepare([]byte(`{"document_id":`))
		var ve *task.ValidationError
		assert.ErrorAs(t, err, &ve)
	})
}

func TestInvoke(t *testing.T) {
	r := newResizeRegistry(t)
	entry, err := r.Lookup("image.resize")
	require.NoError(t, err)

	out, err := entry.Invoke(context.Background(), stubRun{}, json.RawMessage(`{"document_id":"d1","width":64}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"width":64}`, string(out))
}

func TestOverride(t *testing.T) {
	r := newResizeRegistry(t)
	policy := retry.Policy{MaxAttempts: 7, MinBackoff: time.Second, MaxBackoff: time.Minute, Factor: 3}
	require.NoError(t, r.Override("image.resize", "bulk", policy, 0))

	entry, err := r.Lookup("image.resize")
	require.NoError(t, err)
	assert.Equal(t, "bulk", entry.Queue)
	assert.Equal(t, 7, entry.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, entry.Timeout, "zero timeout keeps registered value")

	assert.ErrorIs(t, r.Override("missing", "", retry.Policy{}, 0), task.ErrUnknownTaskType)
}

func TestOverrideMergesRetryFields(t *testing.T) {
	r := newResizeRegistry(t)
	before, err := r.Lookup("image.resize")
	require.NoError(t, err)

	require.NoError(t, r.Override("image.resize", "", retry.Policy{MaxAttempts: 7}, 0))

	entry, err := r.Lookup("image.resize")
	require.NoError(t, err)
	assert.Equal(t, 7, entry.Retry.MaxAttempts)
	assert.Equal(t, before.Retry.MinBackoff, entry.Retry.MinBackoff)
	assert.Equal(t, before.Retry.MaxBackoff, entry.Retry.MaxBackoff)
	assert.Equal(t, before.Retry.Factor, entry.Retry.Factor)
	assert.Equal(t, "convert", entry.Queue)

	err = r.Override("image.resize", "", retry.Policy{MinBackoff: time.Hour}, 0)
	assert.ErrorIs(t, err, retry.ErrInvalidBackoff)
	entry, err = r.Lookup("image.resize")
	require.NoError(t, err)
	assert.Equal(t, before.Retry.MinBackoff, entry.Retry.MinBackoff, "rejected override leaves the entry untouched")
}

func TestDefinitionsSorted(t *testing.T) {
	r := newResizeRegistry(t)
	MustRegister(r, Definition{Type: "cleanup"}, func(context.Context, Run, struct{}) (any, error) { return nil, nil })

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "cleanup", defs[0].Type)
	assert.Equal(t, "image.resize", defs[1].Type)
}
