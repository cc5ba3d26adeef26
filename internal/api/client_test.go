package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docjobs/internal/task"
)

func TestClient(t *testing.T) {
	tasks, reporter, srv := newTestServer(t)
	tasks.put(&task.Task{ID: "t1", Type: "document.convert", Queue: "convert", Status: task.StatusRunning, Tags: []string{"x"}})
	tasks.put(&task.Task{ID: "t2", Queue: "video", Status: task.StatusPending})
	require.NoError(t, reporter.Report(context.Background(), "t1", 70, "rendering"))

	c := NewClient(srv.URL+"/", nil)
	ctx := context.Background()

	h, err := c.Submit(ctx, SubmitRequest{Type: "document.convert", Payload: []byte(`{"a":1}`), Delay: "1m"})
	require.NoError(t, err)
	assert.Equal(t, "t-new", h.ID)

	got, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)

	list, err := c.List(ctx, task.Filter{Queue: "convert", Tag: "x", Status: []task.Status{task.StatusRunning}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].ID)

	p, err := c.Progress(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 70, p.Percent)

	queues, err := c.Queues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 1)
	assert.Equal(t, 2, queues[0].Limit)

	require.NoError(t, c.Cancel(ctx, "t2"))
}

func TestClient_Errors(t *testing.T) {
	tasks, _, srv := newTestServer(t)
	tasks.submitErr = &task.ValidationError{Type: "x", Err: errors.New("bad")}
	c := NewClient(srv.URL, nil)

	_, err := c.Get(context.Background(), "missing")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not found", apiErr.Message)

	_, err = c.Submit(context.Background(), SubmitRequest{Type: "x"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "invalid x payload")
}
