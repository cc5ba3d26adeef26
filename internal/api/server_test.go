package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docjobs/internal/logging"
	"docjobs/internal/progress"
	"docjobs/internal/queue"
	"docjobs/internal/store"
	"docjobs/internal/task"
)

type fakeTasks struct {
	mu        sync.Mutex
	tasks     map[string]*task.Task
	submitted []task.SubmitOptions
	payloads  []string
	submitErr error
	cancelErr error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[string]*task.Task)}
}

func (f *fakeTasks) put(t *task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
}

func (f *fakeTasks) setStatus(id string, st task.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id].Status = st
}

func (f *fakeTasks) Submit(ctx context.Context, taskType string, payload any, opts task.SubmitOptions) (task.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return task.Handle{}, f.submitErr
	}
	f.submitted = append(f.submitted, opts)
	raw, _ := payload.(json.RawMessage)
	f.payloads = append(f.payloads, string(raw))
	if opts.IdempotencyKey == "dup" {
		return task.Handle{ID: "existing", Existing: true}, nil
	}
	return task.Handle{ID: "t-new"}, nil
}

func (f *fakeTasks) Get(ctx context.Context, id string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Clone(), nil
}

func (f *fakeTasks) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.Task
	for _, t := range f.tasks {
		if filter.Match(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (f *fakeTasks) Cancel(ctx context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	_, err := f.Get(ctx, id)
	return err
}

type fakeQueues []queue.Stats

func (q fakeQueues) Queues() []queue.Stats { return q }

func newTestServer(t *testing.T) (*fakeTasks, *progress.Reporter, *httptest.Server) {
	t.Helper()
	tasks := newFakeTasks()
	reporter := progress.NewReporter(store.NewMemory())
	queues := fakeQueues{{Name: "convert", Limit: 2, Running: 1, Pending: 3}}
	srv := httptest.NewServer(NewServer(tasks, queues, reporter, logging.Discard()))
	t.Cleanup(srv.Close)
	return tasks, reporter, srv
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSubmit(t *testing.T) {
	tasks, _, srv := newTestServer(t)

	body := `{"type":"document.convert","payload":{"document_id":"d1"},"queue":"convert","delay":"2s","tags":["a"]}`
	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	var h task.Handle
	decode(t, resp, &h)
	assert.Equal(t, "t-new", h.ID)
	assert.False(t, h.Existing)

	require.Len(t, tasks.submitted, 1)
	assert.Equal(t, "convert", tasks.submitted[0].Queue)
	assert.Equal(t, 2*time.Second, tasks.submitted[0].Delay)
	assert.Equal(t, []string{"a"}, tasks.submitted[0].Tags)
	assert.JSONEq(t, `{"document_id":"d1"}`, tasks.payloads[0])
}

func TestSubmit_ExistingKeyReturnsOK(t *testing.T) {
	_, _, srv := newTestServer(t)

	body := `{"type":"document.convert","idempotency_key":"dup"}`
	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var h task.Handle
	decode(t, resp, &h)
	assert.Equal(t, "existing", h.ID)
	assert.True(t, h.Existing)
}

func TestSubmit_RequestIDEchoed(t *testing.T) {
	_, _, srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/tasks", strings.NewReader(`{"type":"x"}`))
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get(RequestIDHeader))
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		want      int
	}{
		{"malformed json", `{"type":`, nil, http.StatusBadRequest},
		{"unknown field", `{"type":"x","priority":1}`, nil, http.StatusBadRequest},
		{"missing type", `{}`, nil, http.StatusBadRequest},
		{"bad delay", `{"type":"x","delay":"soon"}`, nil, http.StatusBadRequest},
		{"negative delay", `{"type":"x","delay":"-1s"}`, nil, http.StatusBadRequest},
		{"unknown type", `{"type":"x"}`, fmt.Errorf("%w: %q", task.ErrUnknownTaskType, "x"), http.StatusBadRequest},
		{"unknown queue", `{"type":"x"}`, fmt.Errorf("%w: %q", task.ErrUnknownQueue, "gpu"), http.StatusBadRequest},
		{"validation", `{"type":"x"}`, &task.ValidationError{Type: "x", Field: "source_ref", Err: errors.New("required")}, http.StatusUnprocessableEntity},
		{"internal", `{"type":"x"}`, errors.New("redis: connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, _, srv := newTestServer(t)
			tasks.submitErr = tt.submitErr

			resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)

			var body map[string]string
			decode(t, resp, &body)
			assert.NotEmpty(t, body["error"])
			assert.NotContains(t, body["error"], "redis")
		})
	}
}

func TestGetTask(t *testing.T) {
	tasks, _, srv := newTestServer(t)
	tasks.put(&task.Task{
		ID:        "t1",
		Type:      "document.convert",
		Status:    task.StatusFailed,
		LastError: &task.Failure{Kind: task.KindPermanent, Message: "unsupported format"},
	})

	resp, err := http.Get(srv.URL + "/v1/tasks/t1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]any
	decode(t, resp, &got)
	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, map[string]any{"kind": "permanent", "message": "unsupported format"}, got["last_error"])

	resp, err = http.Get(srv.URL + "/v1/tasks/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTasks(t *testing.T) {
	tasks, _, srv := newTestServer(t)
	tasks.put(&task.Task{ID: "a", Queue: "convert", Status: task.StatusPending})
	tasks.put(&task.Task{ID: "b", Queue: "convert", Status: task.StatusSucceeded})
	tasks.put(&task.Task{ID: "c", Queue: "video", Status: task.StatusPending})

	resp, err := http.Get(srv.URL + "/v1/tasks?queue=convert&status=pending,running")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Tasks []task.Task `json:"tasks"`
	}
	decode(t, resp, &got)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "a", got.Tasks[0].ID)

	resp, err = http.Get(srv.URL + "/v1/tasks?queue=none")
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	decode(t, resp, &raw)
	assert.JSONEq(t, `[]`, string(raw["tasks"]))
}

func TestCancelTask(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		cancelErr error
		want      int
	}{
		{"accepted", "t1", nil, http.StatusAccepted},
		{"not found", "missing", nil, http.StatusNotFound},
		{"terminal", "t1", fmt.Errorf("%w: task t1 is succeeded", task.ErrNotCancellable), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, _, srv := newTestServer(t)
			tasks.put(&task.Task{ID: "t1", Status: task.StatusRunning})
			tasks.cancelErr = tt.cancelErr

			req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/tasks/"+tt.id, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestProgress(t *testing.T) {
	_, reporter, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/tasks/t1/progress")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, reporter.Report(context.Background(), "t1", 40, "page 4 of 10"))

	resp, err = http.Get(srv.URL + "/v1/tasks/t1/progress")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var p task.Progress
	decode(t, resp, &p)
	assert.Equal(t, 40, p.Percent)
	assert.Equal(t, "page 4 of 10", p.Text)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, scanner *bufio.Scanner, n int) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	for len(out) < n && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestProgressStream(t *testing.T) {
	tasks, reporter, srv := newTestServer(t)
	tasks.put(&task.Task{ID: "t1", Status: task.StatusRunning})
	require.NoError(t, reporter.Report(context.Background(), "t1", 10, "started"))

	resp, err := http.Get(srv.URL + "/v1/tasks/t1/progress/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	first := readEvents(t, scanner, 1)
	require.Len(t, first, 1)
	assert.Equal(t, "progress", first[0].name)
	assert.Contains(t, first[0].data, `"percent":10`)

	require.NoError(t, reporter.Report(context.Background(), "t1", 60, "halfway"))
	tasks.setStatus("t1", task.StatusSucceeded)
	reporter.Finish("t1")

	rest := readEvents(t, scanner, 2)
	require.Len(t, rest, 2)
	assert.Equal(t, "progress", rest[0].name)
	assert.Contains(t, rest[0].data, `"percent":60`)
	assert.Equal(t, "done", rest[1].name)
	assert.JSONEq(t, `{"status":"succeeded"}`, rest[1].data)
}

func TestProgressStream_TerminalTask(t *testing.T) {
	tasks, _, srv := newTestServer(t)
	tasks.put(&task.Task{ID: "t1", Status: task.StatusCancelled})

	resp, err := http.Get(srv.URL + "/v1/tasks/t1/progress/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readEvents(t, bufio.NewScanner(resp.Body), 1)
	require.Len(t, events, 1)
	assert.Equal(t, "done", events[0].name)
	assert.JSONEq(t, `{"status":"cancelled"}`, events[0].data)
}

func TestProgressStream_UnknownTask(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/tasks/missing/progress/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueues(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/queues")
	require.NoError(t, err)
	var got map[string][]map[string]any
	decode(t, resp, &got)
	require.Len(t, got["queues"], 1)
	assert.Equal(t, "convert", got["queues"][0]["name"])
	assert.EqualValues(t, 2, got["queues"][0]["concurrency_limit"])
	assert.EqualValues(t, 3, got["queues"][0]["pending"])
}

func TestHealthz(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/healthz", "text/plain", bytes.NewReader(nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
