package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"docjobs/internal/queue"
	"docjobs/internal/task"
)

// Client talks to a running API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Error is a non-2xx response from the server.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

// Submit submits a task.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (task.Handle, error) {
	r, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/v1/tasks", req)
	if err != nil {
		return task.Handle{}, err
	}
	var h task.Handle
	if err := c.do(r, &h); err != nil {
		return task.Handle{}, err
	}
	return h, nil
}

// Get retrieves a task.
func (c *Client) Get(ctx context.Context, id string) (*task.Task, error) {
	r, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var t task.Task
	if err := c.do(r, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List lists tasks matching filter.
func (c *Client) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	q := url.Values{}
	if filter.Queue != "" {
		q.Set("queue", filter.Queue)
	}
	if filter.Tag != "" {
		q.Set("tag", filter.Tag)
	}
	if filter.ParentID != "" {
		q.Set("parent_id", filter.ParentID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		q.Set("status", strings.Join(statuses, ","))
	}
	u := c.baseURL + "/v1/tasks"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	r, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Tasks []*task.Task `json:"tasks"`
	}
	if err := c.do(r, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Cancel cancels a task.
func (c *Client) Cancel(ctx context.Context, id string) error {
	r, err := c.newRequest(ctx, http.MethodDelete, c.baseURL+"/v1/tasks/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return c.do(r, nil)
}

// Progress retrieves the latest progress of a task.
func (c *Client) Progress(ctx context.Context, id string) (*task.Progress, error) {
	r, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+url.PathEscape(id)+"/progress", nil)
	if err != nil {
		return nil, err
	}
	var p task.Progress
	if err := c.do(r, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Queues retrieves the occupancy of every queue.
func (c *Client) Queues(ctx context.Context) ([]queue.Stats, error) {
	r, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/v1/queues", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Queues []queue.Stats `json:"queues"`
	}
	if err := c.do(r, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var buf io.ReadWriter
	if body != nil {
		buf = &bytes.Buffer{}
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: body.Error}
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
