// Package notify sends transactional notifications through an ntfy server.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"docjobs/internal/task"
)

const (
	PriorityUrgent  = "urgent"
	PriorityHigh    = "high"
	PriorityDefault = "default"
	PriorityLow     = "low"
	PriorityMin     = "min"
)

// Sender delivers a templated notification to a recipient.
type Sender interface {
	Notify(ctx context.Context, templateID, recipient string, vars map[string]string) error
}

// NtfyClient is a client for sending notifications to an ntfy server.
type NtfyClient struct {
	serverURL  string
	topic      string
	token      string
	httpClient *http.Client
}

// Option configures an NtfyClient.
type Option func(*NtfyClient)

// WithToken authenticates with an ntfy access token.
func WithToken(token string) Option {
	return func(c *NtfyClient) { c.token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *NtfyClient) { c.httpClient = hc }
}

// NewNtfyClient creates a new NtfyClient publishing to topic.
func NewNtfyClient(serverURL, topic string, opts ...Option) *NtfyClient {
	c := &NtfyClient{
		serverURL:  strings.TrimRight(serverURL, "/"),
		topic:      topic,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// message is the ntfy JSON publish format.
type message struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title,omitempty"`
	Message  string   `json:"message"`
	Priority int      `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Email    string   `json:"email,omitempty"`
}

var priorities = map[string]int{
	PriorityMin:     1,
	PriorityLow:     2,
	PriorityDefault: 3,
	PriorityHigh:    4,
	PriorityUrgent:  5,
}

// Notify publishes the template id and its variables. Recipients that look
// like email addresses are forwarded by ntfy as email.
func (c *NtfyClient) Notify(ctx context.Context, templateID, recipient string, vars map[string]string) error {
	if templateID == "" {
		return task.Permanent(fmt.Errorf("template id is required"))
	}
	var body strings.Builder
	if recipient != "" {
		fmt.Fprintf(&body, "to: %s\n", recipient)
	}
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		fmt.Fprintf(&body, "%s: %s\n", k, vars[k])
	}

	msg := message{
		Topic:   c.topic,
		Title:   templateID,
		Message: strings.TrimSuffix(body.String(), "\n"),
		Tags:    []string{"docjobs", templateID},
	}
	if strings.Contains(recipient, "@") {
		msg.Email = recipient
	}
	return c.publish(ctx, msg)
}

// Send sends a notification with a given priority.
func (c *NtfyClient) Send(ctx context.Context, title, text, priority string) error {
	return c.publish(ctx, message{Topic: c.topic, Title: title, Message: text, Priority: priorities[priority]})
}

// SendWithTags sends a notification with a given set of tags.
func (c *NtfyClient) SendWithTags(ctx context.Context, title, text string, tags []string) error {
	return c.publish(ctx, message{Topic: c.topic, Title: title, Message: text, Tags: tags})
}

// TaskFailed alerts operators about a task that exhausted its retries.
func (c *NtfyClient) TaskFailed(ctx context.Context, t *task.Task) error {
	text := fmt.Sprintf("%s %s failed after %d attempt(s)", t.Type, t.ID, t.Attempt)
	if t.LastError != nil {
		text += fmt.Sprintf(": %s: %s", t.LastError.Kind, t.LastError.Message)
	}
	return c.publish(ctx, message{
		Topic:    c.topic,
		Title:    "docjobs: task failed",
		Message:  text,
		Priority: priorities[PriorityHigh],
		Tags:     []string{"warning", t.Queue},
	})
}

func (c *NtfyClient) publish(ctx context.Context, msg message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return task.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, bytes.NewReader(payload))
	if err != nil {
		return task.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.do(req)
}

func (c *NtfyClient) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return task.Transient(fmt.Errorf("ntfy request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	err = fmt.Errorf("ntfy request failed: status %d, body: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return task.RateLimited(err, time.Duration(secs)*time.Second)
	case resp.StatusCode >= 500:
		return task.Transient(err)
	default:
		return task.Permanent(err)
	}
}
