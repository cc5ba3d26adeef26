package task

import (
	"encoding/json"
	"slices"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Failure is the last error recorded against a task. Only the kind and
// message are exposed to callers.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Task represents a unit of asynchronous work.
type Task struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Queue          string          `json:"queue"`
	Status         Status          `json:"status"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	ParentID       string          `json:"parent_id,omitempty"`
	NotBefore      time.Time       `json:"not_before"`
	Result         json.RawMessage `json:"result,omitempty"`
	LastError      *Failure        `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so that callers never share mutable state with
// the queue manager.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = slices.Clone(t.Payload)
	c.Result = slices.Clone(t.Result)
	c.Tags = slices.Clone(t.Tags)
	if t.LastError != nil {
		f := *t.LastError
		c.LastError = &f
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

// HasTag reports whether the task carries tag.
func (t *Task) HasTag(tag string) bool {
	_, found := slices.BinarySearch(t.Tags, tag)
	return found
}

// NormalizeTags sorts and deduplicates tags, dropping empty strings.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag != "" {
			out = append(out, tag)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// SubmitOptions controls how a task is submitted.
type SubmitOptions struct {
	// Queue overrides the queue from the registry metadata.
	Queue string
	// IdempotencyKey deduplicates logically identical submissions.
	IdempotencyKey string
	// Delay postpones the earliest start. Ignored when RunAt is set.
	Delay time.Duration
	// RunAt sets the earliest start explicitly.
	RunAt time.Time
	Tags  []string
	// ParentID links a chained task to the task that submitted it.
	ParentID string
}

// Handle is returned to callers after submission.
type Handle struct {
	ID string `json:"id"`
	// Existing is true when an idempotency key matched an earlier submission.
	Existing bool `json:"existing"`
}

// Filter selects tasks from a store. Zero values match everything.
type Filter struct {
	Queue    string
	Status   []Status
	Tag      string
	ParentID string
}

// Match reports whether t satisfies the filter.
func (f Filter) Match(t *Task) bool {
	if f.Queue != "" && t.Queue != f.Queue {
		return false
	}
	if len(f.Status) > 0 && !slices.Contains(f.Status, t.Status) {
		return false
	}
	if f.Tag != "" && !t.HasTag(f.Tag) {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	return true
}

// Progress is the latest progress value published by a running task.
type Progress struct {
	TaskID    string    `json:"task_id"`
	Percent   int       `json:"percent"`
	Text      string    `json:"text,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
