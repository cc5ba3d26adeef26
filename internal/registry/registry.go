// Package registry maps task type identifiers to their handlers and static
// metadata. Payloads are strongly typed: each registration names a Go type
// that submissions are decoded into and validated against.
package registry

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"docjobs/internal/retry"
	"docjobs/internal/task"
)

const DefaultQueue = "default"

// Validator is implemented by payload types that check their own fields.
type Validator interface {
	Validate() error
}

// FieldError lets a Validator name the offending field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

// Run is the handle a handler receives for the attempt it is executing.
type Run interface {
	// Task returns a snapshot of the task being executed.
	Task() *task.Task
	// ReportProgress publishes the latest progress value for the task.
	ReportProgress(percent int, text string) error
	// Chain declares a follow-on submission. It is submitted only after the
	// current task is recorded as succeeded.
	Chain(stage, taskType string, payload any, opts task.SubmitOptions)
	Logger() *slog.Logger
}

// HandlerFunc executes one attempt of a task with a decoded payload.
type HandlerFunc[P any] func(ctx context.Context, run Run, payload P) (any, error)

// Definition is the static metadata of a task type.
type Definition struct {
	Type        string
	Queue       string
	Retry       retry.Policy
	Timeout     time.Duration // Maximum execution time of one attempt, zero for none
	Description string
}

// Entry is a registered task type.
type Entry struct {
	Definition
	decode func(json.RawMessage) (any, error)
	handle func(context.Context, Run, any) (any, error)
}

// Registry is a concurrency-safe set of task types.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a task type with payload type P.
func Register[P any](r *Registry, def Definition, handler HandlerFunc[P]) error {
	if def.Type == "" {
		return errors.New("task type is required")
	}
	if handler == nil {
		return fmt.Errorf("task type %q: handler is required", def.Type)
	}
	if def.Queue == "" {
		def.Queue = DefaultQueue
	}
	if def.Retry == (retry.Policy{}) {
		def.Retry = retry.DefaultPolicy()
	}
	if err := def.Retry.Validate(); err != nil {
		return fmt.Errorf("task type %q: %w", def.Type, err)
	}
	if def.Timeout < 0 {
		return fmt.Errorf("task type %q: timeout must not be negative", def.Type)
	}

	entry := &Entry{
		Definition: def,
		decode: func(raw json.RawMessage) (any, error) {
			return decodePayload[P](def.Type, raw)
		},
		handle: func(ctx context.Context, run Run, payload any) (any, error) {
			return handler(ctx, run, payload.(P))
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Type]; exists {
		return fmt.Errorf("task type %q already registered", def.Type)
	}
	r.entries[def.Type] = entry
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister[P any](r *Registry, def Definition, handler HandlerFunc[P]) {
	if err := Register(r, def, handler); err != nil {
		panic(err)
	}
}

// Lookup returns the entry for taskType or an error wrapping
// task.ErrUnknownTaskType.
func (r *Registry) Lookup(taskType string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", task.ErrUnknownTaskType, taskType)
	}
	return entry, nil
}

// Override replaces the queue, retry policy and timeout of a registered
// type. Zero values keep the registered setting, field by field for the retry
// policy.
func (r *Registry) Override(taskType, queue string, policy retry.Policy, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[taskType]
	if !ok {
		return fmt.Errorf("%w: %q", task.ErrUnknownTaskType, taskType)
	}
	def := entry.Definition
	if queue != "" {
		def.Queue = queue
	}
	if policy != (retry.Policy{}) {
		merged := def.Retry.Merge(policy)
		if err := merged.Validate(); err != nil {
			return fmt.Errorf("task type %q: %w", taskType, err)
		}
		def.Retry = merged
	}
	if timeout > 0 {
		def.Timeout = timeout
	}
	r.entries[taskType] = &Entry{Definition: def, decode: entry.decode, handle: entry.handle}
	return nil
}

// Definitions returns all registered definitions sorted by type.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.Definition)
	}
	slices.SortFunc(defs, func(a, b Definition) int {
		return cmp.Compare(a.Type, b.Type)
	})
	return defs
}

// Prepare encodes payload, decodes it into the registered payload type and
// validates it. The returned bytes are what gets persisted.
func (e *Entry) Prepare(payload any) (json.RawMessage, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, &task.ValidationError{Type: e.Type, Err: err}
	}
	if _, err := e.decode(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Invoke decodes the persisted payload and runs the handler. A non-nil
// handler result is returned JSON-encoded.
func (e *Entry) Invoke(ctx context.Context, run Run, raw json.RawMessage) (json.RawMessage, error) {
	payload, err := e.decode(raw)
	if err != nil {
		return nil, err
	}
	result, err := e.handle(ctx, run, payload)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, task.Permanent(fmt.Errorf("failed to encode result: %w", err))
	}
	return out, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(bytes.TrimSpace(v)) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return compact(v)
	case []byte:
		if len(bytes.TrimSpace(v)) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return compact(v)
	}
	return json.Marshal(payload)
}

func compact(data []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePayload[P any](taskType string, raw json.RawMessage) (P, error) {
	var payload P
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return payload, &task.ValidationError{Type: taskType, Err: err}
	}

	var v any = &payload
	if validator, ok := v.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return payload, validationError(taskType, err)
		}
	} else if validator, ok := any(payload).(Validator); ok {
		if err := validator.Validate(); err != nil {
			return payload, validationError(taskType, err)
		}
	}
	return payload, nil
}

func validationError(taskType string, err error) error {
	var fe *FieldError
	if errors.As(err, &fe) {
		return &task.ValidationError{Type: taskType, Field: fe.Field, Err: fe.Err}
	}
	return &task.ValidationError{Type: taskType, Err: err}
}
