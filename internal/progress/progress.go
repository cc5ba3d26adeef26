// Package progress persists the latest progress value of running tasks and
// fans updates out to subscribers.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docjobs/internal/store"
	"docjobs/internal/task"
)

// ErrOutOfRange is returned for percentages outside [0, 100].
var ErrOutOfRange = errors.New("progress percent must be within [0, 100]")

const defaultBuffer = 16

// Reporter is the progress channel between handlers and callers. The store
// holds the latest value; live updates go to in-process subscribers.
type Reporter struct {
	store   store.ProgressStore
	now     func() time.Time
	bufSize int

	mu   sync.RWMutex
	subs map[string]map[chan task.Progress]struct{} // taskID -> set of subscriber channels
}

// NewReporter creates a Reporter persisting to s.
func NewReporter(s store.ProgressStore) *Reporter {
	return &Reporter{
		store:   s,
		now:     time.Now,
		bufSize: defaultBuffer,
		subs:    make(map[string]map[chan task.Progress]struct{}),
	}
}

// Report records the latest progress of taskID and publishes it.
func (r *Reporter) Report(ctx context.Context, taskID string, percent int, text string) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: got %d", ErrOutOfRange, percent)
	}
	p := task.Progress{
		TaskID:    taskID,
		Percent:   percent,
		Text:      text,
		UpdatedAt: r.now().UTC(),
	}
	if err := r.store.SetProgress(ctx, p); err != nil {
		return err
	}
	r.publish(p)
	return nil
}

// Get returns the latest progress of taskID, or store.ErrNotFound if the task
// never reported any.
func (r *Reporter) Get(ctx context.Context, taskID string) (*task.Progress, error) {
	return r.store.GetProgress(ctx, taskID)
}

// Subscribe returns a channel of live updates for taskID and an unsubscribe
// function. The channel is closed by Finish or by unsubscribing.
func (r *Reporter) Subscribe(taskID string) (<-chan task.Progress, func()) {
	ch := make(chan task.Progress, r.bufSize)
	r.mu.Lock()
	set := r.subs[taskID]
	if set == nil {
		set = make(map[chan task.Progress]struct{})
		r.subs[taskID] = set
	}
	set[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if set, ok := r.subs[taskID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(r.subs, taskID)
				}
			}
		})
	}
}

// Finish closes every subscription of taskID. It is called when the task
// reaches a terminal state.
func (r *Reporter) Finish(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs[taskID] {
		close(ch)
	}
	delete(r.subs, taskID)
}

func (r *Reporter) publish(p task.Progress) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.subs[p.TaskID] {
		select {
		case ch <- p:
		default:
			// drop if subscriber is slow, the latest value stays queryable
		}
	}
}
