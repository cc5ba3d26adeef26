package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Descriptor declares a named queue.
type Descriptor struct {
	Name        string `yaml:"name" json:"name"`
	Concurrency int    `yaml:"concurrency" json:"concurrency"`
	// Priority is informational only. Lanes never preempt each other.
	Priority int `yaml:"priority" json:"priority"`
}

// Validate checks the descriptor.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("queue name is required")
	}
	if d.Concurrency < 1 {
		return fmt.Errorf("queue %q: concurrency must be at least 1", d.Name)
	}
	return nil
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Name     string `json:"name"`
	Limit    int    `json:"concurrency_limit"`
	Priority int    `json:"priority"`
	Running  int    `json:"running"`
	Pending  int    `json:"pending"`
}

// item is a pending task waiting in a lane.
type item struct {
	id        string
	notBefore time.Time
	seq       uint64
	index     int
}

// pendingHeap orders items by notBefore, then by enqueue order.
type pendingHeap []*item

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if !h[i].notBefore.Equal(h[j].notBefore) {
		return h[i].notBefore.Before(h[j].notBefore)
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// slot is an admitted task occupying one unit of a lane's concurrency.
type slot struct {
	id        string
	ctx       context.Context
	cancel    context.CancelCauseFunc
	cancelled atomic.Bool
}

// lane schedules the tasks of one queue independently of every other lane.
type lane struct {
	desc Descriptor

	mu      sync.Mutex
	pending pendingHeap
	index   map[string]*item
	running map[string]*slot
	seq     uint64

	wake chan struct{}
}

func newLane(desc Descriptor) *lane {
	return &lane{
		desc:    desc,
		index:   make(map[string]*item),
		running: make(map[string]*slot),
		wake:    make(chan struct{}, 1),
	}
}

// push adds id to the pending set. It returns false if the task is already
// pending or running on this lane.
func (l *lane) push(id string, notBefore time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[id]; ok {
		return false
	}
	if _, ok := l.running[id]; ok {
		return false
	}
	l.seq++
	it := &item{id: id, notBefore: notBefore, seq: l.seq}
	heap.Push(&l.pending, it)
	l.index[id] = it
	l.notify()
	return true
}

// remove drops a pending id. It reports whether the id was pending.
func (l *lane) remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.index[id]
	if !ok {
		return false
	}
	heap.Remove(&l.pending, it.index)
	delete(l.index, id)
	return true
}

// admit pops every eligible item while the lane has free slots. The returned
// slots are already counted as running. wait is the delay until the next
// pending item becomes eligible, or zero if there is none to wait for.
func (l *lane) admit(now time.Time, newSlot func(id string) *slot) (admitted []*slot, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.running) < l.desc.Concurrency && l.pending.Len() > 0 {
		top := l.pending[0]
		if top.notBefore.After(now) {
			break
		}
		heap.Pop(&l.pending)
		delete(l.index, top.id)
		s := newSlot(top.id)
		l.running[top.id] = s
		admitted = append(admitted, s)
	}
	if len(l.running) < l.desc.Concurrency && l.pending.Len() > 0 {
		wait = l.pending[0].notBefore.Sub(now)
	}
	return admitted, wait
}

// release frees the slot held by id.
func (l *lane) release(id string) {
	l.mu.Lock()
	delete(l.running, id)
	l.notify()
	l.mu.Unlock()
}

// requeue frees the slot held by id and puts the task back into the pending
// set in one step. It reports false, leaving the task out of the pending set,
// when the slot was cancelled.
func (l *lane) requeue(id string, notBefore time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.running[id]
	delete(l.running, id)
	if s != nil && s.cancelled.Load() {
		l.notify()
		return false
	}
	l.seq++
	it := &item{id: id, notBefore: notBefore, seq: l.seq}
	heap.Push(&l.pending, it)
	l.index[id] = it
	l.notify()
	return true
}

// cancelRunning marks the slot held by id as cancelled and cancels its
// context. It reports whether id was running.
func (l *lane) cancelRunning(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.running[id]
	if !ok {
		return false
	}
	s.cancelled.Store(true)
	s.cancel(errCancelRequested)
	return true
}

func (l *lane) stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Name:     l.desc.Name,
		Limit:    l.desc.Concurrency,
		Priority: l.desc.Priority,
		Running:  len(l.running),
		Pending:  l.pending.Len(),
	}
}

// notify wakes the lane loop. Callers may or may not hold l.mu.
func (l *lane) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
