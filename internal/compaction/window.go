// Package compaction turns ranges of the event log into immutable
// parquet segments with their index artifacts, published atomically via
// namespace manifests.
package compaction

import (
	"errors"
	"sync"
	"time"
)

// State is the lifecycle of one compaction window.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateDispatched State = "dispatched"
	StateSucceeded  State = "succeeded"
	StateStuck      State = "stuck"
)

// ErrBackpressure is returned by window admission while any window is
// stuck.
var ErrBackpressure = errors.New("compaction backpressure: stuck window present")

// Window is one unit of compaction work: a contiguous event range of a
// namespace.
type Window struct {
	ID         uint64
	Namespace  string
	FromOffset uint64
	ToOffset   uint64 // exclusive
	State      State
	Attempts   int
	CreatedAt  time.Time
	LastBeat   time.Time
	// Failure holds the terminal error of a quarantined window.
	Failure string
}

// windowQueue tracks windows through their state machine. A processing
// window that misses its heartbeat is marked stuck and later returned
// to pending for a fresh attempt.
type windowQueue struct {
	mu      sync.Mutex
	nextID  uint64
	windows map[uint64]*Window
	// dead holds quarantined windows (non-retryable failures), the
	// DLQ-equivalent sink.
	dead []*Window

	heartbeatTimeout time.Duration
	now              func() time.Time
}

func newWindowQueue(heartbeatTimeout time.Duration, now func() time.Time) *windowQueue {
	if now == nil {
		now = time.Now
	}
	return &windowQueue{
		windows:          make(map[uint64]*Window),
		heartbeatTimeout: heartbeatTimeout,
		now:              now,
	}
}

// admit enqueues a pending window unless backpressure applies.
func (q *windowQueue) admit(ns string, from, to uint64) (*Window, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.windows {
		if w.State == StateStuck {
			return nil, ErrBackpressure
		}
	}
	q.nextID++
	w := &Window{
		ID:         q.nextID,
		Namespace:  ns,
		FromOffset: from,
		ToOffset:   to,
		State:      StatePending,
		CreatedAt:  q.now(),
	}
	q.windows[w.ID] = w
	return w, nil
}

// claim moves one pending window to processing.
func (q *windowQueue) claim() *Window {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.windows {
		if w.State == StatePending {
			w.State = StateProcessing
			w.Attempts++
			w.LastBeat = q.now()
			return w
		}
	}
	return nil
}

// beat refreshes a processing window's heartbeat.
func (q *windowQueue) beat(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.windows[id]; ok && (w.State == StateProcessing || w.State == StateDispatched) {
		w.LastBeat = q.now()
	}
}

// dispatched marks the window's segment as written, manifest pending.
func (q *windowQueue) dispatched(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.windows[id]; ok && w.State == StateProcessing {
		w.State = StateDispatched
		w.LastBeat = q.now()
	}
}

// succeed finishes a window.
func (q *windowQueue) succeed(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.windows[id]; ok {
		w.State = StateSucceeded
		delete(q.windows, id)
	}
}

// requeue returns a failed-but-retryable window to pending.
func (q *windowQueue) requeue(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.windows[id]; ok {
		w.State = StatePending
	}
}

// quarantine moves a window to the dead list.
func (q *windowQueue) quarantine(id uint64, failure string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.windows[id]; ok {
		w.State = StateStuck
		w.Failure = failure
		q.dead = append(q.dead, w)
		delete(q.windows, id)
	}
}

// sweep marks processing windows without a recent heartbeat as stuck,
// then returns stuck windows to pending so another attempt can run.
func (q *windowQueue) sweep() (stuck int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	deadline := q.now().Add(-q.heartbeatTimeout)
	for _, w := range q.windows {
		switch w.State {
		case StateProcessing, StateDispatched:
			if w.LastBeat.Before(deadline) {
				w.State = StateStuck
				stuck++
			}
		case StateStuck:
			w.State = StatePending
		}
	}
	return stuck
}

// snapshot copies current windows for stats.
func (q *windowQueue) snapshot() (live []Window, dead []Window) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.windows {
		live = append(live, *w)
	}
	for _, w := range q.dead {
		dead = append(dead, *w)
	}
	return live, dead
}
