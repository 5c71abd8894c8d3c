package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// StateChange records one breaker transition.
type StateChange struct {
	Operation string
	From      string
	To        string
	At        time.Time
}

// Health summarizes the monitor's view of a store.
type Health struct {
	Healthy bool
	// Open lists operation classes whose breaker is currently open.
	Open []string
	// Changes is the bounded transition history, oldest first.
	Changes []StateChange
}

// Monitor aggregates breaker state across operations, keeps a bounded
// ring of transitions and notifies subscribers.
type Monitor struct {
	mu      sync.Mutex
	open    map[string]bool
	ring    []StateChange
	ringCap int
	next    int
	full    bool
	subs    []chan StateChange
}

// NewMonitor returns a monitor with a transition ring of size n.
func NewMonitor(n int) *Monitor {
	if n <= 0 {
		n = 64
	}
	return &Monitor{open: make(map[string]bool), ring: make([]StateChange, n), ringCap: n}
}

func (m *Monitor) record(op string, from, to gobreaker.State) {
	change := StateChange{Operation: op, From: from.String(), To: to.String(), At: time.Now()}
	m.mu.Lock()
	m.open[op] = to == gobreaker.StateOpen
	m.ring[m.next] = change
	m.next = (m.next + 1) % m.ringCap
	if m.next == 0 {
		m.full = true
	}
	subs := make([]chan StateChange, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- change:
		default: // slow subscriber, drop
		}
	}
}

// Subscribe returns a channel receiving future transitions. The channel
// is buffered; transitions are dropped rather than blocking the store.
func (m *Monitor) Subscribe() <-chan StateChange {
	ch := make(chan StateChange, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Health reports current aggregate health and the transition history.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{Healthy: true}
	for op, open := range m.open {
		if open {
			h.Healthy = false
			h.Open = append(h.Open, op)
		}
	}
	if m.full {
		h.Changes = append(h.Changes, m.ring[m.next:]...)
		h.Changes = append(h.Changes, m.ring[:m.next]...)
	} else {
		h.Changes = append(h.Changes, m.ring[:m.next]...)
	}
	return h
}
