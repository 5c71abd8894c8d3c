package types

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Op is the mutation kind carried by an event.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is one of the three mutation kinds.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Event is an immutable, append-only fact describing one mutation.
// Ordering within a namespace is append order; IDs are ULIDs drawn from
// a monotonic source, so ordering by ID equals ordering by append time.
type Event struct {
	ID     string         `json:"id"`
	TS     time.Time      `json:"ts"`
	Op     Op             `json:"op"`
	Target string         `json:"target"` // "ns:id"
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
	Actor  string         `json:"actor,omitempty"`
}

// EntityID decodes the event target.
func (e *Event) EntityID() (EntityID, error) {
	return ParseTarget(e.Target)
}

// MarshalEvent and UnmarshalEvent pin the wire form: one JSON object per
// event, round-trip stable for every event kind.
func MarshalEvent(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if !e.Op.Valid() {
		return nil, fmt.Errorf("decode event %s: unknown op %q", e.ID, e.Op)
	}
	return &e, nil
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a lexicographically sortable id for ts. The
// monotonic entropy source keeps same-millisecond ids ordered.
func NewEventID(ts time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts.UTC()), ulidEntropy).String()
}
