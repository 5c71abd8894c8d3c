// Package types defines the core records shared across the engine:
// entities, events, snapshots, the filter and update documents, and the
// typed error variants every layer reports through.
package types

import (
	"fmt"
	"strings"
	"time"
)

// EntityID identifies an entity as "namespace/id". The namespace groups
// entities of one collection; the local id is opaque to the engine.
type EntityID struct {
	Namespace string
	ID        string
}

// ParseEntityID splits "ns/id" into its parts. The id portion may itself
// contain slashes; only the first separator is structural.
func ParseEntityID(s string) (EntityID, error) {
	ns, id, ok := strings.Cut(s, "/")
	if !ok || ns == "" || id == "" {
		return EntityID{}, fmt.Errorf("invalid entity id %q: want ns/id", s)
	}
	return EntityID{Namespace: ns, ID: id}, nil
}

func (e EntityID) String() string {
	return e.Namespace + "/" + e.ID
}

// Target returns the "ns:id" form used in event targets.
func (e EntityID) Target() string {
	return e.Namespace + ":" + e.ID
}

// ParseTarget splits the "ns:id" event target form.
func ParseTarget(s string) (EntityID, error) {
	ns, id, ok := strings.Cut(s, ":")
	if !ok || ns == "" || id == "" {
		return EntityID{}, fmt.Errorf("invalid event target %q: want ns:id", s)
	}
	return EntityID{Namespace: ns, ID: id}, nil
}

// Entity is a reconstructed document. Fields holds the user-defined
// payload; identity, version and audit columns live beside it.
type Entity struct {
	ID        EntityID       `json:"id"`
	Type      string         `json:"type,omitempty"`
	Version   uint64         `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	CreatedBy string         `json:"createdBy,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
	DeletedAt *time.Time     `json:"deletedAt,omitempty"`
	DeletedBy string         `json:"deletedBy,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// Deleted reports whether the entity is soft-deleted.
func (e *Entity) Deleted() bool {
	return e != nil && e.DeletedAt != nil
}

// Clone returns a deep copy. Reconstruction hands callers their own copy
// so cache residents are never aliased by mutation.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		out.DeletedAt = &t
	}
	out.Fields = cloneValue(e.Fields).(map[string]any)
	return &out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}

// Snapshot is the reconstructed state of one entity at event sequence
// Seq. Replaying events with sequence greater than Seq over State yields
// the same entity as replaying from creation.
type Snapshot struct {
	EntityID EntityID `json:"entityId"`
	Seq      uint64   `json:"seq"`
	State    *Entity  `json:"state"`
}
