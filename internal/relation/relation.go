// Package relation maintains the relationship graph: forward edges live
// in entity fields, and a persisted reverse index inverts them so
// "who points at me" is a single lookup instead of a namespace scan.
//
// One Engine serves one branch. The store handed to Open is scoped to
// that branch's data subtree, so every branch carries its own forward
// and reverse multimaps and edges diverge across branches.
package relation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/schema"
	"github.com/parquedb/parquedb/internal/types"
)

// IndexKey is the store key of the persisted reverse index, relative
// to the branch's data subtree.
const IndexKey = "relations/reverse.json"

// Engine owns the reverse index for one branch. Mutations run on the
// owning namespace's writer lane; the internal lock serializes writers
// from different namespaces and guards concurrent readers.
type Engine struct {
	store objstore.Store
	sch   *schema.Schema

	mu sync.RWMutex
	// reverse maps "targetNs|targetId|relation" -> set of source ids
	// ("ns/id"). The relation component is the inverse-side name, i.e.
	// the name callers pass to GetRelated on the target.
	reverse map[string]map[string]struct{}
	dirty   bool
}

// Open loads the persisted reverse index from the branch-scoped store,
// starting empty when none exists yet.
func Open(ctx context.Context, store objstore.Store, sch *schema.Schema) (*Engine, error) {
	e := &Engine{store: store, sch: sch, reverse: make(map[string]map[string]struct{})}
	data, err := store.Read(ctx, IndexKey)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return e, nil
		}
		return nil, err
	}
	var flat map[string][]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("decode reverse index: %w", err)
	}
	for key, sources := range flat {
		set := make(map[string]struct{}, len(sources))
		for _, s := range sources {
			set[s] = struct{}{}
		}
		e.reverse[key] = set
	}
	return e, nil
}

func reverseKey(targetNs, targetID, relation string) string {
	return targetNs + "|" + targetID + "|" + relation
}

// Flush persists the reverse index if it changed since the last flush.
// The file is rewritten whole; single-key writes are atomic.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return nil
	}
	flat := make(map[string][]string, len(e.reverse))
	for key, set := range e.reverse {
		sources := make([]string, 0, len(set))
		for s := range set {
			sources = append(sources, s)
		}
		sort.Strings(sources)
		flat[key] = sources
	}
	e.dirty = false
	e.mu.Unlock()

	data, err := json.Marshal(flat)
	if err != nil {
		return fmt.Errorf("encode reverse index: %w", err)
	}
	return e.store.Write(ctx, IndexKey, data)
}

// Hash returns a stable digest of the reverse index contents, recorded
// in commit manifests.
func (e *Engine) Hash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.reverse))
	for k := range e.reverse {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		sources := make([]string, 0, len(e.reverse[k]))
		for s := range e.reverse[k] {
			sources = append(sources, s)
		}
		sort.Strings(sources)
		for _, s := range sources {
			_, _ = h.Write([]byte(s))
			_, _ = h.Write([]byte{0})
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// TargetChecker resolves entities during link validation. Implemented
// by the reconstructor at the db layer.
type TargetChecker interface {
	// Check returns the target entity, or an error when it does not
	// exist. Soft-deleted targets are returned, not errored.
	Check(ctx context.Context, ns, id string) (*types.Entity, error)
}

// Link records source.relation -> targets. The relation must be
// declared forward on the source namespace; each target must exist and
// not be soft-deleted. For a singular relation the prior reverse entry
// is removed in the same step.
func (e *Engine) Link(ctx context.Context, check TargetChecker, source types.EntityID, relName string, targets []string, prior []string) error {
	decl, ok := e.sch.Relation(source.Namespace, relName)
	if !ok || decl.Reverse {
		return &types.RelationshipError{Operation: types.RelOpLink, Ns: source.Namespace, Relation: relName, Kind: types.RelUndefinedRelation}
	}
	for _, targetID := range targets {
		target, err := check.Check(ctx, decl.Target, targetID)
		if err != nil {
			return &types.RelationshipError{Operation: types.RelOpLink, Ns: source.Namespace, Relation: relName, TargetID: targetID, Kind: types.RelTargetMissing}
		}
		if target.Deleted() {
			return &types.RelationshipError{Operation: types.RelOpLink, Ns: source.Namespace, Relation: relName, TargetID: targetID, Kind: types.RelTargetDeleted}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if decl.Singular {
		for _, priorID := range prior {
			e.removeLocked(decl.Target, priorID, decl.Inverse, source.String())
		}
	}
	for _, targetID := range targets {
		e.addLocked(decl.Target, targetID, decl.Inverse, source.String())
	}
	e.dirty = true
	return nil
}

// Unlink removes source.relation -> targets. removed is the list of
// targets the forward side actually dropped (for the "$all" form, every
// prior target); an empty list removes nothing.
func (e *Engine) Unlink(source types.EntityID, relName string, removed []string) error {
	decl, ok := e.sch.Relation(source.Namespace, relName)
	if !ok || decl.Reverse {
		return &types.RelationshipError{Operation: types.RelOpUnlink, Ns: source.Namespace, Relation: relName, Kind: types.RelUndefinedRelation}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, targetID := range removed {
		e.removeLocked(decl.Target, targetID, decl.Inverse, source.String())
	}
	e.dirty = true
	return nil
}

// OnHardDelete removes the mirror of every forward edge the deleted
// entity held. fields is the entity's final field set.
func (e *Engine) OnHardDelete(source types.EntityID, fields map[string]any) {
	decls := e.sch.Namespace(source.Namespace).Relations
	if len(decls) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for relName, decl := range decls {
		if decl.Reverse {
			continue
		}
		for _, targetID := range forwardIDs(fields[relName]) {
			e.removeLocked(decl.Target, targetID, decl.Inverse, source.String())
		}
	}
	e.dirty = true
}

func (e *Engine) addLocked(targetNs, targetID, relation, sourceID string) {
	key := reverseKey(targetNs, targetID, relation)
	set, ok := e.reverse[key]
	if !ok {
		set = make(map[string]struct{})
		e.reverse[key] = set
	}
	set[sourceID] = struct{}{}
}

func (e *Engine) removeLocked(targetNs, targetID, relation, sourceID string) {
	key := reverseKey(targetNs, targetID, relation)
	if set, ok := e.reverse[key]; ok {
		delete(set, sourceID)
		if len(set) == 0 {
			delete(e.reverse, key)
		}
	}
}

// Related returns the source ids pointing at (ns, id) through relation,
// sorted. The relation may be either
// a declared reverse relation on ns or the inverse name of a forward
// relation targeting ns. Hard-deleted sources never appear here; the
// mutation path removes them eagerly.
func (e *Engine) Related(ns, id, relName string) ([]string, error) {
	if !e.relationKnown(ns, relName) {
		return nil, &types.RelationshipError{Operation: types.RelOpHydrate, Ns: ns, Relation: relName, Kind: types.RelUndefinedRelation}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.reverse[reverseKey(ns, id, relName)]
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// relationKnown accepts declared reverse relations on ns and inverse
// names of forward relations pointing at ns.
func (e *Engine) relationKnown(ns, relName string) bool {
	if decl, ok := e.sch.Relation(ns, relName); ok && decl.Reverse {
		return true
	}
	for _, other := range e.sch.Namespaces {
		for _, decl := range other.Relations {
			if !decl.Reverse && decl.Target == ns && decl.Inverse == relName {
				return true
			}
		}
	}
	return false
}

// forwardIDs reads the target ids out of a forward relation field.
func forwardIDs(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, el := range t {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

