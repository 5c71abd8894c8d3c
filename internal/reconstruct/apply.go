package reconstruct

import (
	"fmt"
	"reflect"
	"time"

	"github.com/parquedb/parquedb/internal/schema"
	"github.com/parquedb/parquedb/internal/types"
)

// Apply folds one event into state. A nil state with a CREATE event
// starts the entity; any other op on nil state is a replay bug surfaced
// as an error. Every applied mutation increments Version. The schema
// decides whether a relation field holds a scalar id or a list.
func Apply(sch *schema.Schema, state *types.Entity, e *types.Event) (*types.Entity, error) {
	eid, err := e.EntityID()
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case types.OpCreate:
		ent := &types.Entity{
			ID:        eid,
			Version:   1,
			CreatedAt: e.TS,
			CreatedBy: e.Actor,
			UpdatedAt: e.TS,
			UpdatedBy: e.Actor,
			Fields:    map[string]any{},
		}
		for k, v := range e.After {
			if k == "$type" {
				if s, ok := v.(string); ok {
					ent.Type = s
				}
				continue
			}
			ent.Fields[k] = v
		}
		return ent, nil
	case types.OpUpdate:
		if state == nil {
			return nil, fmt.Errorf("update %s before create", e.Target)
		}
		doc, err := types.ParseUpdate(e.After)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", e.ID, err)
		}
		applyUpdate(sch, eid.Namespace, state, doc)
		state.Version++
		state.UpdatedAt = e.TS
		state.UpdatedBy = e.Actor
		return state, nil
	case types.OpDelete:
		if state == nil {
			return nil, fmt.Errorf("delete %s before create", e.Target)
		}
		// A hard delete removes the entity outright; replay continues
		// with no state, so a later CREATE can reuse the id.
		if hard, ok := e.After["$hard"].(bool); ok && hard {
			return nil, nil
		}
		ts := e.TS
		state.DeletedAt = &ts
		state.DeletedBy = e.Actor
		state.Version++
		state.UpdatedAt = e.TS
		state.UpdatedBy = e.Actor
		return state, nil
	}
	return nil, fmt.Errorf("replay %s: unknown op %q", e.ID, e.Op)
}

func applyUpdate(sch *schema.Schema, ns string, ent *types.Entity, doc *types.UpdateDoc) {
	for k, v := range doc.Set {
		ent.Fields[k] = v
	}
	for _, k := range doc.Unset {
		delete(ent.Fields, k)
	}
	for k, n := range doc.Inc {
		cur, _ := numeric(ent.Fields[k])
		ent.Fields[k] = cur + n
	}
	for k, v := range doc.Push {
		seq, _ := ent.Fields[k].([]any)
		ent.Fields[k] = append(seq, v)
	}
	for k, match := range doc.Pull {
		seq, ok := ent.Fields[k].([]any)
		if !ok {
			continue
		}
		kept := seq[:0]
		for _, el := range seq {
			if !valuesEqual(el, match) {
				kept = append(kept, el)
			}
		}
		ent.Fields[k] = append([]any(nil), kept...)
	}
	// Relationship operators mutate the entity's own forward fields;
	// the reverse index is maintained by the mutation planner.
	for rel, target := range doc.Link {
		singular := false
		if decl, ok := sch.Relation(ns, rel); ok {
			singular = decl.Singular
		}
		applyLink(ent, rel, target, singular)
	}
	for rel, target := range doc.Unlink {
		applyUnlink(ent, rel, target)
	}
}

func applyLink(ent *types.Entity, rel string, target any, singular bool) {
	ids := targetIDs(target)
	if len(ids) == 0 {
		return
	}
	if singular {
		// A singular link replaces whatever was set before.
		ent.Fields[rel] = ids[len(ids)-1]
		return
	}
	existing := linkIDs(ent.Fields[rel])
	for _, id := range ids {
		found := false
		for _, e := range existing {
			if e == id {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, id)
		}
	}
	out := make([]any, len(existing))
	for i, id := range existing {
		out[i] = id
	}
	ent.Fields[rel] = out
}

func applyUnlink(ent *types.Entity, rel string, target any) {
	if s, ok := target.(string); ok && s == "$all" {
		delete(ent.Fields, rel)
		return
	}
	remove := targetIDs(target)
	existing := linkIDs(ent.Fields[rel])
	kept := existing[:0]
	for _, id := range existing {
		drop := false
		for _, r := range remove {
			if r == id {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, id)
		}
	}
	switch {
	case len(kept) == 0:
		delete(ent.Fields, rel)
	default:
		if _, wasScalar := ent.Fields[rel].(string); wasScalar && len(kept) == 1 {
			ent.Fields[rel] = kept[0]
			return
		}
		out := make([]any, len(kept))
		for i, id := range kept {
			out[i] = id
		}
		ent.Fields[rel] = out
	}
}

// targetIDs normalizes a $link/$unlink operand to a string slice.
func targetIDs(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "$all" {
			return nil
		}
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

// LinkIDs reads the forward targets stored in a relation field.
func LinkIDs(v any) []string { return linkIDs(v) }

func linkIDs(v any) []string {
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
		return append([]string(nil), t...)
	}
	return nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func valuesEqual(a, b any) bool {
	if na, ok := numeric(a); ok {
		if nb, ok := numeric(b); ok {
			return na == nb
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}
