package query

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/parquedb/parquedb/internal/types"
)

// SortKey is one sort component. Dir is +1 ascending, -1 descending.
type SortKey struct {
	Field string `json:"field"`
	Dir   int    `json:"dir"`
}

// ParseSort converts the wire form {field: ±1, ...} preserving the
// caller-specified order when given as an ordered list.
func ParseSort(raw any) ([]SortKey, error) {
	switch t := raw.(type) {
	case nil:
		return nil, nil
	case []SortKey:
		return t, nil
	case []any:
		var keys []SortKey
		for _, el := range t {
			m, ok := el.(map[string]any)
			if !ok || len(m) != 1 {
				return nil, invalidFilter("sort list elements want a single {field: dir} pair")
			}
			for field, dir := range m {
				d, ok := asNumber(dir)
				if !ok || (d != 1 && d != -1) {
					return nil, invalidFilter("sort direction for %s must be 1 or -1", field)
				}
				keys = append(keys, SortKey{Field: field, Dir: int(d)})
			}
		}
		return keys, nil
	case map[string]any:
		// Map order is unspecified; sort field names for determinism.
		fields := make([]string, 0, len(t))
		for f := range t {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		var keys []SortKey
		for _, field := range fields {
			d, ok := asNumber(t[field])
			if !ok || (d != 1 && d != -1) {
				return nil, invalidFilter("sort direction for %s must be 1 or -1", field)
			}
			keys = append(keys, SortKey{Field: field, Dir: int(d)})
		}
		return keys, nil
	}
	return nil, invalidFilter("unsupported sort specification %T", raw)
}

// SpecHash digests a sort spec; cursors embed it so a sort change
// between pages is detected.
func SpecHash(keys []SortKey) string {
	h := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(h, "%s/%d|", k.Field, k.Dir)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// sortTuple extracts the effective ordering tuple of an entity: the
// sort key values followed by the id tie-breaker.
func sortTuple(ent *types.Entity, keys []SortKey) []any {
	out := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		v, ok := FieldValue(ent, k.Field)
		if !ok {
			v = nil
		}
		out = append(out, v)
	}
	out = append(out, ent.ID.ID)
	return out
}

// compareTuples orders two tuples under keys; the final element is
// always the id, ascending. Nulls sort before any value in either
// direction.
func compareTuples(a, b []any, keys []SortKey) int {
	for i, k := range keys {
		switch aNull, bNull := a[i] == nil, b[i] == nil; {
		case aNull && bNull:
			continue
		case aNull:
			return -1
		case bNull:
			return 1
		}
		c := compareNullable(a[i], b[i])
		if c != 0 {
			return c * k.Dir
		}
	}
	ai := a[len(a)-1].(string)
	bi := b[len(b)-1].(string)
	return strings.Compare(ai, bi)
}

func compareNullable(a, b any) int {
	aNull := a == nil
	bNull := b == nil
	switch {
	case aNull && bNull:
		return 0
	case aNull:
		return -1
	case bNull:
		return 1
	}
	if c, ok := compareOrder(a, b); ok {
		return c
	}
	// Incomparable types get a stable arbitrary order by rendering.
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// sortEntities orders entities by keys with the id tie-breaker.
func sortEntities(ents []*types.Entity, keys []SortKey) {
	tuples := make(map[*types.Entity][]any, len(ents))
	for _, e := range ents {
		tuples[e] = sortTuple(e, keys)
	}
	sort.SliceStable(ents, func(i, j int) bool {
		return compareTuples(tuples[ents[i]], tuples[ents[j]], keys) < 0
	})
}
