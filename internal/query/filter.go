// Package query evaluates filter + projection + sort + pagination over
// a namespace view: immutable parquet segments plus the reconstructed
// event-log tail, with index-driven row-group pruning and bounded read
// concurrency.
package query

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/parquedb/parquedb/internal/types"
)

// Filter is a parsed filter document.
type Filter struct {
	root node
	// text carries the $text query when present; FTS evaluation happens
	// in the executor, not per-row.
	text    string
	hasText bool
}

type node interface {
	match(ent *types.Entity) bool
}

type andNode struct{ children []node }
type orNode struct{ children []node }
type notNode struct{ child node }

type leafOp string

const (
	opEq     leafOp = "$eq"
	opNe     leafOp = "$ne"
	opGt     leafOp = "$gt"
	opGte    leafOp = "$gte"
	opLt     leafOp = "$lt"
	opLte    leafOp = "$lte"
	opIn     leafOp = "$in"
	opNin    leafOp = "$nin"
	opExists leafOp = "$exists"
	opRegex  leafOp = "$regex"
)

type leafNode struct {
	field   string
	op      leafOp
	operand any
	re      *regexp.Regexp // compiled for $regex
}

func invalidFilter(format string, args ...any) error {
	return &types.QueryError{Kind: types.QueryInvalidFilter, Detail: fmt.Sprintf(format, args...)}
}

// ParseFilter validates and compiles a raw filter document. An empty or
// nil document matches everything.
func ParseFilter(raw map[string]any) (*Filter, error) {
	f := &Filter{}
	root, err := f.parseConjunct(raw)
	if err != nil {
		return nil, err
	}
	f.root = root
	return f, nil
}

func (f *Filter) parseConjunct(raw map[string]any) (node, error) {
	var children []node
	for key, value := range raw {
		switch key {
		case "$and", "$or":
			list, ok := value.([]any)
			if !ok {
				return nil, invalidFilter("%s wants an array", key)
			}
			var sub []node
			for _, el := range list {
				m, ok := el.(map[string]any)
				if !ok {
					return nil, invalidFilter("%s elements must be objects", key)
				}
				n, err := f.parseConjunct(m)
				if err != nil {
					return nil, err
				}
				sub = append(sub, n)
			}
			if key == "$and" {
				children = append(children, &andNode{children: sub})
			} else {
				children = append(children, &orNode{children: sub})
			}
		case "$not":
			m, ok := value.(map[string]any)
			if !ok {
				return nil, invalidFilter("$not wants an object")
			}
			n, err := f.parseConjunct(m)
			if err != nil {
				return nil, err
			}
			children = append(children, &notNode{child: n})
		case "$text":
			s, ok := value.(string)
			if !ok {
				return nil, invalidFilter("$text wants a string")
			}
			f.text = s
			f.hasText = true
		default:
			if strings.HasPrefix(key, "$") && key != "$id" && key != "$type" && key != "$version" {
				return nil, invalidFilter("unknown operator %s", key)
			}
			n, err := parseFieldPredicate(key, value)
			if err != nil {
				return nil, err
			}
			children = append(children, n)
		}
	}
	return &andNode{children: children}, nil
}

func parseFieldPredicate(field string, value any) (node, error) {
	operators, ok := value.(map[string]any)
	if !ok {
		// Bare {field: value} is $eq.
		return &leafNode{field: field, op: opEq, operand: value}, nil
	}
	// An object operand is an operator set only if every key is an
	// operator; otherwise it is an equality match on the object.
	allOps := len(operators) > 0
	for k := range operators {
		if !strings.HasPrefix(k, "$") {
			allOps = false
			break
		}
	}
	if !allOps {
		return &leafNode{field: field, op: opEq, operand: value}, nil
	}
	var children []node
	for op, operand := range operators {
		leaf := &leafNode{field: field, op: leafOp(op), operand: operand}
		switch leafOp(op) {
		case opEq, opNe, opGt, opGte, opLt, opLte:
		case opIn, opNin:
			if _, ok := operand.([]any); !ok {
				return nil, invalidFilter("%s.%s wants an array", field, op)
			}
		case opExists:
			if _, ok := operand.(bool); !ok {
				return nil, invalidFilter("%s.$exists wants a boolean", field)
			}
		case opRegex:
			pattern, ok := operand.(string)
			if !ok {
				return nil, invalidFilter("%s.$regex wants a string", field)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, invalidFilter("%s.$regex: %v", field, err)
			}
			leaf.re = re
		default:
			return nil, invalidFilter("unknown operator %s on %s", op, field)
		}
		children = append(children, leaf)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &andNode{children: children}, nil
}

// Match evaluates the non-$text part of the filter against an entity.
func (f *Filter) Match(ent *types.Entity) bool {
	if f.root == nil {
		return true
	}
	return f.root.match(ent)
}

// Text returns the $text query, if any.
func (f *Filter) Text() (string, bool) {
	return f.text, f.hasText
}

// EqualityPairs returns the top-level {field: value} equality
// conjuncts, used for index selection.
func (f *Filter) EqualityPairs() map[string]any {
	out := map[string]any{}
	root, ok := f.root.(*andNode)
	if !ok {
		return out
	}
	for _, child := range root.children {
		if leaf, ok := child.(*leafNode); ok && leaf.op == opEq {
			out[leaf.field] = leaf.operand
		}
	}
	return out
}

func (n *andNode) match(ent *types.Entity) bool {
	for _, c := range n.children {
		if !c.match(ent) {
			return false
		}
	}
	return true
}

func (n *orNode) match(ent *types.Entity) bool {
	for _, c := range n.children {
		if c.match(ent) {
			return true
		}
	}
	return len(n.children) == 0
}

func (n *notNode) match(ent *types.Entity) bool {
	return !n.child.match(ent)
}

func (n *leafNode) match(ent *types.Entity) bool {
	value, present := FieldValue(ent, n.field)
	switch n.op {
	case opEq:
		return present && compareEq(value, n.operand)
	case opNe:
		return !present || !compareEq(value, n.operand)
	case opGt:
		c, ok := compareOrder(value, n.operand)
		return present && ok && c > 0
	case opGte:
		c, ok := compareOrder(value, n.operand)
		return present && ok && c >= 0
	case opLt:
		c, ok := compareOrder(value, n.operand)
		return present && ok && c < 0
	case opLte:
		c, ok := compareOrder(value, n.operand)
		return present && ok && c <= 0
	case opIn:
		if !present {
			return false
		}
		for _, el := range n.operand.([]any) {
			if compareEq(value, el) {
				return true
			}
		}
		return false
	case opNin:
		if !present {
			return true
		}
		for _, el := range n.operand.([]any) {
			if compareEq(value, el) {
				return false
			}
		}
		return true
	case opExists:
		return present == n.operand.(bool)
	case opRegex:
		s, ok := value.(string)
		return present && ok && n.re.MatchString(s)
	}
	return false
}

// FieldValue resolves a filter/sort field name against an entity.
// $id, $type, $version, createdAt, updatedAt and deletedAt address
// identity and audit columns; everything else reads user fields.
func FieldValue(ent *types.Entity, field string) (any, bool) {
	switch field {
	case "$id":
		return ent.ID.ID, true
	case "$type":
		return ent.Type, true
	case "$version":
		return float64(ent.Version), true
	case "createdAt":
		return ent.CreatedAt, true
	case "updatedAt":
		return ent.UpdatedAt, true
	case "deletedAt":
		if ent.DeletedAt == nil {
			return nil, false
		}
		return *ent.DeletedAt, true
	}
	v, ok := ent.Fields[field]
	return v, ok
}

func compareEq(a, b any) bool {
	if c, ok := compareOrder(a, b); ok {
		return c == 0
	}
	return false
}

// compareOrder returns a three-way comparison when the two values are
// comparable (both numeric, both strings, both bools, both times).
func compareOrder(a, b any) (int, bool) {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}
		return 0, false
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0, true
			case !ab:
				return -1, true
			}
			return 1, true
		}
		return 0, false
	}
	if at, ok := asTime(a); ok {
		if bt, ok := asTime(b); ok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if a == nil && b == nil {
		return 0, true
	}
	return 0, false
}

func asNumber(v any) (float64, bool) {
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

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
