package types

import (
	"encoding/json"
	"fmt"
)

// UpdateDoc is the parsed form of an update document. Operator order in
// the document is not significant: replay applies $set, $unset, $inc,
// $push, $pull, $link, $unlink in that fixed order. Paths shared by
// several operators are not rejected.
type UpdateDoc struct {
	Set    map[string]any
	Unset  []string
	Inc    map[string]float64
	Push   map[string]any
	Pull   map[string]any
	Link   map[string]any // relation -> id | []ids
	Unlink map[string]any // relation -> id | []ids | "$all"
}

// Empty reports whether the document carries no operators.
func (u *UpdateDoc) Empty() bool {
	return len(u.Set) == 0 && len(u.Unset) == 0 && len(u.Inc) == 0 &&
		len(u.Push) == 0 && len(u.Pull) == 0 && len(u.Link) == 0 && len(u.Unlink) == 0
}

// ParseUpdate validates a raw update document. Bare keys outside the
// operator set are rejected; an UPDATE must be expressed with operators
// so replay stays deterministic.
func ParseUpdate(raw map[string]any) (*UpdateDoc, error) {
	doc := &UpdateDoc{}
	for op, arg := range raw {
		switch op {
		case "$set":
			m, err := operandMap(op, arg)
			if err != nil {
				return nil, err
			}
			doc.Set = m
		case "$unset":
			switch t := arg.(type) {
			case map[string]any:
				for k := range t {
					doc.Unset = append(doc.Unset, k)
				}
			case []any:
				for _, v := range t {
					s, ok := v.(string)
					if !ok {
						return nil, &ValidationError{Field: "$unset", Reason: "field names must be strings"}
					}
					doc.Unset = append(doc.Unset, s)
				}
			case []string:
				doc.Unset = append(doc.Unset, t...)
			default:
				return nil, &ValidationError{Field: "$unset", Reason: "want object or array of field names"}
			}
		case "$inc":
			m, err := operandMap(op, arg)
			if err != nil {
				return nil, err
			}
			doc.Inc = make(map[string]float64, len(m))
			for k, v := range m {
				n, ok := toFloat(v)
				if !ok {
					return nil, &ValidationError{Field: "$inc." + k, Reason: "want numeric operand"}
				}
				doc.Inc[k] = n
			}
		case "$push":
			m, err := operandMap(op, arg)
			if err != nil {
				return nil, err
			}
			doc.Push = m
		case "$pull":
			m, err := operandMap(op, arg)
			if err != nil {
				return nil, err
			}
			doc.Pull = m
		case "$link":
			m, err := operandMap(op, arg)
			if err != nil {
				return nil, err
			}
			doc.Link = m
		case "$unlink":
			m, err := operandMap(op, arg)
			if err != nil {
				return nil, err
			}
			doc.Unlink = m
		default:
			return nil, &ValidationError{Field: op, Reason: "unknown update operator"}
		}
	}
	return doc, nil
}

// Raw converts the document back to its wire form, the shape stored in
// an UPDATE event's After payload.
func (u *UpdateDoc) Raw() map[string]any {
	raw := map[string]any{}
	if len(u.Set) > 0 {
		raw["$set"] = u.Set
	}
	if len(u.Unset) > 0 {
		unset := make([]any, len(u.Unset))
		for i, f := range u.Unset {
			unset[i] = f
		}
		raw["$unset"] = unset
	}
	if len(u.Inc) > 0 {
		inc := make(map[string]any, len(u.Inc))
		for k, v := range u.Inc {
			inc[k] = v
		}
		raw["$inc"] = inc
	}
	if len(u.Push) > 0 {
		raw["$push"] = u.Push
	}
	if len(u.Pull) > 0 {
		raw["$pull"] = u.Pull
	}
	if len(u.Link) > 0 {
		raw["$link"] = u.Link
	}
	if len(u.Unlink) > 0 {
		raw["$unlink"] = u.Unlink
	}
	return raw
}

func operandMap(op string, arg any) (map[string]any, error) {
	m, ok := arg.(map[string]any)
	if !ok {
		return nil, &ValidationError{Field: op, Reason: fmt.Sprintf("want object operand, got %T", arg)}
	}
	return m, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
