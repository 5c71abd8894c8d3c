// Package schema loads the namespace schema DSL: declared types,
// indexed fields and relationship declarations. The schema lives in
// schema.yaml inside the data directory and is read once at open.
package schema

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// IndexKind names a secondary index a field participates in.
type IndexKind string

const (
	IndexNone  IndexKind = ""
	IndexHash  IndexKind = "hash"
	IndexBloom IndexKind = "bloom"
	IndexFTS   IndexKind = "fts"
)

// Field describes one declared field of a namespace.
type Field struct {
	Type  string    `yaml:"type"` // string | number | bool | time | text
	Index IndexKind `yaml:"index,omitempty"`
}

// Relation describes one declared edge. A forward relation ("-> T")
// stores target ids in the entity's own field; a reverse relation
// ("<- T.field[]") is derived from the inverse side's reverse index.
type Relation struct {
	Target   string `yaml:"target"`
	Inverse  string `yaml:"inverse"`
	Singular bool   `yaml:"singular,omitempty"`
	Reverse  bool   `yaml:"reverse,omitempty"`
}

// Namespace is the declared shape of one collection.
type Namespace struct {
	Type      string              `yaml:"type,omitempty"`
	Fields    map[string]Field    `yaml:"fields,omitempty"`
	Relations map[string]Relation `yaml:"relations,omitempty"`
}

// Schema is the full declaration set. Undeclared namespaces are legal;
// they simply carry no indexes and no relations.
type Schema struct {
	Namespaces map[string]Namespace `yaml:"namespaces"`
}

// Parse decodes and validates a schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if s.Namespaces == nil {
		s.Namespaces = map[string]Namespace{}
	}
	for ns, decl := range s.Namespaces {
		for name, rel := range decl.Relations {
			if rel.Target == "" {
				return nil, fmt.Errorf("schema %s.%s: missing relation target", ns, name)
			}
			if rel.Inverse == "" {
				return nil, fmt.Errorf("schema %s.%s: missing inverse name", ns, name)
			}
			if _, ok := s.Namespaces[rel.Target]; !ok {
				return nil, fmt.Errorf("schema %s.%s: unknown target namespace %q", ns, name, rel.Target)
			}
		}
		for name, f := range decl.Fields {
			switch f.Index {
			case IndexNone, IndexHash, IndexBloom, IndexFTS:
			default:
				return nil, fmt.Errorf("schema %s.%s: unknown index kind %q", ns, name, f.Index)
			}
		}
	}
	return &s, nil
}

// Empty returns a schema with no declarations.
func Empty() *Schema {
	return &Schema{Namespaces: map[string]Namespace{}}
}

// Namespace returns the declaration for ns, or a zero value.
func (s *Schema) Namespace(ns string) Namespace {
	return s.Namespaces[ns]
}

// Relation looks up a declared relation.
func (s *Schema) Relation(ns, name string) (Relation, bool) {
	rel, ok := s.Namespaces[ns].Relations[name]
	return rel, ok
}

// IndexedFields returns the field names of ns carrying the given index
// kind, sorted for determinism.
func (s *Schema) IndexedFields(ns string, kind IndexKind) []string {
	var out []string
	for name, f := range s.Namespaces[ns].Fields {
		if f.Index == kind {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FTSFields returns the text fields configured for full-text search.
func (s *Schema) FTSFields(ns string) []string {
	return s.IndexedFields(ns, IndexFTS)
}

// Hash computes a stable digest of the declarations for one namespace;
// commit manifests record it as schemaHash.
func (s *Schema) Hash(ns string) string {
	decl := s.Namespaces[ns]
	var b strings.Builder
	b.WriteString(decl.Type)
	for _, f := range sortedKeys(decl.Fields) {
		fmt.Fprintf(&b, "|f:%s=%s/%s", f, decl.Fields[f].Type, decl.Fields[f].Index)
	}
	for _, r := range sortedKeys(decl.Relations) {
		rel := decl.Relations[r]
		fmt.Fprintf(&b, "|r:%s->%s.%s/%v/%v", r, rel.Target, rel.Inverse, rel.Singular, rel.Reverse)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(b.String()))
	return fmt.Sprintf("%016x", h.Sum64())
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
