package index

import (
	"github.com/parquedb/parquedb/internal/schema"
)

// ArtifactPrefix is the key prefix for index artifacts.
const ArtifactPrefix = "indexes"

// Kind names an artifact type inside manifests and segment footers.
type Kind string

const (
	KindBloom Kind = "bloom"
	KindHash  Kind = "hash"
	KindFTS   Kind = "fts"
)

// ArtifactKey names the artifact of a given kind for one segment.
func ArtifactKey(ns, segmentHash string, kind Kind) string {
	return ArtifactPrefix + "/" + ns + "/" + segmentHash + "." + string(kind)
}

// Catalog answers which fields of a namespace participate in which
// index, from the declared schema. The query planner consults it for
// index eligibility.
type Catalog struct {
	sch *schema.Schema
}

// NewCatalog wraps the loaded schema.
func NewCatalog(sch *schema.Schema) *Catalog {
	return &Catalog{sch: sch}
}

// HashFields lists fields of ns carrying a hash index.
func (c *Catalog) HashFields(ns string) []string {
	return c.sch.IndexedFields(ns, schema.IndexHash)
}

// BloomFields lists fields of ns carrying a bloom index.
func (c *Catalog) BloomFields(ns string) []string {
	return c.sch.IndexedFields(ns, schema.IndexBloom)
}

// FTSFields lists fields of ns carrying the full-text index.
func (c *Catalog) FTSFields(ns string) []string {
	return c.sch.IndexedFields(ns, schema.IndexFTS)
}

// HasHash reports whether field is hash-indexed in ns.
func (c *Catalog) HasHash(ns, field string) bool {
	return contains(c.HashFields(ns), field)
}

// HasBloom reports whether field is bloom-indexed in ns.
func (c *Catalog) HasBloom(ns, field string) bool {
	return contains(c.BloomFields(ns), field)
}

// HasFTS reports whether ns has any full-text fields configured.
func (c *Catalog) HasFTS(ns string) bool {
	return len(c.FTSFields(ns)) > 0
}

func contains(fields []string, f string) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}
