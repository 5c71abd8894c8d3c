package schema

import "testing"

const valid = `
namespaces:
  posts:
    type: Post
    fields:
      title: {type: string, index: hash}
      summary: {type: string, index: bloom}
      body: {type: text, index: fts}
      views: {type: number}
    relations:
      author: {target: authors, inverse: posts, singular: true}
  authors:
    relations:
      posts: {target: posts, inverse: author, reverse: true}
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(valid))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Namespace("posts").Type != "Post" {
		t.Errorf("type = %q", s.Namespace("posts").Type)
	}
	rel, ok := s.Relation("posts", "author")
	if !ok || rel.Target != "authors" || !rel.Singular {
		t.Errorf("relation = %+v, %v", rel, ok)
	}
	if fields := s.IndexedFields("posts", IndexHash); len(fields) != 1 || fields[0] != "title" {
		t.Errorf("hash fields = %v", fields)
	}
	if fields := s.FTSFields("posts"); len(fields) != 1 || fields[0] != "body" {
		t.Errorf("fts fields = %v", fields)
	}
	// Undeclared namespaces are legal and empty.
	if fields := s.IndexedFields("ghosts", IndexHash); len(fields) != 0 {
		t.Errorf("ghost fields = %v", fields)
	}
}

func TestParseRejectsUnknownTarget(t *testing.T) {
	_, err := Parse([]byte(`
namespaces:
  posts:
    relations:
      author: {target: nowhere, inverse: posts}
`))
	if err == nil {
		t.Fatal("expected error for unknown target namespace")
	}
}

func TestParseRejectsMissingInverse(t *testing.T) {
	_, err := Parse([]byte(`
namespaces:
  posts:
    relations:
      author: {target: posts}
`))
	if err == nil {
		t.Fatal("expected error for missing inverse")
	}
}

func TestParseRejectsUnknownIndexKind(t *testing.T) {
	_, err := Parse([]byte(`
namespaces:
  posts:
    fields:
      title: {type: string, index: btree}
`))
	if err == nil {
		t.Fatal("expected error for unknown index kind")
	}
}

func TestHashStableAndSensitive(t *testing.T) {
	a, err := Parse([]byte(valid))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := Parse([]byte(valid))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Hash("posts") != b.Hash("posts") {
		t.Fatal("hash not stable")
	}
	changed := `
namespaces:
  posts:
    fields:
      title: {type: string, index: bloom}
`
	c, err := Parse([]byte(changed))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Hash("posts") == c.Hash("posts") {
		t.Fatal("hash must change with the declaration")
	}
}
