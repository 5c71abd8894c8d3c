package relation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/schema"
	"github.com/parquedb/parquedb/internal/types"
)

const testSchema = `
namespaces:
  posts:
    relations:
      author: {target: authors, inverse: posts, singular: true}
      reviewers: {target: authors, inverse: reviewed}
  authors:
    relations:
      posts: {target: posts, inverse: author, reverse: true}
`

type staticChecker map[string]*types.Entity

func (c staticChecker) Check(_ context.Context, ns, id string) (*types.Entity, error) {
	if e, ok := c[ns+"/"+id]; ok {
		return e, nil
	}
	return nil, &types.EntityNotFoundError{Ns: ns, ID: id}
}

func liveEntity(ns, id string) *types.Entity {
	return &types.Entity{ID: types.EntityID{Namespace: ns, ID: id}, Version: 1, Fields: map[string]any{}}
}

func newEngine(t *testing.T) (*Engine, objstore.Store) {
	t.Helper()
	store, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	sch, err := schema.Parse([]byte(testSchema))
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	eng, err := Open(context.Background(), store, sch)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return eng, store
}

func TestLinkCreatesReverseEntry(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()
	check := staticChecker{"authors/a1": liveEntity("authors", "a1")}
	source := types.EntityID{Namespace: "posts", ID: "p1"}

	if err := eng.Link(ctx, check, source, "author", []string{"a1"}, nil); err != nil {
		t.Fatalf("link: %v", err)
	}
	got, err := eng.Related("authors", "a1", "posts")
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(got) != 1 || got[0] != "posts/p1" {
		t.Fatalf("related = %v", got)
	}
}

func TestLinkUndefinedRelation(t *testing.T) {
	eng, _ := newEngine(t)
	err := eng.Link(context.Background(), staticChecker{}, types.EntityID{Namespace: "posts", ID: "p1"}, "nope", []string{"a1"}, nil)
	var re *types.RelationshipError
	if !errors.As(err, &re) || re.Kind != types.RelUndefinedRelation {
		t.Fatalf("err = %v, want UndefinedRelation", err)
	}
}

func TestLinkMissingTarget(t *testing.T) {
	eng, _ := newEngine(t)
	err := eng.Link(context.Background(), staticChecker{}, types.EntityID{Namespace: "posts", ID: "p1"}, "author", []string{"ghost"}, nil)
	var re *types.RelationshipError
	if !errors.As(err, &re) || re.Kind != types.RelTargetMissing || re.TargetID != "ghost" {
		t.Fatalf("err = %v, want TargetMissing{ghost}", err)
	}
}

func TestLinkDeletedTarget(t *testing.T) {
	eng, _ := newEngine(t)
	dead := liveEntity("authors", "a1")
	now := time.Now()
	dead.DeletedAt = &now
	err := eng.Link(context.Background(), staticChecker{"authors/a1": dead}, types.EntityID{Namespace: "posts", ID: "p1"}, "author", []string{"a1"}, nil)
	var re *types.RelationshipError
	if !errors.As(err, &re) || re.Kind != types.RelTargetDeleted {
		t.Fatalf("err = %v, want TargetDeleted", err)
	}
}

func TestSingularLinkDisplacesPrior(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()
	check := staticChecker{
		"authors/a1": liveEntity("authors", "a1"),
		"authors/a2": liveEntity("authors", "a2"),
	}
	source := types.EntityID{Namespace: "posts", ID: "p1"}
	if err := eng.Link(ctx, check, source, "author", []string{"a1"}, nil); err != nil {
		t.Fatalf("first link: %v", err)
	}
	if err := eng.Link(ctx, check, source, "author", []string{"a2"}, []string{"a1"}); err != nil {
		t.Fatalf("second link: %v", err)
	}
	a1, _ := eng.Related("authors", "a1", "posts")
	a2, _ := eng.Related("authors", "a2", "posts")
	if len(a1) != 0 {
		t.Fatalf("a1 still referenced: %v", a1)
	}
	if len(a2) != 1 || a2[0] != "posts/p1" {
		t.Fatalf("a2 = %v", a2)
	}
}

func TestUnlinkRemovesReverseEntry(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()
	check := staticChecker{"authors/a1": liveEntity("authors", "a1")}
	source := types.EntityID{Namespace: "posts", ID: "p1"}
	if err := eng.Link(ctx, check, source, "author", []string{"a1"}, nil); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := eng.Unlink(source, "author", []string{"a1"}); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	got, _ := eng.Related("authors", "a1", "posts")
	if len(got) != 0 {
		t.Fatalf("reverse entry survived unlink: %v", got)
	}
}

func TestHardDeleteRemovesMirrors(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()
	check := staticChecker{
		"authors/a1": liveEntity("authors", "a1"),
		"authors/a2": liveEntity("authors", "a2"),
	}
	source := types.EntityID{Namespace: "posts", ID: "p1"}
	if err := eng.Link(ctx, check, source, "reviewers", []string{"a1", "a2"}, nil); err != nil {
		t.Fatalf("link: %v", err)
	}
	eng.OnHardDelete(source, map[string]any{"reviewers": []any{"a1", "a2"}})
	for _, author := range []string{"a1", "a2"} {
		got, _ := eng.Related("authors", author, "reviewed")
		if len(got) != 0 {
			t.Fatalf("mirror for %s survived hard delete: %v", author, got)
		}
	}
}

func TestRelatedUnknownRelation(t *testing.T) {
	eng, _ := newEngine(t)
	_, err := eng.Related("authors", "a1", "bogus")
	var re *types.RelationshipError
	if !errors.As(err, &re) || re.Kind != types.RelUndefinedRelation {
		t.Fatalf("err = %v", err)
	}
}

func TestFlushAndReload(t *testing.T) {
	eng, store := newEngine(t)
	ctx := context.Background()
	check := staticChecker{"authors/a1": liveEntity("authors", "a1")}
	source := types.EntityID{Namespace: "posts", ID: "p1"}
	if err := eng.Link(ctx, check, source, "author", []string{"a1"}, nil); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := eng.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sch, _ := schema.Parse([]byte(testSchema))
	reloaded, err := Open(ctx, store, sch)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reloaded.Related("authors", "a1", "posts")
	if err != nil || len(got) != 1 {
		t.Fatalf("after reload: %v %v", got, err)
	}
}

func TestHashStability(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()
	check := staticChecker{"authors/a1": liveEntity("authors", "a1")}
	source := types.EntityID{Namespace: "posts", ID: "p1"}
	empty := eng.Hash()
	if err := eng.Link(ctx, check, source, "author", []string{"a1"}, nil); err != nil {
		t.Fatalf("link: %v", err)
	}
	linked := eng.Hash()
	if empty == linked {
		t.Fatal("hash must change when edges change")
	}
	if linked != eng.Hash() {
		t.Fatal("hash must be stable across calls")
	}
}
