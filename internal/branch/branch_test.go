package branch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/segment"
)

func newStore(t *testing.T) objstore.Store {
	t.Helper()
	store, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return store
}

func testCommit(message string, collections map[string]CollectionState) *Commit {
	return &Commit{
		Message: message,
		TS:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Author:  "tester",
		State:   State{Collections: collections},
	}
}

func TestWriteAndLoadCommit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := testCommit("initial", map[string]CollectionState{
		"posts": {RowCount: 3, DataHash: "aaa", SchemaHash: "sss"},
	})
	hash, err := WriteCommit(ctx, store, c)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if hash == "" || c.Hash != hash {
		t.Fatalf("hash = %q", hash)
	}
	got, err := LoadCommit(ctx, store, hash)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Message != "initial" || got.State.Collections["posts"].RowCount != 3 {
		t.Fatalf("commit = %+v", got)
	}
}

func TestLoadMissingCommit(t *testing.T) {
	store := newStore(t)
	_, err := LoadCommit(context.Background(), store, "deadbeef")
	if !errors.Is(err, ErrNoCommit) {
		t.Fatalf("err = %v", err)
	}
}

func TestCommitHashCoversState(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := testCommit("same message", map[string]CollectionState{"posts": {DataHash: "v1"}})
	b := testCommit("same message", map[string]CollectionState{"posts": {DataHash: "v2"}})
	ha, err := WriteCommit(ctx, store, a)
	if err != nil {
		t.Fatalf("write a: %v", err)
	}
	hb, err := WriteCommit(ctx, store, b)
	if err != nil {
		t.Fatalf("write b: %v", err)
	}
	if ha == hb {
		t.Fatal("different states must hash differently")
	}
}

func TestLogWalksParents(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	first := testCommit("first", nil)
	h1, err := WriteCommit(ctx, store, first)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	second := testCommit("second", nil)
	second.Parents = []string{h1}
	h2, err := WriteCommit(ctx, store, second)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	commits, err := Log(ctx, store, h2, 0)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(commits) != 2 || commits[0].Message != "second" || commits[1].Message != "first" {
		t.Fatalf("log = %v", commits)
	}
	limited, err := Log(ctx, store, h2, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited log = %v %v", limited, err)
	}
}

func TestDiff(t *testing.T) {
	a := testCommit("a", map[string]CollectionState{
		"kept":     {DataHash: "x", SchemaHash: "s"},
		"modified": {DataHash: "x", SchemaHash: "s"},
		"removed":  {DataHash: "x", SchemaHash: "s"},
	})
	b := testCommit("b", map[string]CollectionState{
		"kept":     {DataHash: "x", SchemaHash: "s"},
		"modified": {DataHash: "y", SchemaHash: "s2"},
		"added":    {DataHash: "z", SchemaHash: "s"},
	})
	entries := Diff(a, b)
	if len(entries) != 3 {
		t.Fatalf("entries = %+v", entries)
	}
	kinds := map[string]string{}
	schemaChanged := map[string]bool{}
	for _, e := range entries {
		kinds[e.Namespace] = e.Kind
		schemaChanged[e.Namespace] = e.SchemaChanged
	}
	if kinds["added"] != "added" || kinds["removed"] != "removed" || kinds["modified"] != "modified" {
		t.Fatalf("kinds = %v", kinds)
	}
	if !schemaChanged["modified"] {
		t.Fatal("schema change not detected")
	}
}

func TestRefsLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	refs := NewRefs(store)

	if current, err := refs.Current(ctx); err != nil || current != DefaultBranch {
		t.Fatalf("default branch = %q %v", current, err)
	}
	if err := refs.SetHead(ctx, "main", "abc123"); err != nil {
		t.Fatalf("set head: %v", err)
	}
	if head, err := refs.Head(ctx, "main"); err != nil || head != "abc123" {
		t.Fatalf("head = %q %v", head, err)
	}
	if err := refs.SetHead(ctx, "feature", "abc123"); err != nil {
		t.Fatalf("branch: %v", err)
	}
	names, err := refs.List(ctx)
	if err != nil || len(names) != 2 {
		t.Fatalf("list = %v %v", names, err)
	}
	if err := refs.SetCurrent(ctx, "feature"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if err := refs.Delete(ctx, "feature"); err == nil {
		t.Fatal("deleting the current branch must fail")
	}
	if err := refs.SetCurrent(ctx, "main"); err != nil {
		t.Fatalf("checkout main: %v", err)
	}
	if err := refs.Delete(ctx, "feature"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestRefsInvalidName(t *testing.T) {
	refs := NewRefs(newStore(t))
	for _, name := range []string{"", "a/b", "a b", "a..b"} {
		if err := refs.SetHead(context.Background(), name, "h"); err == nil {
			t.Errorf("SetHead(%q) accepted", name)
		}
	}
}

func TestVacuum(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Now()

	// One manifested (live) segment and one orphan.
	manifest := &segment.Manifest{
		Namespace:   "posts",
		Seq:         1,
		Segments:    []segment.SegmentRef{{Key: "segments/posts/live.parquet", Hash: "live"}},
		Indexes:     map[string]map[string]string{"live": {"bloom": "indexes/posts/live.bloom"}},
		EventOffset: 5,
		CreatedAt:   now,
	}
	if err := segment.PublishManifest(ctx, store, manifest); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, key := range []string{"segments/posts/live.parquet", "indexes/posts/live.bloom", "segments/posts/orphan.parquet"} {
		if err := store.Write(ctx, key, []byte("data")); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}

	// Within retention: the orphan is found but never deleted.
	report, err := Vacuum(ctx, store, VacuumOptions{Retention: time.Hour})
	if err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if report.OrphansFound != 1 || report.FilesDeleted != 0 {
		t.Fatalf("report = %+v, want orphan retained within retention", report)
	}

	// Past retention: deleted.
	report, err = Vacuum(ctx, store, VacuumOptions{
		Retention: time.Hour,
		Now:       func() time.Time { return now.Add(2 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if report.FilesDeleted != 1 || report.BytesRecovered == 0 {
		t.Fatalf("report = %+v, want orphan deleted", report)
	}
	exists, err := store.Exists(ctx, "segments/posts/live.parquet")
	if err != nil || !exists {
		t.Fatal("live segment must survive vacuum")
	}
	if exists, _ := store.Exists(ctx, "segments/posts/orphan.parquet"); exists {
		t.Fatal("orphan must be deleted")
	}
}

func TestVacuumDryRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	if err := store.Write(ctx, "segments/posts/orphan.parquet", []byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	report, err := Vacuum(ctx, store, VacuumOptions{
		Retention: time.Millisecond,
		DryRun:    true,
		Now:       func() time.Time { return time.Now().Add(time.Hour) },
	})
	if err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if report.OrphansFound != 1 || report.FilesDeleted != 0 || !report.DryRun {
		t.Fatalf("report = %+v", report)
	}
	if exists, _ := store.Exists(ctx, "segments/posts/orphan.parquet"); !exists {
		t.Fatal("dry run must not delete")
	}
}
