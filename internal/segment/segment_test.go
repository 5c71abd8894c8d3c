package segment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/types"
)

func makeEntities(t *testing.T, n int) []*types.Entity {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	out := make([]*types.Entity, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &types.Entity{
			ID:        types.EntityID{Namespace: "posts", ID: fmt.Sprintf("p%04d", i)},
			Version:   uint64(i%5 + 1),
			CreatedAt: now,
			UpdatedAt: now.Add(time.Duration(i) * time.Millisecond),
			Fields:    map[string]any{"title": fmt.Sprintf("title %d", i), "n": float64(i)},
		})
	}
	return out
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	entities := makeEntities(t, 50)
	written, err := Write(ctx, store, "posts", entities, WriteOptions{Compression: "zstd", RowGroupSize: 20})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if written.RowCount != 50 {
		t.Fatalf("row count = %d", written.RowCount)
	}
	if len(written.Groups) != 3 {
		t.Fatalf("groups = %d, want 3 (20+20+10)", len(written.Groups))
	}

	data, err := store.Read(ctx, written.Key)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	reader, err := Open(data, "posts")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if reader.NumRowGroups() != 3 {
		t.Fatalf("reader groups = %d", reader.NumRowGroups())
	}
	all, err := reader.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 50 {
		t.Fatalf("rows = %d", len(all))
	}
	for i, e := range all {
		want := fmt.Sprintf("p%04d", i)
		if e.ID.ID != want {
			t.Fatalf("row %d id = %s, want %s (rows must be id-sorted)", i, e.ID.ID, want)
		}
	}
	if all[7].Fields["title"] != "title 7" {
		t.Errorf("fields did not survive: %v", all[7].Fields)
	}
	if all[7].Fields["n"] != float64(7) {
		t.Errorf("numeric field = %v", all[7].Fields["n"])
	}
}

func TestRowGroupStats(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	entities := makeEntities(t, 30)
	now := time.Now().UTC()
	entities[5].DeletedAt = &now
	written, err := Write(ctx, store, "posts", entities, WriteOptions{RowGroupSize: 10})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := store.Read(ctx, written.Key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reader, err := Open(data, "posts")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stats, ok := reader.Stats(0)
	if !ok {
		t.Fatal("missing stats for group 0")
	}
	if stats.MinID != "p0000" || stats.MaxID != "p0009" {
		t.Fatalf("group 0 id range = [%s, %s]", stats.MinID, stats.MaxID)
	}
	if stats.DeletedRows != 1 {
		t.Fatalf("group 0 deleted rows = %d", stats.DeletedRows)
	}
	if _, ok := reader.Stats(99); ok {
		t.Fatal("out-of-range group should report no stats")
	}
}

func TestDeletedRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	e := &types.Entity{
		ID:        types.EntityID{Namespace: "posts", ID: "gone"},
		Version:   3,
		CreatedAt: now,
		UpdatedAt: now,
		DeletedAt: &now,
		DeletedBy: "sweeper",
		Fields:    map[string]any{},
	}
	written, err := Write(ctx, store, "posts", []*types.Entity{e}, WriteOptions{})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := store.Read(ctx, written.Key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reader, err := Open(data, "posts")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	all, err := reader.ReadAll(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("read all: %v (%d)", err, len(all))
	}
	if !all[0].Deleted() || all[0].DeletedBy != "sweeper" {
		t.Fatalf("deleted state lost: %+v", all[0])
	}
	if !all[0].DeletedAt.Equal(now) {
		t.Fatalf("deletedAt = %v, want %v", all[0].DeletedAt, now)
	}
}

func TestContentAddressing(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	entities := makeEntities(t, 5)
	w1, err := Write(ctx, store, "posts", entities, WriteOptions{})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if w1.Key == "" || w1.Hash == "" {
		t.Fatalf("missing address: %+v", w1)
	}
	exists, err := store.Exists(ctx, w1.Key)
	if err != nil || !exists {
		t.Fatalf("segment not stored: %v %v", exists, err)
	}
}

func TestCodecNamesCaseInsensitive(t *testing.T) {
	pairs := [][2]string{
		{"snappy", "SNAPPY"},
		{"zstd", "ZSTD"},
		{"gzip", "Gzip"},
		{"lz4", "LZ4"},
		{"uncompressed", "UNCOMPRESSED"},
	}
	for _, p := range pairs {
		a := Codec(p[0]).CompressionCodec()
		b := Codec(p[1]).CompressionCodec()
		if a != b {
			t.Errorf("codec %q != %q", p[0], p[1])
		}
	}
	// Unknown names fall back to the default rather than failing.
	if Codec("bogus") == nil {
		t.Fatal("unknown codec must fall back")
	}
}

func TestManifestPublishAndLoad(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if m, err := CurrentManifest(ctx, store, "posts"); err != nil || m != nil {
		t.Fatalf("empty namespace: %v %v", m, err)
	}
	manifest := &Manifest{
		Namespace:   "posts",
		Seq:         1,
		Segments:    []SegmentRef{{Key: "segments/posts/abc.parquet", Hash: "abc", RowCount: 10}},
		Indexes:     map[string]map[string]string{"abc": {"bloom": "indexes/posts/abc.bloom"}},
		EventOffset: 42,
		CreatedAt:   time.Now().UTC(),
	}
	if err := PublishManifest(ctx, store, manifest); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := CurrentManifest(ctx, store, "posts")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got == nil || got.EventOffset != 42 || len(got.Segments) != 1 {
		t.Fatalf("manifest = %+v", got)
	}
	keys := got.LiveKeys()
	if len(keys) != 2 {
		t.Fatalf("live keys = %v", keys)
	}

	manifest.Seq = 2
	manifest.EventOffset = 99
	if err := PublishManifest(ctx, store, manifest); err != nil {
		t.Fatalf("publish v2: %v", err)
	}
	got, err = CurrentManifest(ctx, store, "posts")
	if err != nil || got.Seq != 2 || got.EventOffset != 99 {
		t.Fatalf("pointer did not advance: %+v %v", got, err)
	}
	seqs, err := ListManifests(ctx, store, "posts")
	if err != nil || len(seqs) != 2 {
		t.Fatalf("manifests = %v %v", seqs, err)
	}
}
