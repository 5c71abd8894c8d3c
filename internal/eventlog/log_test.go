package eventlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/types"
)

func newTestLog(t *testing.T, maxBuffered int) (*Log, objstore.Store) {
	t.Helper()
	store, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return Open(store, Options{MaxBufferedEvents: maxBuffered}), store
}

func makeEvent(t *testing.T, id string, ts time.Time) *types.Event {
	t.Helper()
	return &types.Event{
		ID:     types.NewEventID(ts),
		TS:     ts,
		Op:     types.OpCreate,
		Target: "posts:" + id,
		After:  map[string]any{"title": id},
	}
}

func TestAppendAssignsDenseOffsets(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, 10)
	now := time.Now().UTC()
	for i := 0; i < 25; i++ {
		off, err := log.Append(ctx, "posts", makeEvent(t, fmt.Sprintf("p%03d", i), now.Add(time.Duration(i)*time.Millisecond)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if off != uint64(i) {
			t.Fatalf("append %d: offset %d", i, off)
		}
	}
}

func TestAppendVisibleBeforeFlush(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, 100)
	now := time.Now().UTC()
	if _, err := log.Append(ctx, "posts", makeEvent(t, "p1", now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := log.EntityEvents(ctx, "posts", "p1")
	if err != nil {
		t.Fatalf("entity events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (buffered event must be visible)", len(events))
	}
}

func TestRangeOrderAndBounds(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, 4)
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		if _, err := log.Append(ctx, "posts", makeEvent(t, fmt.Sprintf("p%d", i), now.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := log.Range(ctx, "posts", 3, 7).Collect(ctx)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4", len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("posts:p%d", i+3)
		if e.Target != want {
			t.Errorf("event %d target = %s, want %s", i, e.Target, want)
		}
	}
}

func TestRecoveryAfterReopen(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	log1 := Open(store, Options{MaxBufferedEvents: 3})
	now := time.Now().UTC()
	for i := 0; i < 7; i++ {
		if _, err := log1.Append(ctx, "posts", makeEvent(t, fmt.Sprintf("p%d", i), now.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := log1.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	log2 := Open(store, Options{MaxBufferedEvents: 3})
	next, err := log2.Next(ctx, "posts")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != 7 {
		t.Fatalf("recovered next = %d, want 7", next)
	}
	off, err := log2.Append(ctx, "posts", makeEvent(t, "p7", now.Add(8*time.Millisecond)))
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if off != 7 {
		t.Fatalf("append after recovery: offset %d, want 7", off)
	}
}

func TestRecoveryDiscardsTornTail(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	log1 := Open(store, Options{MaxBufferedEvents: 2})
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		if _, err := log1.Append(ctx, "posts", makeEvent(t, fmt.Sprintf("p%d", i), now.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// Corrupt the last chunk wholesale.
	keys, err := store.List(ctx, "raw-events/posts/")
	if err != nil || len(keys) == 0 {
		t.Fatalf("list chunks: %v (%d)", err, len(keys))
	}
	last := keys[len(keys)-1]
	if err := store.Write(ctx, last, []byte("garbage, not zstd")); err != nil {
		t.Fatalf("corrupt chunk: %v", err)
	}

	log2 := Open(store, Options{MaxBufferedEvents: 2})
	next, err := log2.Next(ctx, "posts")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if next != 2 {
		t.Fatalf("next after torn tail = %d, want 2", next)
	}
}

func TestEntityEventsFiltersByTarget(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, 100)
	now := time.Now().UTC()
	for i := 0; i < 6; i++ {
		id := "a"
		if i%2 == 1 {
			id = "b"
		}
		if _, err := log.Append(ctx, "posts", makeEvent(t, id, now.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := log.EntityEvents(ctx, "posts", "a")
	if err != nil {
		t.Fatalf("entity events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events for a, want 3", len(events))
	}
}

func TestPositionAt(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, 3)
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 9; i++ {
		ev := makeEvent(t, fmt.Sprintf("p%d", i), base.Add(time.Duration(i)*time.Second))
		if _, err := log.Append(ctx, "posts", ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	tests := []struct {
		at   time.Time
		want uint64
	}{
		{base.Add(-time.Second), 0},
		{base, 1},
		{base.Add(4*time.Second + 500*time.Millisecond), 5},
		{base.Add(time.Hour), 9},
	}
	for _, tt := range tests {
		got, err := log.PositionAt(ctx, "posts", tt.at.UnixMilli())
		if err != nil {
			t.Fatalf("positionAt(%v): %v", tt.at, err)
		}
		if got != tt.want {
			t.Errorf("positionAt(%v) = %d, want %d", tt.at, got, tt.want)
		}
	}
}

func TestPruneBeforeKeepsPartialChunks(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, 3)
	now := time.Now().UTC()
	for i := 0; i < 9; i++ {
		if _, err := log.Append(ctx, "posts", makeEvent(t, fmt.Sprintf("p%d", i), now.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// Chunks cover [0,3), [3,6), [6,9). Limit 5 may only prune the first.
	pruned, err := log.PruneBefore(ctx, "posts", 5)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 3 {
		t.Fatalf("pruned %d events, want 3", pruned)
	}
	got, err := log.Range(ctx, "posts", 3, 0).Collect(ctx)
	if err != nil {
		t.Fatalf("range after prune: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("got %d events after prune, want 6", len(got))
	}
}
