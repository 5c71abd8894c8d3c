package types

import (
	"testing"
	"time"
)

func TestParseEntityID(t *testing.T) {
	tests := []struct {
		input   string
		wantNs  string
		wantID  string
		wantErr bool
	}{
		{"posts/p1", "posts", "p1", false},
		{"posts/with/slash", "posts", "with/slash", false},
		{"noslash", "", "", true},
		{"/empty-ns", "", "", true},
		{"empty-id/", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		got, err := ParseEntityID(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseEntityID(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseEntityID(%q): %v", tt.input, err)
			continue
		}
		if got.Namespace != tt.wantNs || got.ID != tt.wantID {
			t.Errorf("ParseEntityID(%q) = %v, want %s/%s", tt.input, got, tt.wantNs, tt.wantID)
		}
	}
}

func TestTargetRoundTrip(t *testing.T) {
	id := EntityID{Namespace: "posts", ID: "p1"}
	if id.Target() != "posts:p1" {
		t.Fatalf("target = %q", id.Target())
	}
	back, err := ParseTarget(id.Target())
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if back != id {
		t.Fatalf("round trip: got %v", back)
	}
}

func TestEventRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, op := range []Op{OpCreate, OpUpdate, OpDelete} {
		e := &Event{
			ID:     NewEventID(now),
			TS:     now,
			Op:     op,
			Target: "posts:p1",
			Before: map[string]any{"title": "old"},
			After:  map[string]any{"title": "new", "views": float64(3)},
			Actor:  "tester",
		}
		data, err := MarshalEvent(e)
		if err != nil {
			t.Fatalf("marshal %s: %v", op, err)
		}
		back, err := UnmarshalEvent(data)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", op, err)
		}
		if back.ID != e.ID || back.Op != e.Op || back.Target != e.Target || back.Actor != e.Actor {
			t.Errorf("round trip %s: got %+v", op, back)
		}
		if !back.TS.Equal(e.TS) {
			t.Errorf("round trip %s: ts %v != %v", op, back.TS, e.TS)
		}
		if back.After["title"] != "new" {
			t.Errorf("round trip %s: after = %v", op, back.After)
		}
	}
}

func TestUnmarshalEventRejectsUnknownOp(t *testing.T) {
	if _, err := UnmarshalEvent([]byte(`{"id":"x","op":"upsert","target":"a:b"}`)); err == nil {
		t.Fatal("expected error for unknown op")
	}
}

func TestEventIDsSortByTime(t *testing.T) {
	t0 := time.Now().UTC()
	a := NewEventID(t0)
	b := NewEventID(t0.Add(time.Millisecond))
	c := NewEventID(t0.Add(2 * time.Millisecond))
	if !(a < b && b < c) {
		t.Fatalf("ids not ordered: %s %s %s", a, b, c)
	}
}

func TestEventIDsMonotonicWithinMillisecond(t *testing.T) {
	now := time.Now().UTC()
	prev := NewEventID(now)
	for i := 0; i < 100; i++ {
		next := NewEventID(now)
		if next <= prev {
			t.Fatalf("ids not monotonic: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestParseUpdate(t *testing.T) {
	doc, err := ParseUpdate(map[string]any{
		"$set":   map[string]any{"title": "t"},
		"$unset": map[string]any{"draft": true},
		"$inc":   map[string]any{"views": float64(2)},
		"$push":  map[string]any{"tags": "go"},
		"$pull":  map[string]any{"tags": "old"},
		"$link":  map[string]any{"author": "a1"},
		"$unlink": map[string]any{
			"reviewers": "$all",
		},
	})
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if doc.Set["title"] != "t" {
		t.Errorf("set = %v", doc.Set)
	}
	if len(doc.Unset) != 1 || doc.Unset[0] != "draft" {
		t.Errorf("unset = %v", doc.Unset)
	}
	if doc.Inc["views"] != 2 {
		t.Errorf("inc = %v", doc.Inc)
	}
	if doc.Empty() {
		t.Error("doc should not be empty")
	}
}

func TestParseUpdateRejectsBareFields(t *testing.T) {
	if _, err := ParseUpdate(map[string]any{"title": "t"}); err == nil {
		t.Fatal("expected error for bare field assignment")
	}
}

func TestParseUpdateRejectsNonNumericInc(t *testing.T) {
	if _, err := ParseUpdate(map[string]any{"$inc": map[string]any{"views": "three"}}); err == nil {
		t.Fatal("expected error for non-numeric $inc")
	}
}

func TestUpdateDocRawRoundTrip(t *testing.T) {
	raw := map[string]any{
		"$set": map[string]any{"a": "b"},
		"$inc": map[string]any{"n": float64(1)},
	}
	doc, err := ParseUpdate(raw)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	back, err := ParseUpdate(doc.Raw())
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if back.Set["a"] != "b" || back.Inc["n"] != 1 {
		t.Fatalf("round trip lost operators: %+v", back)
	}
}
