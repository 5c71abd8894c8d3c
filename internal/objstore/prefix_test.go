package objstore

import (
	"context"
	"errors"
	"testing"
)

func TestPrefixedScopesKeys(t *testing.T) {
	ctx := context.Background()
	inner := newFS(t)
	a := WithPrefix(inner, "branches/main")
	b := WithPrefix(inner, "branches/feature")

	if err := a.Write(ctx, "k", []byte("main")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := b.Read(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read through other prefix: %v, want ErrNotFound", err)
	}
	data, err := a.Read(ctx, "k")
	if err != nil || string(data) != "main" {
		t.Fatalf("read = %q, %v", data, err)
	}
	full, err := inner.Read(ctx, "branches/main/k")
	if err != nil || string(full) != "main" {
		t.Fatalf("inner key = %q, %v", full, err)
	}

	keys, err := a.List(ctx, "")
	if err != nil || len(keys) != 1 || keys[0] != "k" {
		t.Fatalf("list = %v, %v (keys must be relative)", keys, err)
	}
}

func TestPrefixedValidatesKeys(t *testing.T) {
	p := WithPrefix(newFS(t), "branches/main")
	if err := p.Write(context.Background(), "../escape", []byte("x")); err == nil {
		t.Fatal("traversal accepted through prefix wrapper")
	}
}

func TestCopyTreeAndDeleteTree(t *testing.T) {
	ctx := context.Background()
	store := newFS(t)
	for _, key := range []string{"branches/main/a", "branches/main/deep/b", "branches/other/c"} {
		if err := store.Write(ctx, key, []byte(key)); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}
	copied, err := CopyTree(ctx, store, "branches/main", "branches/fork")
	if err != nil || copied != 2 {
		t.Fatalf("copy = %d, %v", copied, err)
	}
	data, err := store.Read(ctx, "branches/fork/deep/b")
	if err != nil || string(data) != "branches/main/deep/b" {
		t.Fatalf("copied content = %q, %v", data, err)
	}

	deleted, err := DeleteTree(ctx, store, "branches/fork")
	if err != nil || deleted != 2 {
		t.Fatalf("delete = %d, %v", deleted, err)
	}
	if exists, _ := store.Exists(ctx, "branches/fork/a"); exists {
		t.Fatal("deleted tree still present")
	}
	// Source and unrelated trees are untouched.
	if exists, _ := store.Exists(ctx, "branches/main/a"); !exists {
		t.Fatal("source tree lost")
	}
	if exists, _ := store.Exists(ctx, "branches/other/c"); !exists {
		t.Fatal("unrelated tree lost")
	}
}
