package objstore

import (
	"context"
	"errors"
	"testing"
)

func newFS(t *testing.T) *FS {
	t.Helper()
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return store
}

func TestWriteReadDelete(t *testing.T) {
	ctx := context.Background()
	store := newFS(t)
	if err := store.Write(ctx, "a/b/c.json", []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := store.Read(ctx, "a/b/c.json")
	if err != nil || string(data) != "payload" {
		t.Fatalf("read = %q, %v", data, err)
	}
	exists, err := store.Exists(ctx, "a/b/c.json")
	if err != nil || !exists {
		t.Fatalf("exists = %v, %v", exists, err)
	}
	if err := store.Delete(ctx, "a/b/c.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Read(ctx, "a/b/c.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read after delete: %v", err)
	}
	// Deleting a missing key is not an error.
	if err := store.Delete(ctx, "a/b/c.json"); err != nil {
		t.Fatalf("double delete: %v", err)
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	store := newFS(t)
	for _, key := range []string{"x/1", "x/2", "y/1"} {
		if err := store.Write(ctx, key, []byte("d")); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}
	keys, err := store.List(ctx, "x/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "x/1" || keys[1] != "x/2" {
		t.Fatalf("keys = %v", keys)
	}
	all, err := store.List(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %v, %v", all, err)
	}
}

func TestOverwriteIsAtomicReplacement(t *testing.T) {
	ctx := context.Background()
	store := newFS(t)
	if err := store.Write(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Write(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, err := store.Read(ctx, "k")
	if err != nil || string(data) != "v2" {
		t.Fatalf("read = %q, %v", data, err)
	}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	store := newFS(t)
	if err := store.Write(ctx, "k", []byte("12345")); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := store.Stat(ctx, "k")
	if err != nil || info.Size != 5 || info.ModTime == 0 {
		t.Fatalf("stat = %+v, %v", info, err)
	}
	if _, err := store.Stat(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stat missing: %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{"a", "a/b", "a/b/c.json", "deep/ly/nested/path"}
	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Errorf("ValidateKey(%q) = %v", key, err)
		}
	}
	invalid := []string{
		"",
		"/absolute",
		"\\absolute",
		"C:/windows",
		"a/../b",
		"../escape",
		"nul\x00byte",
		"new\nline",
	}
	for _, key := range invalid {
		if err := ValidateKey(key); err == nil {
			t.Errorf("ValidateKey(%q) accepted", key)
		}
	}
}
