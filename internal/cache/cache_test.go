package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestGetPut(t *testing.T) {
	c, err := New[string](4)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Put("a", "1")
	got, ok := c.Get("a")
	if !ok || got != "1" {
		t.Fatalf("get a = %q, %v", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("missing key should miss")
	}
	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestLRUEviction(t *testing.T) {
	var evicted []string
	c, err := New[int](3, WithEvict[int](func(key string, _ int) {
		evicted = append(evicted, key)
	}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}
	// Touch k0 so k1 becomes least recently used.
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("k0 should be resident")
	}
	c.Put("k3", 3)
	if len(evicted) != 1 || evicted[0] != "k1" {
		t.Fatalf("evicted = %v, want [k1]", evicted)
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d", c.Len())
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("evictions = %d", c.Stats().Evictions)
	}
}

func TestTTLExpiryReadsAsMiss(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c, err := New[string](4, WithTTL[string](time.Minute), WithClock[string](func() time.Time { return clock() }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Put("a", "1")
	if _, ok := c.Get("a"); !ok {
		t.Fatal("fresh entry should hit")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expired entry should miss")
	}
	// Expired entries are not proactively evicted.
	if c.Len() != 1 {
		t.Fatalf("len = %d, expired entry should remain resident", c.Len())
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	now := time.Now()
	c, err := New[string](8, WithTTL[string](time.Minute), WithClock[string](func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Put("a", "1")
	c.Put("b", "2")
	now = now.Add(2 * time.Minute)
	if removed := c.Cleanup(); removed != 2 {
		t.Fatalf("cleanup removed %d, want 2", removed)
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d after cleanup", c.Len())
	}
}

func TestHitRate(t *testing.T) {
	var s Stats
	if s.HitRate() != 0 {
		t.Fatal("empty stats should report 0")
	}
	s = Stats{Hits: 3, Misses: 1}
	if s.HitRate() != 0.75 {
		t.Fatalf("hit rate = %f", s.HitRate())
	}
}
