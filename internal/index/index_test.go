package index

import (
	"fmt"
	"testing"
)

func TestBloomZeroFalseNegatives(t *testing.T) {
	const groups = 4
	const perGroup = 250
	b := NewBloomBuilder(groups, groups*perGroup, 0.01)
	values := make([][]string, groups)
	for g := 0; g < groups; g++ {
		for i := 0; i < perGroup; i++ {
			v := CanonicalValue("title", fmt.Sprintf("value-%d-%d", g, i))
			values[g] = append(values[g], v)
			b.Add(g, v)
		}
	}
	idx, err := DecodeBloom(b.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if idx.NumGroups() != groups {
		t.Fatalf("groups = %d", idx.NumGroups())
	}
	for g, vs := range values {
		for _, v := range vs {
			if !idx.MightContain(v) {
				t.Fatalf("namespace filter false negative for %q", v)
			}
			if !idx.GroupMightContain(g, v) {
				t.Fatalf("group %d false negative for %q", g, v)
			}
		}
	}
}

func TestBloomFalsePositiveRate(t *testing.T) {
	const n = 1000
	b := NewBloomBuilder(1, n, 0.01)
	for i := 0; i < n; i++ {
		b.Add(0, CanonicalValue("f", fmt.Sprintf("member-%d", i)))
	}
	idx, err := DecodeBloom(b.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if idx.MightContain(CanonicalValue("f", fmt.Sprintf("non-member-%d", i))) {
			falsePositives++
		}
	}
	// Allow generous slack over the configured 1% rate.
	if rate := float64(falsePositives) / probes; rate > 0.05 {
		t.Fatalf("false positive rate %.3f too high", rate)
	}
}

func TestBloomRejectsBadMagic(t *testing.T) {
	b := NewBloomBuilder(1, 10, 0.01)
	data := b.Encode()
	data[0] = 'X'
	if _, err := DecodeBloom(data); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestBloomRejectsTruncated(t *testing.T) {
	b := NewBloomBuilder(2, 10, 0.01)
	data := b.Encode()
	if _, err := DecodeBloom(data[:len(data)-100]); err == nil {
		t.Fatal("expected error for truncated body")
	}
}

func TestBloomHeaderLayout(t *testing.T) {
	b := NewBloomBuilder(3, 100, 0.01)
	data := b.Encode()
	if string(data[:4]) != BloomMagic {
		t.Fatalf("magic = %q", data[:4])
	}
	numGroups := int(data[12])<<8 | int(data[13])
	if numGroups != 3 {
		t.Fatalf("numRowGroups = %d", numGroups)
	}
	filterSize := int(data[8])<<24 | int(data[9])<<16 | int(data[10])<<8 | int(data[11])
	if len(data) != 16+filterSize+3*4096 {
		t.Fatalf("size = %d, want header+%d+3*4096", len(data), filterSize)
	}
}

func TestHashRoundTrip(t *testing.T) {
	b := NewHashBuilder()
	b.Add(0, CanonicalValue("status", "open"))
	b.Add(2, CanonicalValue("status", "open"))
	b.Add(1, CanonicalValue("status", "closed"))

	idx, err := DecodeHash(b.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	groups, ok := idx.Lookup(CanonicalValue("status", "open"))
	if !ok || len(groups) != 2 || groups[0] != 0 || groups[1] != 2 {
		t.Fatalf("open -> %v, %v", groups, ok)
	}
	if _, ok := idx.Lookup(CanonicalValue("status", "missing")); ok {
		t.Fatal("missing value should not be present")
	}
}

func TestHashEncodeDeterministic(t *testing.T) {
	build := func() []byte {
		b := NewHashBuilder()
		for i := 0; i < 50; i++ {
			b.Add(i%4, CanonicalValue("f", fmt.Sprintf("v%d", i)))
		}
		return b.Encode()
	}
	a, b := build(), build()
	if string(a) != string(b) {
		t.Fatal("hash artifact encoding is not deterministic")
	}
}

func TestHashRejectsBadVersion(t *testing.T) {
	b := NewHashBuilder()
	b.Add(0, "x")
	data := b.Encode()
	data[0] = 0x01
	if _, err := DecodeHash(data); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestCanonicalValueDisambiguates(t *testing.T) {
	if CanonicalValue("a", "1") == CanonicalValue("a", float64(1)) {
		t.Fatal("string and number must hash differently")
	}
	if CanonicalValue("a", "x") == CanonicalValue("b", "x") {
		t.Fatal("field name must participate")
	}
	if CanonicalValue("a", true) == CanonicalValue("a", "b:1") {
		t.Fatal("bool must not collide with its rendering")
	}
}
