package index

import (
	"encoding/binary"
	"sort"
)

// Hash artifact layout: version byte (0x03), flags byte, entryCount
// u32 BE, then entries sorted by hash, each {hash u64 BE, rgCount u16
// BE, rgCount × rowGroupID u16 BE}. The deterministic layout makes the
// artifact byte-stable for identical inputs, which keeps segment
// content hashes reproducible.

const hashVersion = 0x03

// HashBuilder accumulates value → row-group postings.
type HashBuilder struct {
	entries map[uint64]map[uint16]struct{}
}

// NewHashBuilder returns an empty builder.
func NewHashBuilder() *HashBuilder {
	return &HashBuilder{entries: make(map[uint64]map[uint16]struct{})}
}

// Add records that canonical appears in row group rg.
func (b *HashBuilder) Add(rg int, canonical string) {
	h := HashValue(canonical)
	set, ok := b.entries[h]
	if !ok {
		set = make(map[uint16]struct{})
		b.entries[h] = set
	}
	set[uint16(rg)] = struct{}{}
}

// Encode serializes the artifact.
func (b *HashBuilder) Encode() []byte {
	hashes := make([]uint64, 0, len(b.entries))
	for h := range b.entries {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	out := []byte{hashVersion, 0}
	out = binary.BigEndian.AppendUint32(out, uint32(len(hashes)))
	for _, h := range hashes {
		rgs := make([]uint16, 0, len(b.entries[h]))
		for rg := range b.entries[h] {
			rgs = append(rgs, rg)
		}
		sort.Slice(rgs, func(i, j int) bool { return rgs[i] < rgs[j] })
		out = binary.BigEndian.AppendUint64(out, h)
		out = binary.BigEndian.AppendUint16(out, uint16(len(rgs)))
		for _, rg := range rgs {
			out = binary.BigEndian.AppendUint16(out, rg)
		}
	}
	return out
}

// HashIndex is a decoded hash artifact.
type HashIndex struct {
	postings map[uint64][]int
}

// DecodeHash parses a hash artifact. An unsupported version byte or a
// truncated body returns ErrBadArtifact.
func DecodeHash(data []byte) (*HashIndex, error) {
	if len(data) < 6 || data[0] != hashVersion {
		return nil, ErrBadArtifact
	}
	count := int(binary.BigEndian.Uint32(data[2:6]))
	idx := &HashIndex{postings: make(map[uint64][]int, count)}
	pos := 6
	for i := 0; i < count; i++ {
		if pos+10 > len(data) {
			return nil, ErrBadArtifact
		}
		h := binary.BigEndian.Uint64(data[pos : pos+8])
		n := int(binary.BigEndian.Uint16(data[pos+8 : pos+10]))
		pos += 10
		if pos+n*2 > len(data) {
			return nil, ErrBadArtifact
		}
		rgs := make([]int, n)
		for j := 0; j < n; j++ {
			rgs[j] = int(binary.BigEndian.Uint16(data[pos+j*2 : pos+j*2+2]))
		}
		pos += n * 2
		idx.postings[h] = rgs
	}
	if pos != len(data) {
		return nil, ErrBadArtifact
	}
	return idx, nil
}

// Lookup returns the row groups that may contain canonical, and whether
// the value is present at all. Hash collisions can produce false
// positives; the scan still verifies each row.
func (h *HashIndex) Lookup(canonical string) ([]int, bool) {
	rgs, ok := h.postings[HashValue(canonical)]
	return rgs, ok
}
