// Package index builds and reads the per-segment secondary index
// artifacts: bloom filters for probabilistic row-group skipping and a
// deterministic hash index for equality lookups. Artifacts are written
// beside their segment and die with it.
package index

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/parquedb/parquedb/internal/types"
)

// BloomMagic identifies the bloom artifact file format.
const BloomMagic = "PQBF"

// bloomVersion is the current format version.
const bloomVersion = 1

// groupFilterBytes is the fixed size of each per-row-group filter.
const groupFilterBytes = 4096

const bloomHeaderSize = 4 + 2 + 2 + 4 + 2 + 2

// CanonicalValue renders a field value the way every index hashes it.
// Both build and probe sides must agree byte-for-byte.
func CanonicalValue(field string, value any) string {
	return field + "=" + canonicalScalar(value)
}

func canonicalScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x00null"
	case string:
		return "s:" + t
	case bool:
		if t {
			return "b:1"
		}
		return "b:0"
	case float64:
		return "n:" + strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return "n:" + strconv.FormatFloat(float64(t), 'g', -1, 64)
	case int:
		return "n:" + strconv.FormatFloat(float64(t), 'g', -1, 64)
	case int64:
		return "n:" + strconv.FormatFloat(float64(t), 'g', -1, 64)
	case uint64:
		return "n:" + strconv.FormatFloat(float64(t), 'g', -1, 64)
	case time.Time:
		return "t:" + strconv.FormatInt(t.UnixMilli(), 10)
	default:
		return fmt.Sprintf("x:%v", t)
	}
}

// BloomBuilder accumulates values per row group while a segment is
// written.
type BloomBuilder struct {
	ns     *bloom.BloomFilter
	groups []*bloom.BloomFilter
	k      uint
}

// NewBloomBuilder sizes the namespace filter for expectedItems at fpr
// and allocates numRowGroups fixed-size group filters.
func NewBloomBuilder(numRowGroups, expectedItems int, fpr float64) *BloomBuilder {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}
	m, k := bloom.EstimateParameters(uint(expectedItems), fpr)
	// Round up to whole bytes so the serialized size is exact.
	if m%64 != 0 {
		m += 64 - m%64
	}
	b := &BloomBuilder{ns: bloom.New(m, k), k: k}
	for i := 0; i < numRowGroups; i++ {
		b.groups = append(b.groups, bloom.New(groupFilterBytes*8, k))
	}
	return b
}

// Add records a canonical value in the namespace filter and the filter
// of row group rg.
func (b *BloomBuilder) Add(rg int, canonical string) {
	b.ns.AddString(canonical)
	if rg >= 0 && rg < len(b.groups) {
		b.groups[rg].AddString(canonical)
	}
}

// Encode serializes the artifact in the PQBF layout.
func (b *BloomBuilder) Encode() []byte {
	nsBytes := wordsToBytes(b.ns.BitSet().Bytes())
	out := make([]byte, 0, bloomHeaderSize+len(nsBytes)+len(b.groups)*groupFilterBytes)
	out = append(out, BloomMagic...)
	out = binary.BigEndian.AppendUint16(out, bloomVersion)
	out = binary.BigEndian.AppendUint16(out, uint16(b.k))
	out = binary.BigEndian.AppendUint32(out, uint32(len(nsBytes)))
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.groups)))
	out = binary.BigEndian.AppendUint16(out, 0) // reserved
	out = append(out, nsBytes...)
	for _, g := range b.groups {
		gb := wordsToBytes(g.BitSet().Bytes())
		// Group filters are created at exactly groupFilterBytes*8 bits.
		out = append(out, gb...)
	}
	return out
}

// BloomIndex is a decoded artifact.
type BloomIndex struct {
	ns     *bloom.BloomFilter
	groups []*bloom.BloomFilter
}

// ErrBadArtifact marks a corrupt or unsupported index artifact. Callers
// treat the artifact as missing and rebuild on demand.
var ErrBadArtifact = &types.StorageError{Kind: types.StorageCorrupted, Op: "decode-index"}

// DecodeBloom parses a PQBF artifact. Wrong magic or version, or a
// truncated body, returns ErrBadArtifact.
func DecodeBloom(data []byte) (*BloomIndex, error) {
	if len(data) < bloomHeaderSize || string(data[:4]) != BloomMagic {
		return nil, ErrBadArtifact
	}
	version := binary.BigEndian.Uint16(data[4:6])
	if version != bloomVersion {
		return nil, ErrBadArtifact
	}
	k := uint(binary.BigEndian.Uint16(data[6:8]))
	filterSize := int(binary.BigEndian.Uint32(data[8:12]))
	numGroups := int(binary.BigEndian.Uint16(data[12:14]))
	want := bloomHeaderSize + filterSize + numGroups*groupFilterBytes
	if k == 0 || len(data) != want {
		return nil, ErrBadArtifact
	}
	body := data[bloomHeaderSize:]
	idx := &BloomIndex{
		ns: bloom.FromWithM(bytesToWords(body[:filterSize]), uint(filterSize*8), k),
	}
	body = body[filterSize:]
	for i := 0; i < numGroups; i++ {
		gb := body[i*groupFilterBytes : (i+1)*groupFilterBytes]
		idx.groups = append(idx.groups, bloom.FromWithM(bytesToWords(gb), groupFilterBytes*8, k))
	}
	return idx, nil
}

// MightContain probes the namespace-level filter.
func (b *BloomIndex) MightContain(canonical string) bool {
	return b.ns.TestString(canonical)
}

// GroupMightContain probes one row group's filter. Out-of-range groups
// conservatively report true.
func (b *BloomIndex) GroupMightContain(rg int, canonical string) bool {
	if rg < 0 || rg >= len(b.groups) {
		return true
	}
	return b.groups[rg].TestString(canonical)
}

// NumGroups returns the per-row-group filter count.
func (b *BloomIndex) NumGroups() int { return len(b.groups) }

func wordsToBytes(words []uint64) []byte {
	out := make([]byte, len(words)*8)
	for i, w := range words {
		binary.BigEndian.PutUint64(out[i*8:], w)
	}
	return out
}

func bytesToWords(data []byte) []uint64 {
	words := make([]uint64, len(data)/8)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(data[i*8:])
	}
	return words
}

// HashValue is the deterministic 64-bit hash every hash artifact uses.
func HashValue(canonical string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(canonical))
	return h.Sum64()
}
