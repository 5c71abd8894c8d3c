package fts

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	"github.com/parquedb/parquedb/internal/types"
)

// Magic identifies the binary FTSI artifact.
const Magic = "FTSI"

const codecVersion = 1

// ErrCorrupt marks an unreadable FTS artifact. Callers treat the index
// as empty and schedule a rebuild.
var ErrCorrupt = &types.StorageError{Kind: types.StorageCorrupted, Op: "decode-fts"}

// Encode serializes the index in the FTSI binary layout: magic,
// version u16 BE, term dictionary with postings, then per-document
// length stats. Corpus statistics are derived on load.
func (ix *Index) Encode() []byte {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []byte
	out = append(out, Magic...)
	out = binary.BigEndian.AppendUint16(out, codecVersion)

	terms := make([]string, 0, len(ix.terms))
	for t := range ix.terms {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	out = binary.BigEndian.AppendUint32(out, uint32(len(terms)))
	for _, term := range terms {
		out = appendString(out, term)
		postings := ix.terms[term]
		out = binary.BigEndian.AppendUint32(out, uint32(len(postings)))
		for _, p := range postings {
			out = appendString(out, p.DocID)
			out = appendString(out, p.Field)
			out = binary.BigEndian.AppendUint32(out, uint32(p.Frequency))
			out = binary.BigEndian.AppendUint32(out, uint32(len(p.Positions)))
			for _, pos := range p.Positions {
				out = binary.BigEndian.AppendUint32(out, uint32(pos))
			}
		}
	}

	docs := make([]string, 0, len(ix.fieldLens))
	for d := range ix.fieldLens {
		docs = append(docs, d)
	}
	sort.Strings(docs)
	out = binary.BigEndian.AppendUint32(out, uint32(len(docs)))
	for _, doc := range docs {
		out = appendString(out, doc)
		fields := ix.fieldLens[doc]
		names := make([]string, 0, len(fields))
		for f := range fields {
			names = append(names, f)
		}
		sort.Strings(names)
		out = binary.BigEndian.AppendUint16(out, uint16(len(names)))
		for _, f := range names {
			out = appendString(out, f)
			out = binary.BigEndian.AppendUint32(out, uint32(fields[f]))
		}
	}
	return out
}

// Decode parses an FTS artifact into a fresh index with the given
// options. The binary FTSI format is primary; a legacy JSON document is
// still accepted. Wrong magic, unsupported version or a truncated body
// returns ErrCorrupt.
func Decode(data []byte, opts Options) (*Index, error) {
	if len(data) > 0 && data[0] == '{' {
		return decodeLegacyJSON(data, opts)
	}
	if len(data) < 6 || string(data[:4]) != Magic {
		return nil, ErrCorrupt
	}
	if binary.BigEndian.Uint16(data[4:6]) != codecVersion {
		return nil, ErrCorrupt
	}
	d := &decoder{data: data, pos: 6}
	ix := NewIndex(opts)

	termCount := d.u32()
	for i := uint32(0); i < termCount && !d.failed; i++ {
		term := d.str()
		postingCount := d.u32()
		postings := make([]Posting, 0, postingCount)
		for j := uint32(0); j < postingCount && !d.failed; j++ {
			p := Posting{DocID: d.str(), Field: d.str(), Frequency: int(d.u32())}
			posCount := d.u32()
			p.Positions = make([]int, 0, posCount)
			for k := uint32(0); k < posCount && !d.failed; k++ {
				p.Positions = append(p.Positions, int(d.u32()))
			}
			postings = append(postings, p)
		}
		ix.terms[term] = postings
	}

	docCount := d.u32()
	for i := uint32(0); i < docCount && !d.failed; i++ {
		doc := d.str()
		fieldCount := d.u16()
		lens := make(map[string]int, fieldCount)
		total := 0
		for j := uint16(0); j < fieldCount && !d.failed; j++ {
			f := d.str()
			n := int(d.u32())
			lens[f] = n
			total += n
		}
		ix.fieldLens[doc] = lens
		ix.totalLens[doc] = total
	}
	if d.failed || d.pos != len(data) {
		return nil, ErrCorrupt
	}
	return ix, nil
}

func appendString(out []byte, s string) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
	return append(out, s...)
}

type decoder struct {
	data   []byte
	pos    int
	failed bool
}

func (d *decoder) u16() uint16 {
	if d.failed || d.pos+2 > len(d.data) {
		d.failed = true
		return 0
	}
	v := binary.BigEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) u32() uint32 {
	if d.failed || d.pos+4 > len(d.data) {
		d.failed = true
		return 0
	}
	v := binary.BigEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) str() string {
	n := int(d.u16())
	if d.failed || d.pos+n > len(d.data) {
		d.failed = true
		return ""
	}
	s := string(d.data[d.pos : d.pos+n])
	d.pos += n
	return s
}

// legacyIndex is the pre-binary JSON layout.
type legacyIndex struct {
	Terms map[string][]Posting      `json:"terms"`
	Docs  map[string]map[string]int `json:"docs"`
}

func decodeLegacyJSON(data []byte, opts Options) (*Index, error) {
	var legacy legacyIndex
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, ErrCorrupt
	}
	ix := NewIndex(opts)
	for term, postings := range legacy.Terms {
		ix.terms[term] = postings
	}
	for doc, lens := range legacy.Docs {
		total := 0
		for _, n := range lens {
			total += n
		}
		ix.fieldLens[doc] = lens
		ix.totalLens[doc] = total
	}
	return ix, nil
}
