package segment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquedb/parquedb/internal/objstore"
)

// ManifestPrefix is the key prefix for namespace manifests.
const ManifestPrefix = "manifests"

// SegmentRef names one live segment inside a manifest.
type SegmentRef struct {
	Key      string `json:"key"`
	Hash     string `json:"hash"`
	RowCount int    `json:"rowCount"`
	Bytes    int    `json:"bytes"`
}

// Manifest is the atomic publication unit: the set of segments and
// index artifacts forming a namespace's consistent columnar view, and
// the highest event-log offset those segments cover.
type Manifest struct {
	Namespace string `json:"namespace"`
	Seq       uint64 `json:"seq"`
	Segments  []SegmentRef `json:"segments"`
	// Indexes maps artifact kind to store key, per segment hash.
	Indexes map[string]map[string]string `json:"indexes,omitempty"`
	// EventOffset is the exclusive upper bound of covered log offsets:
	// every event below it is reflected in the segments.
	EventOffset uint64    `json:"eventOffset"`
	CreatedAt   time.Time `json:"createdAt"`
}

func manifestKey(ns string, seq uint64) string {
	return fmt.Sprintf("%s/%s/%016x.json", ManifestPrefix, ns, seq)
}

func currentKey(ns string) string {
	return fmt.Sprintf("%s/%s/CURRENT", ManifestPrefix, ns)
}

// PublishManifest writes the manifest and advances the CURRENT pointer.
// The pointer write is the commit point: until it lands, the new
// segment set is invisible and its files are orphans.
func PublishManifest(ctx context.Context, store objstore.Store, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := store.Write(ctx, manifestKey(m.Namespace, m.Seq), data); err != nil {
		return err
	}
	return store.Write(ctx, currentKey(m.Namespace), []byte(strconv.FormatUint(m.Seq, 10)))
}

// CurrentManifest loads the live manifest for ns, or nil when the
// namespace has never been compacted.
func CurrentManifest(ctx context.Context, store objstore.Store, ns string) (*Manifest, error) {
	ptr, err := store.Read(ctx, currentKey(ns))
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(string(ptr)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse manifest pointer for %s: %w", ns, err)
	}
	return LoadManifest(ctx, store, ns, seq)
}

// LoadManifest loads one manifest by sequence.
func LoadManifest(ctx context.Context, store objstore.Store, ns string, seq uint64) (*Manifest, error) {
	data, err := store.Read(ctx, manifestKey(ns, seq))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s/%d: %w", ns, seq, err)
	}
	return &m, nil
}

// ListManifests returns all manifest sequences for ns, ascending.
func ListManifests(ctx context.Context, store objstore.Store, ns string) ([]uint64, error) {
	keys, err := store.List(ctx, ManifestPrefix+"/"+ns+"/")
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	for _, key := range keys {
		base := key[strings.LastIndexByte(key, '/')+1:]
		if !strings.HasSuffix(base, ".json") {
			continue
		}
		if n, err := strconv.ParseUint(strings.TrimSuffix(base, ".json"), 16, 64); err == nil {
			seqs = append(seqs, n)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// LiveKeys returns every store key a manifest pins: segments plus index
// artifacts. Vacuum treats these as referenced.
func (m *Manifest) LiveKeys() []string {
	var keys []string
	for _, seg := range m.Segments {
		keys = append(keys, seg.Key)
	}
	for _, perSeg := range m.Indexes {
		for _, key := range perSeg {
			keys = append(keys, key)
		}
	}
	return keys
}
