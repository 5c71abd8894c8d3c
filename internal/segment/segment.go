// Package segment encodes batches of reconstructed entities into
// immutable Parquet files and reads them back with row-group
// granularity. Segments are content-addressed and never mutated.
package segment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/brotli"
	"github.com/parquet-go/parquet-go/compress/gzip"
	"github.com/parquet-go/parquet-go/compress/lz4"
	"github.com/parquet-go/parquet-go/compress/snappy"
	"github.com/parquet-go/parquet-go/compress/uncompressed"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/types"
)

// Prefix is the key prefix for segment files.
const Prefix = "segments"

// DefaultRowGroupSize is the number of rows per row group.
const DefaultRowGroupSize = 1000

// Row is the columnar shape of one entity. User fields travel as a JSON
// column; indexed fields get dedicated bloom/hash artifacts built
// beside the segment, so predicate pushdown works at row-group
// granularity without a dynamic parquet schema.
type Row struct {
	ID        string `parquet:"id,dict"`
	Type      string `parquet:"type,dict,optional"`
	Version   int64  `parquet:"version"`
	CreatedAt int64  `parquet:"created_at,timestamp(millisecond)"`
	CreatedBy string `parquet:"created_by,dict,optional"`
	UpdatedAt int64  `parquet:"updated_at,timestamp(millisecond)"`
	UpdatedBy string `parquet:"updated_by,dict,optional"`
	DeletedAt int64  `parquet:"deleted_at,timestamp(millisecond)"` // zero = live
	DeletedBy string `parquet:"deleted_by,dict,optional"`
	Fields    string `parquet:"fields"` // JSON object of user fields
}

// ToRow flattens an entity.
func ToRow(e *types.Entity) (Row, error) {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return Row{}, fmt.Errorf("encode fields of %s: %w", e.ID, err)
	}
	r := Row{
		ID:        e.ID.ID,
		Type:      e.Type,
		Version:   int64(e.Version),
		CreatedAt: e.CreatedAt.UnixMilli(),
		CreatedBy: e.CreatedBy,
		UpdatedAt: e.UpdatedAt.UnixMilli(),
		UpdatedBy: e.UpdatedBy,
		DeletedBy: e.DeletedBy,
		Fields:    string(fields),
	}
	if e.DeletedAt != nil {
		r.DeletedAt = e.DeletedAt.UnixMilli()
	}
	return r, nil
}

// ToEntity rebuilds the entity from its columnar form.
func (r Row) ToEntity(ns string) (*types.Entity, error) {
	var fields map[string]any
	if r.Fields != "" {
		if err := json.Unmarshal([]byte(r.Fields), &fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s/%s: %w", ns, r.ID, err)
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	e := &types.Entity{
		ID:        types.EntityID{Namespace: ns, ID: r.ID},
		Type:      r.Type,
		Version:   uint64(r.Version),
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		CreatedBy: r.CreatedBy,
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
		UpdatedBy: r.UpdatedBy,
		DeletedBy: r.DeletedBy,
		Fields:    fields,
	}
	if r.DeletedAt != 0 {
		t := time.UnixMilli(r.DeletedAt).UTC()
		e.DeletedAt = &t
	}
	return e, nil
}

// RowGroupStats is the per-row-group pruning statistics recorded in the
// footer metadata.
type RowGroupStats struct {
	Rows         int    `json:"rows"`
	MinID        string `json:"minId"`
	MaxID        string `json:"maxId"`
	MinUpdatedAt int64  `json:"minUpdatedAt"`
	MaxUpdatedAt int64  `json:"maxUpdatedAt"`
	DeletedRows  int    `json:"deletedRows"`
}

const (
	metaRowGroups = "parquedb:rowgroups"
	metaIndexes   = "parquedb:indexes"
	metaNamespace = "parquedb:namespace"
)

// Codec resolves a configured compression name. Names are compared
// case-insensitively; unknown names fall back to the default (lz4).
func Codec(name string) compress.Codec {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "UNCOMPRESSED", "NONE":
		return &uncompressed.Codec{}
	case "SNAPPY":
		return &snappy.Codec{}
	case "ZSTD":
		return &zstd.Codec{}
	case "GZIP":
		return &gzip.Codec{}
	case "BROTLI":
		return &brotli.Codec{}
	case "LZ4", "LZ4_RAW":
		return &lz4.Codec{}
	default:
		return &lz4.Codec{}
	}
}

// WriteOptions configures segment encoding.
type WriteOptions struct {
	Compression  string
	RowGroupSize int
	// IndexKeys are the artifact keys published with the segment,
	// recorded in the footer so readers can find them.
	IndexKeys map[string]string
}

// Written describes a freshly encoded segment.
type Written struct {
	Key      string
	Hash     string
	RowCount int
	Bytes    int
	Groups   []RowGroupStats
}

// Write encodes entities (sorted by id) into one parquet segment and
// stores it content-addressed under segments/<ns>/. The returned hash
// names the segment everywhere else (manifests, commits).
func Write(ctx context.Context, store objstore.Store, ns string, entities []*types.Entity, opts WriteOptions) (*Written, error) {
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = DefaultRowGroupSize
	}
	sorted := append([]*types.Entity(nil), entities...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.ID < sorted[j].ID.ID })

	indexKeys, err := json.Marshal(opts.IndexKeys)
	if err != nil {
		return nil, fmt.Errorf("encode index keys: %w", err)
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf,
		parquet.Compression(Codec(opts.Compression)),
		parquet.KeyValueMetadata(metaNamespace, ns),
		parquet.KeyValueMetadata(metaIndexes, string(indexKeys)),
	)

	var groups []RowGroupStats
	var current RowGroupStats
	flushGroup := func() error {
		if current.Rows == 0 {
			return nil
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush row group: %w", err)
		}
		groups = append(groups, current)
		current = RowGroupStats{}
		return nil
	}
	for _, e := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := ToRow(e)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]Row{row}); err != nil {
			return nil, fmt.Errorf("write row %s: %w", e.ID, err)
		}
		if current.Rows == 0 || row.ID < current.MinID {
			current.MinID = row.ID
		}
		if current.Rows == 0 || row.ID > current.MaxID {
			current.MaxID = row.ID
		}
		if current.Rows == 0 || row.UpdatedAt < current.MinUpdatedAt {
			current.MinUpdatedAt = row.UpdatedAt
		}
		if current.Rows == 0 || row.UpdatedAt > current.MaxUpdatedAt {
			current.MaxUpdatedAt = row.UpdatedAt
		}
		if row.DeletedAt != 0 {
			current.DeletedRows++
		}
		current.Rows++
		if current.Rows >= opts.RowGroupSize {
			if err := flushGroup(); err != nil {
				return nil, err
			}
		}
	}
	if err := flushGroup(); err != nil {
		return nil, err
	}

	statsJSON, err := json.Marshal(groups)
	if err != nil {
		return nil, fmt.Errorf("encode row group stats: %w", err)
	}
	// Late metadata must be set before Close writes the footer.
	w.SetKeyValueMetadata(metaRowGroups, string(statsJSON))

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close segment writer: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	hash := hex.EncodeToString(sum[:8])
	key := fmt.Sprintf("%s/%s/%s.parquet", Prefix, ns, hash)
	if err := store.Write(ctx, key, buf.Bytes()); err != nil {
		return nil, err
	}
	return &Written{Key: key, Hash: hash, RowCount: len(sorted), Bytes: buf.Len(), Groups: groups}, nil
}

// Reader wraps an opened segment file.
type Reader struct {
	file   *parquet.File
	ns     string
	groups []RowGroupStats
	// IndexKeys maps artifact kind ("bloom", "hash", "fts") to store key.
	IndexKeys map[string]string
}

// Open parses a segment from its stored bytes.
func Open(data []byte, ns string) (*Reader, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &types.StorageError{Kind: types.StorageCorrupted, Op: "open-segment", Err: err}
	}
	r := &Reader{file: f, ns: ns, IndexKeys: map[string]string{}}
	if raw, ok := f.Lookup(metaRowGroups); ok {
		if err := json.Unmarshal([]byte(raw), &r.groups); err != nil {
			return nil, &types.StorageError{Kind: types.StorageCorrupted, Op: "open-segment", Err: err}
		}
	}
	if raw, ok := f.Lookup(metaIndexes); ok {
		_ = json.Unmarshal([]byte(raw), &r.IndexKeys)
	}
	return r, nil
}

// NumRowGroups returns the row-group count.
func (r *Reader) NumRowGroups() int {
	return len(r.file.RowGroups())
}

// Stats returns the recorded statistics for group i, if present.
func (r *Reader) Stats(i int) (RowGroupStats, bool) {
	if i < 0 || i >= len(r.groups) {
		return RowGroupStats{}, false
	}
	return r.groups[i], true
}

// ReadGroup materializes all entities of row group i.
func (r *Reader) ReadGroup(ctx context.Context, i int) ([]*types.Entity, error) {
	rgs := r.file.RowGroups()
	if i < 0 || i >= len(rgs) {
		return nil, fmt.Errorf("row group %d out of range", i)
	}
	rg := rgs[i]
	reader := parquet.NewGenericRowGroupReader[Row](rg)
	defer func() { _ = reader.Close() }()
	out := make([]*types.Entity, 0, rg.NumRows())
	rows := make([]Row, 256)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := reader.Read(rows)
		for _, row := range rows[:n] {
			e, convErr := row.ToEntity(r.ns)
			if convErr != nil {
				return nil, convErr
			}
			out = append(out, e)
		}
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

// ReadAll materializes every row in the segment.
func (r *Reader) ReadAll(ctx context.Context) ([]*types.Entity, error) {
	var out []*types.Entity
	for i := 0; i < r.NumRowGroups(); i++ {
		ents, err := r.ReadGroup(ctx, i)
		if err != nil {
			return nil, err
		}
		out = append(out, ents...)
	}
	return out, nil
}
