package db

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/parquedb/parquedb/internal/query"
	"github.com/parquedb/parquedb/internal/segment"
	"github.com/parquedb/parquedb/internal/types"
)

// ExportFormat names a supported export encoding.
type ExportFormat string

const (
	FormatJSON    ExportFormat = "json"
	FormatNDJSON  ExportFormat = "ndjson"
	FormatCSV     ExportFormat = "csv"
	FormatParquet ExportFormat = "parquet"
)

// ParseExportFormat resolves a format name case-insensitively.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "ndjson", "jsonl":
		return FormatNDJSON, nil
	case "csv":
		return FormatCSV, nil
	case "parquet":
		return FormatParquet, nil
	}
	return "", &types.ValidationError{Field: "format", Reason: fmt.Sprintf("unknown format %q", s)}
}

// validateExportPath rejects control characters and traversal in a
// destination path. Absolute paths are allowed for exports; the data
// directory itself is off limits.
func (d *DB) validateExportPath(path string) error {
	if path == "" {
		return &types.ValidationError{Field: "path", Reason: "empty"}
	}
	if strings.ContainsAny(path, "\x00\n\r") {
		return &types.ValidationError{Field: "path", Reason: "control characters"}
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return &types.ValidationError{Field: "path", Reason: "path traversal"}
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return &types.ValidationError{Field: "path", Reason: err.Error()}
	}
	dataAbs, err := filepath.Abs(d.dir)
	if err == nil && strings.HasPrefix(abs, dataAbs+string(filepath.Separator)) {
		return &types.ValidationError{Field: "path", Reason: "destination inside the data directory"}
	}
	return nil
}

// Export writes every live entity of ns (soft-deleted excluded) to a
// local file in the requested format.
func (d *DB) Export(ctx context.Context, ns, path string, format ExportFormat) (int, error) {
	if err := d.validateExportPath(path); err != nil {
		return 0, err
	}
	res, err := d.Find(ctx, ns, nil, query.Options{})
	if err != nil {
		return 0, err
	}
	entities := res.Items
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID.ID < entities[j].ID.ID })

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	defer func() { _ = f.Close() }()

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entities); err != nil {
			return 0, fmt.Errorf("encode export: %w", err)
		}
	case FormatNDJSON:
		enc := json.NewEncoder(f)
		for _, e := range entities {
			if err := enc.Encode(e); err != nil {
				return 0, fmt.Errorf("encode export: %w", err)
			}
		}
	case FormatCSV:
		if err := writeCSV(f, entities); err != nil {
			return 0, err
		}
	case FormatParquet:
		w := parquet.NewGenericWriter[segment.Row](f, parquet.Compression(segment.Codec(d.opts.Compression)))
		for _, e := range entities {
			row, err := segment.ToRow(e)
			if err != nil {
				return 0, err
			}
			if _, err := w.Write([]segment.Row{row}); err != nil {
				return 0, fmt.Errorf("write export row: %w", err)
			}
		}
		if err := w.Close(); err != nil {
			return 0, fmt.Errorf("close export writer: %w", err)
		}
	default:
		return 0, &types.ValidationError{Field: "format", Reason: string(format)}
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync export file: %w", err)
	}
	return len(entities), nil
}

func writeCSV(f *os.File, entities []*types.Entity) error {
	// Header: identity + audit columns, then the union of user fields.
	fieldSet := map[string]bool{}
	for _, e := range entities {
		for k := range e.Fields {
			fieldSet[k] = true
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	w := csv.NewWriter(f)
	header := append([]string{"id", "type", "version", "createdAt", "updatedAt"}, fields...)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range entities {
		row := []string{
			e.ID.ID,
			e.Type,
			fmt.Sprintf("%d", e.Version),
			e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			e.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		}
		for _, field := range fields {
			v, ok := e.Fields[field]
			if !ok {
				row = append(row, "")
				continue
			}
			switch t := v.(type) {
			case string:
				row = append(row, t)
			default:
				encoded, _ := json.Marshal(t)
				row = append(row, string(encoded))
			}
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// ImportParquet creates entities from a parquet file previously written
// by Export. Audit fields are regenerated; existing ids are skipped and
// reported.
func (d *DB) ImportParquet(ctx context.Context, ns, path string, opts MutateOptions) (imported, skipped int, err error) {
	if err := d.validateExportPath(path); err != nil {
		return 0, 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read import file: %w", err)
	}
	reader, err := segment.Open(data, ns)
	if err != nil {
		return 0, 0, err
	}
	entities, err := reader.ReadAll(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entities {
		if e.Deleted() {
			skipped++
			continue
		}
		if _, err := d.Create(ctx, ns, e.ID.ID, e.Fields, opts); err != nil {
			var ve *types.ValidationError
			if errors.As(err, &ve) {
				skipped++
				continue
			}
			return imported, skipped, err
		}
		imported++
	}
	return imported, skipped, nil
}
