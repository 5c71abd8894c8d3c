package db

import (
	"context"

	"github.com/parquedb/parquedb/internal/background"
	"github.com/parquedb/parquedb/internal/cache"
	"github.com/parquedb/parquedb/internal/compaction"
	"github.com/parquedb/parquedb/internal/objstore/breaker"
)

// NamespaceStats summarizes one namespace.
type NamespaceStats struct {
	Namespace    string `json:"namespace"`
	EventCount   uint64 `json:"eventCount"`
	SegmentCount int    `json:"segmentCount"`
	SegmentBytes int64  `json:"segmentBytes"`
	RowCount     int    `json:"rowCount"`
}

// Stats is the aggregate engine report behind `pq stats`, scoped to
// the current branch.
type Stats struct {
	Branch     string                                      `json:"branch"`
	Namespaces []NamespaceStats                            `json:"namespaces"`
	Cache      cache.Stats                                 `json:"cache"`
	CacheLen   int                                         `json:"cacheLen"`
	Breaker    breaker.Health                              `json:"breaker"`
	Background map[background.TaskType]background.Counters `json:"background"`
	// Windows reports live compaction windows; Quarantined the dead
	// ones (the DLQ-equivalent sink).
	Windows     []compaction.Window `json:"windows,omitempty"`
	Quarantined []compaction.Window `json:"quarantined,omitempty"`
}

// Stats collects the aggregate report.
func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	st := d.cur()
	namespaces, err := st.log.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	out := &Stats{
		Branch:     st.name,
		Cache:      st.entCache.Stats(),
		CacheLen:   st.entCache.Len(),
		Breaker:    d.monitor.Health(),
		Background: d.runner.Stats(),
	}
	out.Windows, out.Quarantined = st.compactor.Stats()
	for _, ns := range namespaces {
		s := NamespaceStats{Namespace: ns}
		if next, err := st.log.Next(ctx, ns); err == nil {
			s.EventCount = next
		}
		if m, err := st.compactor.Manifest(ctx, ns); err == nil && m != nil {
			s.SegmentCount = len(m.Segments)
			for _, ref := range m.Segments {
				s.SegmentBytes += int64(ref.Bytes)
				s.RowCount += ref.RowCount
			}
		}
		out.Namespaces = append(out.Namespaces, s)
	}
	return out, nil
}

// BackgroundErrors exposes the captured fire-and-forget failures.
func (d *DB) BackgroundErrors() []background.TaskError {
	return d.runner.Errors()
}
