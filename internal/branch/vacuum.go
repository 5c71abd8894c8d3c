package branch

import (
	"context"
	"strings"
	"time"

	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/segment"
)

// VacuumReport summarizes one vacuum pass.
type VacuumReport struct {
	FilesScanned   int      `json:"filesScanned"`
	OrphansFound   int      `json:"orphansFound"`
	FilesDeleted   int      `json:"filesDeleted"`
	BytesRecovered int64    `json:"bytesRecovered"`
	DryRun         bool     `json:"dryRun"`
	Errors         []string `json:"errors,omitempty"`
}

// VacuumOptions configures a pass.
type VacuumOptions struct {
	// Retention protects files newer than this even when orphaned.
	Retention time.Duration
	DryRun    bool
	Now       func() time.Time
}

// Vacuum scans the segment and index prefixes for files referenced by
// no published namespace manifest (current or older), and older than
// the retention window. Commit files are not read. Deletion errors are
// collected; the pass continues.
func Vacuum(ctx context.Context, store objstore.Store, opts VacuumOptions) (*VacuumReport, error) {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	report := &VacuumReport{DryRun: opts.DryRun}

	live := map[string]bool{}

	// Current namespace manifests pin the reading path.
	manifestKeys, err := store.List(ctx, segment.ManifestPrefix+"/")
	if err != nil {
		return nil, err
	}
	namespaces := map[string]bool{}
	for _, key := range manifestKeys {
		parts := strings.Split(key, "/")
		if len(parts) >= 2 {
			namespaces[parts[1]] = true
		}
	}
	// Every published manifest pins its files: the current one serves
	// readers, older ones are reachable from commits cut before the
	// latest compaction. Orphans are exactly the segment and index
	// files no manifest ever published (writes that failed before
	// their manifest landed).
	for ns := range namespaces {
		seqs, err := segment.ListManifests(ctx, store, ns)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		for _, seq := range seqs {
			m, err := segment.LoadManifest(ctx, store, ns, seq)
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			for _, key := range m.LiveKeys() {
				live[key] = true
			}
		}
	}

	stater, canStat := store.(objstore.Stater)
	cutoff := opts.Now().Add(-opts.Retention).UnixMilli()

	for _, prefix := range []string{segment.Prefix + "/", "indexes/"} {
		keys, err := store.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			report.FilesScanned++
			if live[key] {
				continue
			}
			report.OrphansFound++
			var size int64
			if canStat {
				info, err := stater.Stat(ctx, key)
				if err == nil {
					// Never delete within retention, even orphans.
					if info.ModTime > cutoff {
						continue
					}
					size = info.Size
				}
			}
			if opts.DryRun {
				continue
			}
			if err := store.Delete(ctx, key); err != nil {
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			report.FilesDeleted++
			report.BytesRecovered += size
		}
	}
	return report, nil
}
