package compaction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/parquedb/parquedb/internal/eventlog"
	"github.com/parquedb/parquedb/internal/fts"
	"github.com/parquedb/parquedb/internal/index"
	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/reconstruct"
	"github.com/parquedb/parquedb/internal/schema"
	"github.com/parquedb/parquedb/internal/segment"
	"github.com/parquedb/parquedb/internal/types"
)

// Config tunes the compactor.
type Config struct {
	// WindowMaxEvents triggers a window once this many events follow
	// the last manifest.
	WindowMaxEvents int
	// WindowMaxAge triggers a window once the oldest uncovered event is
	// this old, regardless of count.
	WindowMaxAge time.Duration
	// HeartbeatTimeout marks a silent processing window stuck.
	HeartbeatTimeout time.Duration
	// MaxRetries bounds transient-failure retries per window.
	MaxRetries int
	// Compression is the parquet codec name.
	Compression string
	// BloomFPR is the namespace bloom filter false-positive rate.
	BloomFPR float64
	// Retention guards event pruning: only events covered by a manifest
	// and older than this are pruned.
	Retention time.Duration
	// FTS carries the analyzer options for the persisted text index.
	FTS fts.Options
}

func (c Config) withDefaults() Config {
	if c.WindowMaxEvents <= 0 {
		c.WindowMaxEvents = 1000
	}
	if c.WindowMaxAge <= 0 {
		c.WindowMaxAge = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BloomFPR <= 0 {
		c.BloomFPR = 0.01
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Compactor owns the window queue and performs the event → segment
// transformation.
type Compactor struct {
	log    *eventlog.Log
	store  objstore.Store
	sch    *schema.Schema
	cfg    Config
	queue  *windowQueue
	logger *log.Logger

	mu        sync.Mutex
	manifests map[string]*segment.Manifest // last published per namespace
}

// New builds a compactor. Scheduling (CheckNamespace / Run) is driven
// by the db layer's background machinery.
func New(evlog *eventlog.Log, store objstore.Store, sch *schema.Schema, cfg Config, logger *log.Logger) *Compactor {
	cfg = cfg.withDefaults()
	return &Compactor{
		log:       evlog,
		store:     store,
		sch:       sch,
		cfg:       cfg,
		queue:     newWindowQueue(cfg.HeartbeatTimeout, nil),
		logger:    logger,
		manifests: make(map[string]*segment.Manifest),
	}
}

// Manifest returns the cached current manifest for ns, loading it on
// first use.
func (c *Compactor) Manifest(ctx context.Context, ns string) (*segment.Manifest, error) {
	c.mu.Lock()
	if m, ok := c.manifests[ns]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()
	m, err := segment.CurrentManifest(ctx, c.store, ns)
	if err != nil {
		return nil, err
	}
	if m != nil {
		c.mu.Lock()
		c.manifests[ns] = m
		c.mu.Unlock()
	}
	return m, nil
}

// CheckNamespace admits a window for ns when the uncovered event range
// crosses the size or age trigger. Admission during backpressure
// returns ErrBackpressure.
func (c *Compactor) CheckNamespace(ctx context.Context, ns string) (*Window, error) {
	covered := uint64(0)
	if m, err := c.Manifest(ctx, ns); err == nil && m != nil {
		covered = m.EventOffset
	} else if err != nil {
		return nil, err
	}
	next, err := c.log.Next(ctx, ns)
	if err != nil {
		return nil, err
	}
	if next <= covered {
		return nil, nil
	}
	pending := int(next - covered)
	if pending < c.cfg.WindowMaxEvents {
		// Age trigger: oldest uncovered event.
		it := c.log.Range(ctx, ns, covered, covered+1)
		e, _, err := it.Next(ctx)
		if err != nil || e == nil {
			return nil, err
		}
		if time.Since(e.TS) < c.cfg.WindowMaxAge {
			return nil, nil
		}
	}
	return c.queue.admit(ns, covered, next)
}

// CheckNamespaceForce admits a window for every uncovered event of ns
// regardless of the size/age triggers. Commit and shutdown paths use it
// to drain the log.
func (c *Compactor) CheckNamespaceForce(ctx context.Context, ns string) (*Window, error) {
	covered := uint64(0)
	if m, err := c.Manifest(ctx, ns); err == nil && m != nil {
		covered = m.EventOffset
	} else if err != nil {
		return nil, err
	}
	next, err := c.log.Next(ctx, ns)
	if err != nil {
		return nil, err
	}
	if next <= covered {
		return nil, nil
	}
	return c.queue.admit(ns, covered, next)
}

// RunOnce claims and processes a single pending window, if any.
// Transient storage failures retry with exponential backoff up to
// MaxRetries; anything else quarantines the window.
func (c *Compactor) RunOnce(ctx context.Context) (bool, error) {
	c.queue.sweep()
	w := c.queue.claim()
	if w == nil {
		return false, nil
	}
	operation := func() error {
		c.queue.beat(w.ID)
		return c.process(ctx, w)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxRetries)), ctx)
	err := backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if retryable(err) {
			if c.logger != nil {
				c.logger.Printf("compaction window %d (%s): retrying: %v", w.ID, w.Namespace, err)
			}
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		// Retry returns the bare error in both cases; transient
		// failures go back to pending, everything else is quarantined.
		if retryable(err) {
			c.queue.requeue(w.ID)
		} else {
			c.queue.quarantine(w.ID, err.Error())
		}
		return true, err
	}
	c.queue.succeed(w.ID)
	return true, nil
}

// retryable treats timeouts and plain IO errors as transient; breaker
// opens, corruption and logic errors are not.
func retryable(err error) bool {
	var se *types.StorageError
	if errors.As(err, &se) {
		return se.Kind == types.StorageTimeout || se.Kind == types.StorageIO
	}
	return false
}

// process rewrites the namespace's current state into a fresh segment
// covering events below w.ToOffset, builds the index artifacts, and
// publishes the manifest. Failure before the manifest write leaves only
// orphans for vacuum; the log is never truncated first.
func (c *Compactor) process(ctx context.Context, w *Window) error {
	entities, err := c.fold(ctx, w)
	if err != nil {
		return err
	}
	c.queue.beat(w.ID)

	catalog := index.NewCatalog(c.sch)
	bloomFields := catalog.BloomFields(w.Namespace)
	hashFields := catalog.HashFields(w.Namespace)
	ftsFields := catalog.FTSFields(w.Namespace)

	written, err := segment.Write(ctx, c.store, w.Namespace, entities, segment.WriteOptions{
		Compression: c.cfg.Compression,
		IndexKeys:   map[string]string{}, // filled below via manifest
	})
	if err != nil {
		return err
	}
	c.queue.dispatched(w.ID)

	// Build artifacts against the written row-group layout. Rows are
	// id-sorted, matching the writer.
	rowGroup := func(i int) int { return i / segment.DefaultRowGroupSize }
	sorted := sortedByID(entities)

	indexKeys := map[string]string{}
	if len(bloomFields) > 0 {
		builder := index.NewBloomBuilder(len(written.Groups), len(sorted)*len(bloomFields), c.cfg.BloomFPR)
		for i, e := range sorted {
			for _, field := range bloomFields {
				if v, ok := e.Fields[field]; ok {
					builder.Add(rowGroup(i), index.CanonicalValue(field, v))
				}
			}
		}
		key := index.ArtifactKey(w.Namespace, written.Hash, index.KindBloom)
		if err := c.store.Write(ctx, key, builder.Encode()); err != nil {
			return err
		}
		indexKeys[string(index.KindBloom)] = key
	}
	if len(hashFields) > 0 {
		builder := index.NewHashBuilder()
		for i, e := range sorted {
			for _, field := range hashFields {
				if v, ok := e.Fields[field]; ok {
					builder.Add(rowGroup(i), index.CanonicalValue(field, v))
				}
			}
		}
		key := index.ArtifactKey(w.Namespace, written.Hash, index.KindHash)
		if err := c.store.Write(ctx, key, builder.Encode()); err != nil {
			return err
		}
		indexKeys[string(index.KindHash)] = key
	}
	if len(ftsFields) > 0 {
		textIndex := fts.NewIndex(c.cfg.FTS)
		for _, e := range sorted {
			if e.Deleted() {
				continue
			}
			fields := map[string]string{}
			for _, field := range ftsFields {
				if s, ok := e.Fields[field].(string); ok {
					fields[field] = s
				}
			}
			if len(fields) > 0 {
				textIndex.Add(e.ID.ID, fields)
			}
		}
		key := index.ArtifactKey(w.Namespace, written.Hash, index.KindFTS)
		if err := c.store.Write(ctx, key, textIndex.Encode()); err != nil {
			return err
		}
		indexKeys[string(index.KindFTS)] = key
	}
	c.queue.beat(w.ID)

	prev, err := c.Manifest(ctx, w.Namespace)
	if err != nil {
		return err
	}
	seq := uint64(1)
	if prev != nil {
		seq = prev.Seq + 1
	}
	manifest := &segment.Manifest{
		Namespace: w.Namespace,
		Seq:       seq,
		Segments: []segment.SegmentRef{{
			Key:      written.Key,
			Hash:     written.Hash,
			RowCount: written.RowCount,
			Bytes:    written.Bytes,
		}},
		Indexes:     map[string]map[string]string{written.Hash: indexKeys},
		EventOffset: w.ToOffset,
		CreatedAt:   time.Now().UTC(),
	}
	if err := segment.PublishManifest(ctx, c.store, manifest); err != nil {
		return err
	}
	c.mu.Lock()
	c.manifests[w.Namespace] = manifest
	c.mu.Unlock()
	return nil
}

// fold seeds state from the previous manifest's segments and replays
// the window's event range on top. Compaction folds the log directly
// instead of going through the cache: windows are offset-exact, and
// pruned event chunks are already reflected in the seeded segments.
func (c *Compactor) fold(ctx context.Context, w *Window) ([]*types.Entity, error) {
	ns := w.Namespace
	states := map[string]*types.Entity{}
	if prev, err := c.Manifest(ctx, ns); err == nil && prev != nil {
		for _, ref := range prev.Segments {
			data, err := c.store.Read(ctx, ref.Key)
			if err != nil {
				return nil, err
			}
			reader, err := segment.Open(data, ns)
			if err != nil {
				return nil, err
			}
			ents, err := reader.ReadAll(ctx)
			if err != nil {
				return nil, err
			}
			for _, e := range ents {
				states[e.ID.ID] = e
			}
		}
	} else if err != nil {
		return nil, err
	}

	it := c.log.Range(ctx, ns, w.FromOffset, w.ToOffset)
	for {
		e, _, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		eid, err := e.EntityID()
		if err != nil {
			return nil, fmt.Errorf("compact %s: %w", ns, err)
		}
		if states[eid.ID] == nil && e.Op != types.OpCreate {
			// Hard-deleted then mutated before a re-create: nothing to
			// fold into.
			continue
		}
		next, err := reconstruct.Apply(c.sch, states[eid.ID], e)
		if err != nil {
			return nil, fmt.Errorf("compact %s: %w", ns, err)
		}
		if next == nil {
			delete(states, eid.ID)
		} else {
			states[eid.ID] = next
		}
	}
	out := make([]*types.Entity, 0, len(states))
	for _, e := range states {
		out = append(out, e)
	}
	return out, nil
}

// PruneRetired removes whole event chunks fully covered by the current
// manifest and older than the retention window.
func (c *Compactor) PruneRetired(ctx context.Context, ns string) (int, error) {
	m, err := c.Manifest(ctx, ns)
	if err != nil || m == nil {
		return 0, err
	}
	if time.Since(m.CreatedAt) < c.cfg.Retention {
		return 0, nil
	}
	return c.log.PruneBefore(ctx, ns, m.EventOffset)
}

// Stats reports the live and quarantined windows.
func (c *Compactor) Stats() (live []Window, dead []Window) {
	return c.queue.snapshot()
}

func sortedByID(entities []*types.Entity) []*types.Entity {
	out := append([]*types.Entity(nil), entities...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID.ID < out[j].ID.ID })
	return out
}
