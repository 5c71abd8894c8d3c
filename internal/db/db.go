// Package db wires the engine: event log, reconstructor, cache,
// relationship engine, compactor, branches and background work behind
// one DB handle. Mutations serialize per namespace on writer lanes;
// reads share immutable segments and a consistent view of the log tail.
//
// Every branch owns its own data subtree (branches/<name>/...): event
// chunks, segments, manifests, snapshots and the relationship index.
// Checkout swaps the wired stack to another subtree, so what reads and
// writes observe really does change with the current branch.
package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/parquedb/parquedb/internal/background"
	"github.com/parquedb/parquedb/internal/branch"
	"github.com/parquedb/parquedb/internal/cache"
	"github.com/parquedb/parquedb/internal/compaction"
	"github.com/parquedb/parquedb/internal/eventlog"
	"github.com/parquedb/parquedb/internal/fts"
	"github.com/parquedb/parquedb/internal/logx"
	"github.com/parquedb/parquedb/internal/metrics"
	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/objstore/breaker"
	"github.com/parquedb/parquedb/internal/reconstruct"
	"github.com/parquedb/parquedb/internal/relation"
	"github.com/parquedb/parquedb/internal/schema"
	"github.com/parquedb/parquedb/internal/segment"
	"github.com/parquedb/parquedb/internal/types"
)

// SchemaKey is where the schema DSL lives inside the store. The schema
// is shared across branches; only data diverges.
const SchemaKey = "schema.yaml"

// BranchDataPrefix is the key prefix holding per-branch data subtrees.
const BranchDataPrefix = "branches"

func branchPrefix(name string) string {
	return BranchDataPrefix + "/" + name
}

// Options configures Open. Zero values take the documented defaults.
type Options struct {
	// Store overrides the default filesystem backend (e.g. an S3
	// store). When set, Dir is only used for the lock file and logs.
	Store objstore.Store
	// Breaker wraps the store with circuit breakers.
	Breaker breaker.Config
	// DisableBreaker skips the wrapper (tests).
	DisableBreaker bool

	MaxBufferedEvents     int
	AutoSnapshotThreshold int
	MaxCachedEntities     int
	CacheTTL              time.Duration
	DefaultConcurrency    int
	MaxInbound            int
	TextFallbackScan      bool
	RawEventsPrefix       string
	Compression           string

	Compaction compaction.Config
	FTS        fts.Options

	// Actor stamps mutations when the per-call actor is empty.
	Actor string

	Logger *log.Logger
	// Quiet disables the engine log file.
	Quiet bool
}

func (o Options) withDefaults() Options {
	if o.MaxBufferedEvents <= 0 {
		o.MaxBufferedEvents = 100
	}
	if o.AutoSnapshotThreshold <= 0 {
		o.AutoSnapshotThreshold = 100
	}
	if o.MaxCachedEntities <= 0 {
		o.MaxCachedEntities = 10000
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.DefaultConcurrency <= 0 {
		o.DefaultConcurrency = 4
	}
	if o.MaxInbound <= 0 {
		o.MaxInbound = 1000
	}
	if o.RawEventsPrefix == "" {
		o.RawEventsPrefix = "raw-events"
	}
	return o
}

// branchState is the full engine stack wired over one branch's data
// subtree. Checkout builds a fresh one and swaps it in; a state handed
// out before the swap stays valid and keeps writing to its own branch.
type branchState struct {
	name      string
	store     objstore.Store // scoped to branches/<name>/
	log       *eventlog.Log
	entCache  *cache.Cache[*types.Entity]
	recon     *reconstruct.Reconstructor
	relations *relation.Engine
	compactor *compaction.Compactor

	lanes sync.Map // ns -> *sync.Mutex

	ftsMu   sync.Mutex
	ftsLive map[string]*fts.Index

	segMu    sync.Mutex
	segCache map[string]*segment.Reader
}

// DB is one open database.
type DB struct {
	dir   string
	opts  Options
	lock  *flock.Flock
	store objstore.Store // shared root: schema, refs, commits, branch trees
	sch   *schema.Schema

	runner  *background.Runner
	metrics *metrics.Service
	refs    *branch.Refs
	watcher *branch.Watcher
	monitor *breaker.Monitor
	logger  *log.Logger

	stateMu sync.RWMutex
	state   *branchState

	mutations *metrics.CounterVec
	queries   *metrics.HistogramVec

	stopTicker chan struct{}
	closed     bool
}

// Open opens (or initializes) a database rooted at dir. The data
// directory is guarded by a lock file: a second writer process fails
// fast instead of corrupting the log. The wired stack serves whichever
// branch HEAD named when the database was opened.
func Open(ctx context.Context, dir string, opts Options) (*DB, error) {
	opts = opts.withDefaults()

	lock := flock.New(filepath.Join(dir, ".parquedb.lock"))
	var store objstore.Store
	fsRoot := ""
	if opts.Store != nil {
		store = opts.Store
	} else {
		fsStore, err := objstore.NewFS(filepath.Join(dir, "objects"))
		if err != nil {
			return nil, err
		}
		store = fsStore
		fsRoot = fsStore.Root()
	}
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire data directory lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data directory %s is locked by another process", dir)
	}

	monitor := breaker.NewMonitor(64)
	if !opts.DisableBreaker {
		store = breaker.Wrap(store, opts.Breaker, monitor)
	}

	logger := opts.Logger
	if logger == nil {
		if opts.Quiet {
			logger = logx.Discard()
		} else {
			logger = logx.New(dir, logx.Options{})
		}
	}

	sch := schema.Empty()
	if data, err := store.Read(ctx, SchemaKey); err == nil {
		parsed, perr := schema.Parse(data)
		if perr != nil {
			_ = lock.Unlock()
			return nil, perr
		}
		sch = parsed
	} else if !errors.Is(err, objstore.ErrNotFound) {
		_ = lock.Unlock()
		return nil, err
	}

	runner := background.NewRunner(2, logger)
	svc := metrics.New(metrics.Options{})

	db := &DB{
		dir:     dir,
		opts:    opts,
		lock:    lock,
		store:   store,
		sch:     sch,
		runner:  runner,
		metrics: svc,
		refs:    branch.NewRefs(store),
		monitor: monitor,
		logger:  logger,
	}
	db.mutations = svc.Counter("mutations_total", "Mutations by namespace and op.", "namespace", "op")
	db.queries = svc.Histogram("query_duration_seconds", "Query latency.", nil, "namespace")

	current, err := db.refs.Current(ctx)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	st, err := db.newBranchState(ctx, current)
	if err != nil {
		runner.Close()
		_ = lock.Unlock()
		return nil, err
	}
	db.state = st

	// Refs watcher only applies to the filesystem backend. The heads
	// directory must exist before fsnotify can watch it.
	if fsRoot != "" {
		if err := os.MkdirAll(filepath.Join(fsRoot, filepath.FromSlash(branch.RefPrefix)), 0o755); err == nil {
			if w, err := branch.WatchRefs(fsRoot, db.refs, logger); err == nil {
				db.watcher = w
			}
		}
	}

	db.stopTicker = make(chan struct{})
	go db.periodic()
	return db, nil
}

// newBranchState wires the engine stack over the branch's data subtree.
func (d *DB) newBranchState(ctx context.Context, name string) (*branchState, error) {
	scoped := objstore.WithPrefix(d.store, branchPrefix(name))

	evlog := eventlog.Open(scoped, eventlog.Options{
		Prefix:            d.opts.RawEventsPrefix,
		MaxBufferedEvents: d.opts.MaxBufferedEvents,
		Logger:            d.logger,
	})
	entCache, err := cache.New[*types.Entity](d.opts.MaxCachedEntities, cache.WithTTL[*types.Entity](d.opts.CacheTTL))
	if err != nil {
		return nil, err
	}
	st := &branchState{
		name:     name,
		store:    scoped,
		log:      evlog,
		entCache: entCache,
		ftsLive:  make(map[string]*fts.Index),
		segCache: make(map[string]*segment.Reader),
	}
	st.recon = reconstruct.New(evlog, scoped, entCache, d.sch, reconstruct.Options{
		AutoSnapshotThreshold: d.opts.AutoSnapshotThreshold,
		Submit: func(kind string, fn func(ctx context.Context)) {
			d.runner.Submit(background.TaskType(kind), func(ctx context.Context) error {
				fn(ctx)
				return nil
			})
		},
	})
	rel, err := relation.Open(ctx, scoped, d.sch)
	if err != nil {
		return nil, err
	}
	st.relations = rel

	cfg := d.opts.Compaction
	if cfg.Compression == "" {
		cfg.Compression = d.opts.Compression
	}
	cfg.FTS = d.opts.FTS
	st.compactor = compaction.New(evlog, scoped, d.sch, cfg, d.logger)
	return st, nil
}

// cur returns the branch state serving the current branch. A returned
// state stays usable across a concurrent Checkout; in-flight work keeps
// operating on the branch it started on.
func (d *DB) cur() *branchState {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

// periodic schedules the recurring maintenance tasks: flushing the
// event-log tail and sweeping expired cache entries.
func (d *DB) periodic() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopTicker:
			return
		case <-ticker.C:
			d.runner.Submit(background.TaskPeriodicFlush, func(ctx context.Context) error {
				return d.Flush(ctx)
			})
			d.runner.Submit(background.TaskCacheCleanup, func(ctx context.Context) error {
				d.cur().entCache.Cleanup()
				return nil
			})
		}
	}
}

// Schema returns the loaded schema.
func (d *DB) Schema() *schema.Schema { return d.sch }

// Metrics returns the metrics service.
func (d *DB) Metrics() *metrics.Service { return d.metrics }

// Monitor returns the storage health monitor.
func (d *DB) Monitor() *breaker.Monitor { return d.monitor }

// lane returns the writer lane for a namespace on this branch.
func (st *branchState) lane(ns string) *sync.Mutex {
	v, _ := st.lanes.LoadOrStore(ns, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Flush forces buffered events and the relationship index of the
// current branch to durable storage.
func (d *DB) Flush(ctx context.Context) error {
	st := d.cur()
	if err := st.log.Flush(ctx); err != nil {
		return err
	}
	return st.relations.Flush(ctx)
}

func (st *branchState) flush(ctx context.Context) error {
	if err := st.log.Flush(ctx); err != nil {
		return err
	}
	return st.relations.Flush(ctx)
}

// Close flushes and releases the database.
func (d *DB) Close(ctx context.Context) error {
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.stopTicker)
	flushErr := d.cur().flush(ctx)
	d.runner.Close()
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if err := d.lock.Unlock(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}

// CompactNow synchronously compacts every namespace of the current
// branch with uncovered events, regardless of window triggers. Used by
// commit and tests.
func (d *DB) CompactNow(ctx context.Context) error {
	st := d.cur()
	if err := st.flush(ctx); err != nil {
		return err
	}
	namespaces, err := st.log.Namespaces(ctx)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		covered := uint64(0)
		if m, err := st.compactor.Manifest(ctx, ns); err == nil && m != nil {
			covered = m.EventOffset
		}
		next, err := st.log.Next(ctx, ns)
		if err != nil {
			return err
		}
		if next <= covered {
			continue
		}
		w, err := st.compactor.CheckNamespaceForce(ctx, ns)
		if err != nil {
			return err
		}
		if w == nil {
			continue
		}
		if _, err := st.compactor.RunOnce(ctx); err != nil {
			return err
		}
		st.invalidateSegments(ns)
	}
	return nil
}

func (st *branchState) invalidateSegments(ns string) {
	st.segMu.Lock()
	defer st.segMu.Unlock()
	// Readers are cached by content-addressed key, so stale entries are
	// merely unused; drop them to bound memory.
	for key := range st.segCache {
		if filepath.Dir(key) == segment.Prefix+"/"+ns {
			delete(st.segCache, key)
		}
	}
}
