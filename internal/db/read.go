package db

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/parquedb/parquedb/internal/fts"
	"github.com/parquedb/parquedb/internal/index"
	"github.com/parquedb/parquedb/internal/query"
	"github.com/parquedb/parquedb/internal/reconstruct"
	"github.com/parquedb/parquedb/internal/segment"
	"github.com/parquedb/parquedb/internal/types"
)

// GetOptions modifies a point read.
type GetOptions struct {
	// AtTime reconstructs state as of that instant.
	AtTime time.Time
	// IncludeDeleted returns soft-deleted entities.
	IncludeDeleted bool
	// Depth walks declared relations: 0 leaves raw ids, 1 embeds the
	// related entities one level deep.
	Depth int
}

// Hydrated is the inbound-relation payload attached during hydration:
// source ids pointing at the entity, truncated at the configured bound.
type Hydrated struct {
	IDs          []string `json:"ids"`
	Total        int      `json:"total"`
	Truncated    bool     `json:"truncated"`
	Continuation string   `json:"continuation,omitempty"`
}

// Get returns one entity from the current branch.
func (d *DB) Get(ctx context.Context, ns, id string, opts GetOptions) (*types.Entity, error) {
	st := d.cur()
	ent, err := st.recon.Get(ctx, ns, id, reconstruct.GetOptions{
		AtTime:         opts.AtTime,
		IncludeDeleted: opts.IncludeDeleted,
	})
	if err != nil {
		return nil, err
	}
	if opts.Depth > 0 {
		if err := d.hydrate(ctx, st, ent, ns); err != nil {
			return nil, err
		}
	}
	return ent, nil
}

// hydrate embeds one level of declared relations into the returned
// copy. Forward relations replace ids with entities; reverse relations
// add a Hydrated payload bounded by MaxInbound.
func (d *DB) hydrate(ctx context.Context, st *branchState, ent *types.Entity, ns string) error {
	decls := d.sch.Namespace(ns).Relations
	for relName, decl := range decls {
		if decl.Reverse {
			sources, err := st.relations.Related(ns, ent.ID.ID, relName)
			if err != nil {
				return err
			}
			h := Hydrated{Total: len(sources)}
			if len(sources) > d.opts.MaxInbound {
				h.IDs = sources[:d.opts.MaxInbound]
				h.Truncated = true
				h.Continuation = sources[d.opts.MaxInbound-1]
			} else {
				h.IDs = sources
			}
			ent.Fields[relName] = h
			continue
		}
		ids := reconstruct.LinkIDs(ent.Fields[relName])
		if len(ids) == 0 {
			continue
		}
		embedded := make([]any, 0, len(ids))
		for _, targetID := range ids {
			target, err := st.recon.Get(ctx, decl.Target, targetID, reconstruct.GetOptions{})
			if err != nil {
				var nf *types.EntityNotFoundError
				if errors.As(err, &nf) {
					continue
				}
				return err
			}
			embedded = append(embedded, target)
		}
		if decl.Singular && len(embedded) == 1 {
			ent.Fields[relName] = embedded[0]
		} else {
			ent.Fields[relName] = embedded
		}
	}
	return nil
}

// RevertTo reconstructs an entity as of ts.
func (d *DB) RevertTo(ctx context.Context, ns, id string, ts time.Time) (*types.Entity, error) {
	return d.cur().recon.RevertTo(ctx, ns, id, ts)
}

// FindOptions re-exports the query options.
type FindOptions = query.Options

// Find evaluates a filter over a namespace of the current branch.
func (d *DB) Find(ctx context.Context, ns string, filter map[string]any, opts query.Options) (*query.Result, error) {
	started := time.Now()
	defer func() {
		d.queries.Observe(time.Since(started).Seconds(), ns)
	}()
	if opts.Concurrency <= 0 {
		opts.Concurrency = d.opts.DefaultConcurrency
	}
	st := d.cur()
	view, err := d.buildView(ctx, st, ns, filterNeedsText(filter))
	if err != nil {
		return nil, err
	}
	return query.Execute(ctx, view, filter, opts)
}

// Count evaluates a filter ignoring pagination.
func (d *DB) Count(ctx context.Context, ns string, filter map[string]any, includeDeleted bool) (int, error) {
	st := d.cur()
	view, err := d.buildView(ctx, st, ns, filterNeedsText(filter))
	if err != nil {
		return 0, err
	}
	return query.Count(ctx, view, filter, includeDeleted, d.opts.DefaultConcurrency)
}

func filterNeedsText(filter map[string]any) bool {
	if filter == nil {
		return false
	}
	_, ok := filter["$text"]
	return ok
}

// buildView assembles the query view: manifested segments with their
// artifacts plus the reconstructed tail past the manifest offset.
func (d *DB) buildView(ctx context.Context, st *branchState, ns string, needText bool) (*query.View, error) {
	view := &query.View{
		Namespace:        ns,
		Catalog:          index.NewCatalog(d.sch),
		TextFallbackScan: d.opts.TextFallbackScan,
	}

	manifest, err := st.compactor.Manifest(ctx, ns)
	if err != nil {
		return nil, err
	}
	covered := uint64(0)
	if manifest != nil {
		covered = manifest.EventOffset
		for _, ref := range manifest.Segments {
			reader, err := st.openSegment(ctx, ref.Key, ns)
			if err != nil {
				return nil, err
			}
			sv := query.SegmentView{Reader: reader}
			if perSeg, ok := manifest.Indexes[ref.Hash]; ok {
				if key, ok := perSeg[string(index.KindBloom)]; ok {
					if data, err := st.store.Read(ctx, key); err == nil {
						if bloomIdx, err := index.DecodeBloom(data); err == nil {
							sv.Bloom = bloomIdx
						}
						// A corrupt artifact reads as missing; pruning
						// is skipped and a rebuild happens with the
						// next compaction.
					}
				}
				if key, ok := perSeg[string(index.KindHash)]; ok {
					if data, err := st.store.Read(ctx, key); err == nil {
						if hashIdx, err := index.DecodeHash(data); err == nil {
							sv.Hash = hashIdx
						}
					}
				}
			}
			view.Segments = append(view.Segments, sv)
		}
	}

	// Tail: entities touched after the manifest offset, current state,
	// deleted included so they mask stale segment rows.
	touched := map[string]bool{}
	it := st.log.Range(ctx, ns, covered, 0)
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
			continue
		}
		touched[eid.ID] = true
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ent, err := st.recon.Get(ctx, ns, id, reconstruct.GetOptions{IncludeDeleted: true})
		if err != nil {
			var nf *types.EntityNotFoundError
			if errors.As(err, &nf) {
				// Hard-deleted in the tail: mask any segment row.
				now := time.Now().UTC()
				view.Tail = append(view.Tail, &types.Entity{
					ID:        types.EntityID{Namespace: ns, ID: id},
					DeletedAt: &now,
				})
				continue
			}
			return nil, err
		}
		view.Tail = append(view.Tail, ent)
	}

	if needText {
		view.FTS = d.ftsIndex(ctx, st, ns, view)
	}
	return view, nil
}

// openSegment loads and caches a segment reader by its content address.
func (st *branchState) openSegment(ctx context.Context, key, ns string) (*segment.Reader, error) {
	st.segMu.Lock()
	if r, ok := st.segCache[key]; ok {
		st.segMu.Unlock()
		return r, nil
	}
	st.segMu.Unlock()
	data, err := st.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	reader, err := segment.Open(data, ns)
	if err != nil {
		return nil, err
	}
	st.segMu.Lock()
	st.segCache[key] = reader
	st.segMu.Unlock()
	return reader, nil
}

// ftsIndex returns the live full-text index for ns on this branch,
// building it from the persisted artifact plus the tail on first use
// after a mutation. Namespaces without FTS fields return nil.
func (d *DB) ftsIndex(ctx context.Context, st *branchState, ns string, view *query.View) *fts.Index {
	fields := d.sch.FTSFields(ns)
	if len(fields) == 0 {
		return nil
	}
	st.ftsMu.Lock()
	defer st.ftsMu.Unlock()
	if ix, ok := st.ftsLive[ns]; ok {
		return ix
	}
	ix := d.rebuildFTS(ctx, ns, fields, view)
	st.ftsLive[ns] = ix
	return ix
}

func (d *DB) rebuildFTS(ctx context.Context, ns string, fields []string, view *query.View) *fts.Index {
	ix := fts.NewIndex(d.opts.FTS)

	// Segment rows first; the tail overrides them.
	masked := map[string]bool{}
	for _, e := range view.Tail {
		masked[e.ID.ID] = true
	}
	for _, sv := range view.Segments {
		ents, err := sv.Reader.ReadAll(ctx)
		if err != nil {
			continue
		}
		for _, e := range ents {
			if masked[e.ID.ID] || e.Deleted() {
				continue
			}
			addToFTS(ix, e, fields)
		}
	}
	for _, e := range view.Tail {
		if e.Deleted() {
			continue
		}
		addToFTS(ix, e, fields)
	}
	return ix
}

func addToFTS(ix *fts.Index, e *types.Entity, fields []string) {
	text := map[string]string{}
	for _, field := range fields {
		if s, ok := e.Fields[field].(string); ok {
			text[field] = s
		}
	}
	if len(text) > 0 {
		ix.Add(e.ID.ID, text)
	}
}

// invalidateFTS drops the live index for ns; the next $text query
// rebuilds it.
func (st *branchState) invalidateFTS(ns string) {
	st.ftsMu.Lock()
	delete(st.ftsLive, ns)
	st.ftsMu.Unlock()
}

// RelatedOptions controls GetRelated pagination.
type RelatedOptions struct {
	Limit          int
	Cursor         string
	Filter         map[string]any
	Sort           []query.SortKey
	IncludeDeleted bool
}

// GetRelated returns the entities pointing at (ns, id) through
// relation, using the current branch's reverse index for the candidate
// set and the entity cache for materialization.
func (d *DB) GetRelated(ctx context.Context, ns, id, relationName string, opts RelatedOptions) (*query.Result, error) {
	st := d.cur()
	sources, err := st.relations.Related(ns, id, relationName)
	if err != nil {
		return nil, err
	}
	entities := make([]*types.Entity, 0, len(sources))
	for _, source := range sources {
		eid, err := types.ParseEntityID(source)
		if err != nil {
			continue
		}
		ent, err := st.recon.Get(ctx, eid.Namespace, eid.ID, reconstruct.GetOptions{IncludeDeleted: true})
		if err != nil {
			var nf *types.EntityNotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		entities = append(entities, ent)
	}
	// Reuse the executor over a segment-free view so filter, sort,
	// cursor and pagination behave exactly like Find.
	view := &query.View{Namespace: ns, Tail: entities, Catalog: index.NewCatalog(d.sch)}
	return query.Execute(ctx, view, opts.Filter, query.Options{
		Limit:          opts.Limit,
		Cursor:         opts.Cursor,
		Sort:           opts.Sort,
		IncludeDeleted: opts.IncludeDeleted,
		Concurrency:    d.opts.DefaultConcurrency,
	})
}
