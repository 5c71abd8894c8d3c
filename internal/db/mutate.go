package db

import (
	"context"
	"errors"
	"time"

	"github.com/parquedb/parquedb/internal/background"
	"github.com/parquedb/parquedb/internal/reconstruct"
	"github.com/parquedb/parquedb/internal/types"
)

// MutateOptions carries the shared mutation parameters.
type MutateOptions struct {
	Actor string
	// ExpectedVersion, when non-nil, enables optimistic concurrency:
	// a mismatch with the reconstructed version fails the mutation.
	ExpectedVersion *uint64
}

func (d *DB) actor(opt string) string {
	if opt != "" {
		return opt
	}
	return d.opts.Actor
}

// targetChecker adapts a branch's reconstructor for link validation.
type targetChecker struct{ st *branchState }

func (t targetChecker) Check(ctx context.Context, ns, id string) (*types.Entity, error) {
	return t.st.recon.Get(ctx, ns, id, reconstruct.GetOptions{IncludeDeleted: true})
}

// Create appends a CREATE event for a new entity. Creating over a live
// or soft-deleted id fails; a hard-deleted id may be reused.
func (d *DB) Create(ctx context.Context, ns, id string, fields map[string]any, opts MutateOptions) (*types.Entity, error) {
	if ns == "" || id == "" {
		return nil, &types.ValidationError{Field: "id", Reason: "namespace and id are required"}
	}
	st := d.cur()
	lane := st.lane(ns)
	lane.Lock()
	defer lane.Unlock()

	existing, err := st.recon.Get(ctx, ns, id, reconstruct.GetOptions{IncludeDeleted: true})
	if err == nil && existing != nil {
		return nil, &types.ValidationError{Field: "id", Reason: "entity " + ns + "/" + id + " already exists"}
	}
	var nf *types.EntityNotFoundError
	if err != nil && !errors.As(err, &nf) {
		return nil, err
	}

	now := time.Now().UTC()
	after := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		after[k] = v
	}
	if decl := d.sch.Namespace(ns); decl.Type != "" {
		after["$type"] = decl.Type
	}
	event := &types.Event{
		ID:     types.NewEventID(now),
		TS:     now,
		Op:     types.OpCreate,
		Target: types.EntityID{Namespace: ns, ID: id}.Target(),
		After:  after,
		Actor:  d.actor(opts.Actor),
	}
	if _, err := st.log.Append(ctx, ns, event); err != nil {
		return nil, err
	}
	d.mutations.Inc(ns, string(types.OpCreate))

	ent, err := reconstruct.Apply(d.sch, nil, event)
	if err != nil {
		return nil, err
	}
	st.recon.CachePut(ns, id, ent)
	st.invalidateFTS(ns)
	d.maybeScheduleCompaction(st, ns)
	return ent, nil
}

// Update appends an UPDATE event built from the operator document.
// $link/$unlink are validated against the schema and current targets
// before the event is appended; the reverse index is maintained in the
// same mutation.
func (d *DB) Update(ctx context.Context, ns, id string, rawUpdate map[string]any, opts MutateOptions) (*types.Entity, error) {
	doc, err := types.ParseUpdate(rawUpdate)
	if err != nil {
		return nil, err
	}
	if doc.Empty() {
		return nil, &types.ValidationError{Field: "update", Reason: "no operators"}
	}
	st := d.cur()
	lane := st.lane(ns)
	lane.Lock()
	defer lane.Unlock()

	current, err := st.recon.Get(ctx, ns, id, reconstruct.GetOptions{})
	if err != nil {
		return nil, err
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != current.Version {
		return nil, &types.VersionConflictError{
			Expected: *opts.ExpectedVersion,
			Actual:   current.Version,
			Ns:       ns,
			ID:       id,
		}
	}

	source := types.EntityID{Namespace: ns, ID: id}

	// Validate links before anything is durable. The prior forward
	// targets feed singular displacement and unlink mirroring.
	priorLinks := map[string][]string{}
	for rel := range doc.Link {
		priorLinks[rel] = reconstruct.LinkIDs(current.Fields[rel])
	}
	for rel, target := range doc.Link {
		ids := linkOperandIDs(target)
		if err := st.relations.Link(ctx, targetChecker{st}, source, rel, ids, priorLinks[rel]); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	event := &types.Event{
		ID:     types.NewEventID(now),
		TS:     now,
		Op:     types.OpUpdate,
		Target: source.Target(),
		Before: current.Fields,
		After:  doc.Raw(),
		Actor:  d.actor(opts.Actor),
	}
	if _, err := st.log.Append(ctx, ns, event); err != nil {
		return nil, err
	}
	d.mutations.Inc(ns, string(types.OpUpdate))

	updated, err := reconstruct.Apply(d.sch, current.Clone(), event)
	if err != nil {
		return nil, err
	}

	// Mirror unlinks from what the fold actually removed.
	for rel := range doc.Unlink {
		before := reconstruct.LinkIDs(current.Fields[rel])
		after := reconstruct.LinkIDs(updated.Fields[rel])
		removed := diffStrings(before, after)
		if len(removed) > 0 {
			if err := st.relations.Unlink(source, rel, removed); err != nil {
				return nil, err
			}
		}
	}

	st.recon.CachePut(ns, id, updated)
	st.invalidateFTS(ns)
	d.maybeScheduleCompaction(st, ns)
	return updated, nil
}

// DeleteOptions configures Delete.
type DeleteOptions struct {
	MutateOptions
	// Hard removes the entity and its relationship edges outright
	// instead of soft-deleting.
	Hard bool
}

// Delete appends a DELETE event. Soft delete stamps deletedAt/By and
// keeps the entity readable with IncludeDeleted; hard delete removes it
// and its forward edges' mirrors.
func (d *DB) Delete(ctx context.Context, ns, id string, opts DeleteOptions) error {
	st := d.cur()
	lane := st.lane(ns)
	lane.Lock()
	defer lane.Unlock()

	current, err := st.recon.Get(ctx, ns, id, reconstruct.GetOptions{IncludeDeleted: opts.Hard})
	if err != nil {
		return err
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != current.Version {
		return &types.VersionConflictError{
			Expected: *opts.ExpectedVersion,
			Actual:   current.Version,
			Ns:       ns,
			ID:       id,
		}
	}

	now := time.Now().UTC()
	event := &types.Event{
		ID:     types.NewEventID(now),
		TS:     now,
		Op:     types.OpDelete,
		Target: types.EntityID{Namespace: ns, ID: id}.Target(),
		Before: current.Fields,
		Actor:  d.actor(opts.Actor),
	}
	if opts.Hard {
		event.After = map[string]any{"$hard": true}
	}
	if _, err := st.log.Append(ctx, ns, event); err != nil {
		return err
	}
	d.mutations.Inc(ns, string(types.OpDelete))

	if opts.Hard {
		st.relations.OnHardDelete(types.EntityID{Namespace: ns, ID: id}, current.Fields)
		st.recon.Invalidate(ns, id)
	} else {
		deleted, err := reconstruct.Apply(d.sch, current.Clone(), event)
		if err != nil {
			return err
		}
		st.recon.CachePut(ns, id, deleted)
	}
	st.invalidateFTS(ns)
	d.maybeScheduleCompaction(st, ns)
	return nil
}

// Snapshot writes a synchronous snapshot for an entity on the current
// branch.
func (d *DB) Snapshot(ctx context.Context, ns, id string) error {
	return d.cur().recon.WriteSnapshot(ctx, ns, id)
}

// maybeScheduleCompaction asks the compactor whether the namespace
// crossed a window trigger and runs the window in the background. The
// branch state is captured, so a checkout between scheduling and
// execution still compacts the branch the mutation landed on.
func (d *DB) maybeScheduleCompaction(st *branchState, ns string) {
	d.runner.Submit(background.TaskIndexUpdate, func(ctx context.Context) error {
		w, err := st.compactor.CheckNamespace(ctx, ns)
		if err != nil || w == nil {
			return err
		}
		if _, err := st.compactor.RunOnce(ctx); err != nil {
			return err
		}
		st.invalidateSegments(ns)
		d.pruneRetired(ctx, st, ns)
		return nil
	})
}

// pruneRetired snapshots every live manifested entity, then drops event
// chunks fully covered by the manifest and outside retention. Events of
// live entities are only pruned once both a segment and a snapshot
// cover them. Soft-deleted rows get no snapshot; their pruned history
// survives only as the segment row.
func (d *DB) pruneRetired(ctx context.Context, st *branchState, ns string) {
	m, err := st.compactor.Manifest(ctx, ns)
	if err != nil || m == nil {
		return
	}
	if time.Since(m.CreatedAt) < d.opts.Compaction.Retention || d.opts.Compaction.Retention <= 0 {
		return
	}
	for _, ref := range m.Segments {
		reader, err := st.openSegment(ctx, ref.Key, ns)
		if err != nil {
			return
		}
		ents, err := reader.ReadAll(ctx)
		if err != nil {
			return
		}
		for _, e := range ents {
			if e.Deleted() {
				continue
			}
			if err := st.recon.WriteSnapshot(ctx, ns, e.ID.ID); err != nil {
				return
			}
		}
	}
	_, _ = st.compactor.PruneRetired(ctx, ns)
}

func linkOperandIDs(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, el := range t {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

func diffStrings(before, after []string) []string {
	seen := make(map[string]bool, len(after))
	for _, s := range after {
		seen[s] = true
	}
	var out []string
	for _, s := range before {
		if !seen[s] {
			out = append(out, s)
		}
	}
	return out
}
