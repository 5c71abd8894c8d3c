package db

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/parquedb/parquedb/internal/branch"
	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/reconstruct"
	"github.com/parquedb/parquedb/internal/types"
)

// Commit flushes everything durable, compacts the uncovered tail, and
// writes an immutable commit advancing the current branch.
func (d *DB) Commit(ctx context.Context, message string, opts MutateOptions) (*branch.Commit, error) {
	if err := d.CompactNow(ctx); err != nil {
		return nil, err
	}
	st := d.cur()
	namespaces, err := st.log.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	state := branch.State{Collections: map[string]branch.CollectionState{}}
	var totalOffset uint64
	lastSegment := ""
	for _, ns := range namespaces {
		rowCount, dataHash, err := d.collectionHash(ctx, st, ns)
		if err != nil {
			return nil, err
		}
		state.Collections[ns] = branch.CollectionState{
			RowCount:   rowCount,
			DataHash:   dataHash,
			SchemaHash: d.sch.Hash(ns),
		}
		next, err := st.log.Next(ctx, ns)
		if err != nil {
			return nil, err
		}
		totalOffset += next
		if m, err := st.compactor.Manifest(ctx, ns); err == nil && m != nil && len(m.Segments) > 0 {
			lastSegment = m.Segments[len(m.Segments)-1].Hash
		}
	}
	revHash := st.relations.Hash()
	state.Relationships = branch.RelationshipState{FwdHash: revHash, RevHash: revHash}
	state.EventLogPosition = branch.EventLogPosition{SegmentID: lastSegment, Offset: totalOffset}

	var parents []string
	if head, err := d.refs.Head(ctx, st.name); err == nil && head != "" {
		parents = []string{head}
	}
	commit := &branch.Commit{
		Message: message,
		TS:      time.Now().UTC(),
		Author:  d.actor(opts.Actor),
		Parents: parents,
		State:   state,
	}
	hash, err := branch.WriteCommit(ctx, d.store, commit)
	if err != nil {
		return nil, err
	}
	if err := d.refs.SetHead(ctx, st.name, hash); err != nil {
		return nil, err
	}
	return commit, nil
}

// collectionHash folds id:version pairs of every live entity into a
// stable digest. Soft-deleted entities participate: deleting changes
// the collection's content.
func (d *DB) collectionHash(ctx context.Context, st *branchState, ns string) (int, string, error) {
	touched := map[string]bool{}
	it := st.log.Range(ctx, ns, 0, 0)
	for {
		e, _, err := it.Next(ctx)
		if err != nil {
			return 0, "", err
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
	// Segments may hold entities whose events were pruned.
	if m, err := st.compactor.Manifest(ctx, ns); err == nil && m != nil {
		for _, ref := range m.Segments {
			reader, err := st.openSegment(ctx, ref.Key, ns)
			if err != nil {
				continue
			}
			ents, err := reader.ReadAll(ctx)
			if err != nil {
				continue
			}
			for _, e := range ents {
				touched[e.ID.ID] = true
			}
		}
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	h := fnv.New64a()
	count := 0
	for _, id := range ids {
		ent, err := st.recon.Get(ctx, ns, id, reconstruct.GetOptions{IncludeDeleted: true})
		if err != nil {
			var nf *types.EntityNotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return 0, "", err
		}
		fmt.Fprintf(h, "%s:%d:%v|", id, ent.Version, ent.Deleted())
		count++
	}
	return count, fmt.Sprintf("%016x", h.Sum64()), nil
}

// CreateBranch forks the current branch: its ref starts at the current
// head, and the whole data subtree (events, segments, manifests,
// snapshots, relations) is copied so subsequent mutations diverge.
func (d *DB) CreateBranch(ctx context.Context, name string) error {
	st := d.cur()
	if name == st.name {
		return &types.ValidationError{Field: "branch", Reason: "already on " + name}
	}
	if _, err := d.refs.Head(ctx, name); err == nil {
		return &types.ValidationError{Field: "branch", Reason: "branch " + name + " already exists"}
	}
	// The copy must see the buffered tail.
	if err := st.flush(ctx); err != nil {
		return err
	}
	if _, err := objstore.CopyTree(ctx, d.store, branchPrefix(st.name), branchPrefix(name)); err != nil {
		return err
	}
	head := ""
	if h, err := d.refs.Head(ctx, st.name); err == nil {
		head = h
	} else {
		// Materialize the source ref so checkout can return to an
		// uncommitted branch.
		if err := d.refs.SetHead(ctx, st.name, ""); err != nil {
			return err
		}
	}
	return d.refs.SetHead(ctx, name, head)
}

// Checkout switches HEAD to the named branch and swaps the wired
// engine stack onto that branch's data subtree. In-flight operations
// started before the swap finish against the branch they began on.
func (d *DB) Checkout(ctx context.Context, name string) error {
	if _, err := d.refs.Head(ctx, name); err != nil {
		return err
	}
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.state.name == name {
		return nil
	}
	if err := d.state.flush(ctx); err != nil {
		return err
	}
	next, err := d.newBranchState(ctx, name)
	if err != nil {
		return err
	}
	if err := d.refs.SetCurrent(ctx, name); err != nil {
		return err
	}
	d.state = next
	return nil
}

// DeleteBranch removes a branch pointer and its data subtree. The
// reverse-relationship index dies with the branch; commits reachable
// from other branches are untouched.
func (d *DB) DeleteBranch(ctx context.Context, name string) error {
	if name == d.cur().name {
		return &types.ValidationError{Field: "branch", Reason: "cannot delete the current branch"}
	}
	if err := d.refs.Delete(ctx, name); err != nil {
		return err
	}
	_, err := objstore.DeleteTree(ctx, d.store, branchPrefix(name))
	return err
}

// Branches lists branch names.
func (d *DB) Branches(ctx context.Context) ([]string, error) {
	return d.refs.List(ctx)
}

// CurrentBranch returns the HEAD branch name.
func (d *DB) CurrentBranch(ctx context.Context) (string, error) {
	return d.refs.Current(ctx)
}

// Log walks commits from the named branch (or the current one when
// empty), newest first.
func (d *DB) Log(ctx context.Context, branchName string, limit int) ([]*branch.Commit, error) {
	if branchName == "" {
		branchName = d.cur().name
	}
	head, err := d.refs.Head(ctx, branchName)
	if err != nil {
		if errors.Is(err, branch.ErrNoCommit) {
			return nil, nil
		}
		return nil, err
	}
	if head == "" {
		return nil, nil
	}
	return branch.Log(ctx, d.store, head, limit)
}

// Diff compares the current head against a target branch or commit
// hash.
func (d *DB) Diff(ctx context.Context, target string) ([]branch.DiffEntry, *branch.Commit, *branch.Commit, error) {
	headHash, err := d.refs.Head(ctx, d.cur().name)
	if err != nil {
		return nil, nil, nil, err
	}
	head, err := branch.LoadCommit(ctx, d.store, headHash)
	if err != nil {
		return nil, nil, nil, err
	}
	targetHash := target
	if target == "" {
		if len(head.Parents) == 0 {
			return nil, head, head, nil
		}
		targetHash = head.Parents[0]
	} else if hash, err := d.refs.Head(ctx, target); err == nil && hash != "" {
		targetHash = hash
	}
	other, err := branch.LoadCommit(ctx, d.store, targetHash)
	if err != nil {
		return nil, nil, nil, err
	}
	return branch.Diff(other, head), other, head, nil
}

// Vacuum reclaims orphaned segment and index files of the current
// branch outside the retention window.
func (d *DB) Vacuum(ctx context.Context, dryRun bool) (*branch.VacuumReport, error) {
	retention := d.opts.Compaction.Retention
	return branch.Vacuum(ctx, d.cur().store, branch.VacuumOptions{Retention: retention, DryRun: dryRun})
}
