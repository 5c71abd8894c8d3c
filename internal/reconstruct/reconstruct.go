// Package reconstruct materializes entity state from the event log,
// bounded by snapshots so replay cost stays constant per entity.
package reconstruct

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquedb/parquedb/internal/cache"
	"github.com/parquedb/parquedb/internal/eventlog"
	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/schema"
	"github.com/parquedb/parquedb/internal/types"
)

// SnapshotPrefix is the key prefix for entity snapshots.
const SnapshotPrefix = "snapshots"

// Options configures the reconstructor.
type Options struct {
	// AutoSnapshotThreshold is the replay length that triggers a new
	// snapshot. Zero disables auto-snapshotting.
	AutoSnapshotThreshold int
	// Submit schedules fire-and-forget work (auto-snapshots). Nil means
	// snapshots are only written synchronously via WriteSnapshot.
	Submit func(kind string, fn func(ctx context.Context))
	// Now is the clock; overridable in tests.
	Now func() time.Time
}

// Reconstructor derives entity state from events, consulting the cache
// first and snapshots second.
type Reconstructor struct {
	log    *eventlog.Log
	store  objstore.Store
	cache  *cache.Cache[*types.Entity]
	schema *schema.Schema
	opts   Options
}

// New wires the reconstructor. The cache may be nil for snapshot-free
// batch use (compaction).
func New(log *eventlog.Log, store objstore.Store, c *cache.Cache[*types.Entity], sch *schema.Schema, opts Options) *Reconstructor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconstructor{log: log, store: store, cache: c, schema: sch, opts: opts}
}

func snapshotKey(ns, id string) string {
	return fmt.Sprintf("%s/%s/%s.json", SnapshotPrefix, ns, base64.RawURLEncoding.EncodeToString([]byte(id)))
}

// GetOptions modifies a read.
type GetOptions struct {
	// AtTime, when non-zero, reconstructs state as of that instant.
	AtTime time.Time
	// IncludeDeleted returns soft-deleted entities instead of
	// EntityNotFoundError.
	IncludeDeleted bool
	// SkipCache bypasses the entity cache (time-travel always does).
	SkipCache bool
}

// Get returns the current (or at-time) state of an entity. Cache hits
// return without I/O; misses replay from the latest usable snapshot.
func (r *Reconstructor) Get(ctx context.Context, ns, id string, opts GetOptions) (*types.Entity, error) {
	timeTravel := !opts.AtTime.IsZero()
	cacheKey := ns + "/" + id
	if r.cache != nil && !timeTravel && !opts.SkipCache {
		if ent, ok := r.cache.Get(cacheKey); ok {
			if ent.Deleted() && !opts.IncludeDeleted {
				return nil, &types.EntityNotFoundError{Ns: ns, ID: id}
			}
			return ent.Clone(), nil
		}
	}

	ent, _, replayed, err := r.reconstruct(ctx, ns, id, opts.AtTime)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, &types.EntityNotFoundError{Ns: ns, ID: id}
	}

	if r.cache != nil && !timeTravel {
		r.cache.Put(cacheKey, ent.Clone())
		r.maybeAutoSnapshot(ns, id, ent, replayed)
	}
	if ent.Deleted() && !opts.IncludeDeleted {
		return nil, &types.EntityNotFoundError{Ns: ns, ID: id}
	}
	return ent, nil
}

// reconstruct replays the entity. Returns the state (nil if never
// created or created after atTime), the sequence of the last applied
// event, and how many events were replayed past the snapshot.
func (r *Reconstructor) reconstruct(ctx context.Context, ns, id string, atTime time.Time) (*types.Entity, uint64, int, error) {
	timeTravel := !atTime.IsZero()
	var state *types.Entity
	var fromSeq uint64
	if !timeTravel {
		if snap, ok := r.loadSnapshot(ctx, ns, id); ok {
			state = snap.State
			fromSeq = snap.Seq + 1
		}
	}
	events, err := r.log.EntityEventsFrom(ctx, ns, id, fromSeq)
	if err != nil {
		return nil, 0, 0, err
	}
	var lastSeq uint64
	if fromSeq > 0 {
		lastSeq = fromSeq - 1
	}
	replayed := 0
	for _, ea := range events {
		if timeTravel && ea.Event.TS.After(atTime) {
			break
		}
		if state == nil && ea.Event.Op != types.OpCreate {
			// Events after a hard delete and before a re-create refer
			// to a gone entity; nothing to fold them into.
			lastSeq = ea.Offset
			continue
		}
		state, err = Apply(r.schema, state, ea.Event)
		if err != nil {
			return nil, 0, 0, &types.EventError{Operation: "reconstruct", EntityID: ns + "/" + id, Kind: types.EventNotFound, Err: err}
		}
		lastSeq = ea.Offset
		replayed++
	}
	if state == nil {
		return nil, 0, 0, nil
	}
	return state, lastSeq, replayed, nil
}

func (r *Reconstructor) loadSnapshot(ctx context.Context, ns, id string) (*types.Snapshot, bool) {
	data, err := r.store.Read(ctx, snapshotKey(ns, id))
	if err != nil {
		return nil, false
	}
	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.State == nil {
		// Corrupt snapshot: fall back to full replay, it will be
		// replaced on the next auto-snapshot.
		return nil, false
	}
	return &snap, true
}

// WriteSnapshot persists the current state as the entity's snapshot,
// replacing any prior one. Snapshotting a deleted entity is rejected.
func (r *Reconstructor) WriteSnapshot(ctx context.Context, ns, id string) error {
	ent, seq, _, err := r.reconstruct(ctx, ns, id, time.Time{})
	if err != nil {
		return err
	}
	if ent == nil {
		return &types.EventError{Operation: "snapshot", EntityID: ns + "/" + id, Kind: types.EventNotFound}
	}
	if ent.Deleted() {
		return &types.EventError{Operation: "snapshot", EntityID: ns + "/" + id, Kind: types.EventOnDeleted}
	}
	snap := types.Snapshot{EntityID: types.EntityID{Namespace: ns, ID: id}, Seq: seq, State: ent}
	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.store.Write(ctx, snapshotKey(ns, id), data); err != nil {
		return &types.EventError{Operation: "snapshot", EntityID: ns + "/" + id, Kind: types.EventWriteFailed, Err: err}
	}
	return nil
}

func (r *Reconstructor) maybeAutoSnapshot(ns, id string, ent *types.Entity, replayed int) {
	if r.opts.Submit == nil || r.opts.AutoSnapshotThreshold <= 0 || replayed <= r.opts.AutoSnapshotThreshold {
		return
	}
	if ent.Deleted() {
		return
	}
	r.opts.Submit("auto-snapshot", func(ctx context.Context) {
		_ = r.WriteSnapshot(ctx, ns, id)
	})
}

// RevertTo reconstructs the entity as of ts. A future ts is rejected
// with FutureTime; a ts before the entity existed with DidNotExist.
func (r *Reconstructor) RevertTo(ctx context.Context, ns, id string, ts time.Time) (*types.Entity, error) {
	if ts.After(r.opts.Now()) {
		return nil, &types.EventError{Operation: "revert", EntityID: ns + "/" + id, Kind: types.EventFutureTime}
	}
	ent, _, _, err := r.reconstruct(ctx, ns, id, ts)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		// Distinguish "never existed" from "not yet created at ts".
		events, err := r.log.EntityEvents(ctx, ns, id)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, &types.EntityNotFoundError{Ns: ns, ID: id}
		}
		return nil, &types.EventError{Operation: "revert", EntityID: ns + "/" + id, Kind: types.EventDidNotExist}
	}
	return ent, nil
}

// CurrentVersion reconstructs just enough to report the entity's
// version for optimistic concurrency checks. Deleted entities report
// their version too; missing entities report ok=false.
func (r *Reconstructor) CurrentVersion(ctx context.Context, ns, id string) (uint64, bool, error) {
	if r.cache != nil {
		if ent, ok := r.cache.Get(ns + "/" + id); ok {
			return ent.Version, true, nil
		}
	}
	ent, _, _, err := r.reconstruct(ctx, ns, id, time.Time{})
	if err != nil {
		return 0, false, err
	}
	if ent == nil {
		return 0, false, nil
	}
	return ent.Version, true, nil
}

// Invalidate drops the cached entry for an entity.
func (r *Reconstructor) Invalidate(ns, id string) {
	if r.cache != nil {
		r.cache.Remove(ns + "/" + id)
	}
}

// CachePut refreshes the cached entry after a mutation so the next read
// is I/O-free.
func (r *Reconstructor) CachePut(ns, id string, ent *types.Entity) {
	if r.cache != nil {
		r.cache.Put(ns+"/"+id, ent.Clone())
	}
}
