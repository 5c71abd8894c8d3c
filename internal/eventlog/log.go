// Package eventlog implements the append-only journal. Every mutation
// becomes an event here before it is acknowledged; segments and
// snapshots are derived views that can always be rebuilt from this log.
package eventlog

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/types"
)

// Options configures the log.
type Options struct {
	// Prefix is the key prefix for event chunks (RAW_EVENTS_PREFIX).
	Prefix string
	// MaxBufferedEvents is the flush threshold per namespace.
	MaxBufferedEvents int
	Logger            *log.Logger
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "raw-events"
	}
	if o.MaxBufferedEvents <= 0 {
		o.MaxBufferedEvents = 100
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	return o
}

// Log is the append-only event journal over an object store. Appends
// within a namespace are totally ordered; offsets are dense starting at
// zero.
type Log struct {
	store objstore.Store
	opts  Options

	mu  sync.Mutex
	ns  map[string]*nsLog
}

type nsLog struct {
	chunks     []uint64 // first offsets of durable chunks, ascending
	chunkCount map[uint64]int
	buffer     []*types.Event
	bufferBase uint64 // offset of buffer[0]
	next       uint64 // next offset to assign
	recovered  bool
}

// Open returns a log over store. Namespace tails are recovered lazily on
// first touch.
func Open(store objstore.Store, opts Options) *Log {
	return &Log{store: store, opts: opts.withDefaults(), ns: make(map[string]*nsLog)}
}

func (l *Log) nsLocked(ctx context.Context, ns string) (*nsLog, error) {
	n, ok := l.ns[ns]
	if !ok {
		n = &nsLog{chunkCount: make(map[uint64]int)}
		l.ns[ns] = n
	}
	if !n.recovered {
		if err := l.recover(ctx, ns, n); err != nil {
			return nil, err
		}
		n.recovered = true
	}
	return n, nil
}

// recover scans the chunk listing and validates the last chunk. A torn
// tail batch is discarded up to the last intact event by rewriting the
// final chunk (or deleting it when nothing intact remains).
func (l *Log) recover(ctx context.Context, ns string, n *nsLog) error {
	keys, err := l.store.List(ctx, l.opts.Prefix+"/"+ns+"/")
	if err != nil {
		return fmt.Errorf("recover %s: %w", ns, err)
	}
	for _, key := range keys {
		if off, ok := parseChunkKey(key); ok {
			n.chunks = append(n.chunks, off)
		}
	}
	sort.Slice(n.chunks, func(i, j int) bool { return n.chunks[i] < n.chunks[j] })
	if len(n.chunks) == 0 {
		n.next = 0
		n.bufferBase = 0
		return nil
	}
	// Interior chunk counts derive from neighbor offsets; only the tail
	// needs a scan.
	for i := 0; i < len(n.chunks)-1; i++ {
		n.chunkCount[n.chunks[i]] = int(n.chunks[i+1] - n.chunks[i])
	}
	last := n.chunks[len(n.chunks)-1]
	data, err := l.store.Read(ctx, chunkKey(l.opts.Prefix, ns, last))
	if err != nil {
		return fmt.Errorf("recover %s tail: %w", ns, err)
	}
	events, truncated := decodeChunk(data)
	if truncated {
		l.opts.Logger.Printf("eventlog %s: discarding torn tail after offset %d", ns, last+uint64(len(events))-1)
		if len(events) == 0 {
			if err := l.store.Delete(ctx, chunkKey(l.opts.Prefix, ns, last)); err != nil {
				return fmt.Errorf("recover %s: drop torn chunk: %w", ns, err)
			}
			n.chunks = n.chunks[:len(n.chunks)-1]
			if len(n.chunks) > 0 {
				prev := n.chunks[len(n.chunks)-1]
				last = prev
				n.next = prev + uint64(n.chunkCount[prev])
			} else {
				n.next = 0
			}
			n.bufferBase = n.next
			return nil
		}
		repaired, err := encodeChunk(events)
		if err != nil {
			return fmt.Errorf("recover %s: re-encode tail: %w", ns, err)
		}
		if err := l.store.Write(ctx, chunkKey(l.opts.Prefix, ns, last), repaired); err != nil {
			return fmt.Errorf("recover %s: rewrite tail: %w", ns, err)
		}
	}
	n.chunkCount[last] = len(events)
	n.next = last + uint64(len(events))
	n.bufferBase = n.next
	return nil
}

// Append persists e and returns its offset. The event is buffered in
// memory and becomes durable when the buffer reaches the flush
// threshold; it is visible to Range and EntityEvents immediately after
// Append returns regardless of durability.
func (l *Log) Append(ctx context.Context, ns string, e *types.Event) (uint64, error) {
	if !e.Op.Valid() {
		return 0, &types.EventError{Operation: "append", EventID: e.ID, Kind: types.EventWriteFailed,
			Err: fmt.Errorf("invalid op %q", e.Op)}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.nsLocked(ctx, ns)
	if err != nil {
		return 0, &types.EventError{Operation: "append", EventID: e.ID, Kind: types.EventWriteFailed, Err: err}
	}
	offset := n.next
	n.buffer = append(n.buffer, e)
	n.next++
	if len(n.buffer) >= l.opts.MaxBufferedEvents {
		if err := l.flushLocked(ctx, ns, n); err != nil {
			// Roll the append back: the caller's mutation must not be
			// acknowledged over an unflushable buffer.
			n.buffer = n.buffer[:len(n.buffer)-1]
			n.next--
			return 0, &types.EventError{Operation: "append", EventID: e.ID, Kind: types.EventWriteFailed, Err: err}
		}
	}
	return offset, nil
}

// Flush forces the buffered tail of every namespace to durable storage.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ns, n := range l.ns {
		if err := l.flushLocked(ctx, ns, n); err != nil {
			return &types.EventError{Operation: "flush", EntityID: ns, Kind: types.EventWriteFailed, Err: err}
		}
	}
	return nil
}

// FlushNamespace flushes one namespace's buffer.
func (l *Log) FlushNamespace(ctx context.Context, ns string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.nsLocked(ctx, ns)
	if err != nil {
		return err
	}
	if err := l.flushLocked(ctx, ns, n); err != nil {
		return &types.EventError{Operation: "flush", EntityID: ns, Kind: types.EventWriteFailed, Err: err}
	}
	return nil
}

func (l *Log) flushLocked(ctx context.Context, ns string, n *nsLog) error {
	if len(n.buffer) == 0 {
		return nil
	}
	data, err := encodeChunk(n.buffer)
	if err != nil {
		return err
	}
	first := n.bufferBase
	if err := l.store.Write(ctx, chunkKey(l.opts.Prefix, ns, first), data); err != nil {
		return err
	}
	n.chunks = append(n.chunks, first)
	n.chunkCount[first] = len(n.buffer)
	n.bufferBase = first + uint64(len(n.buffer))
	n.buffer = n.buffer[:0]
	return nil
}

// Next returns the offset the next append would receive, i.e. the count
// of events appended so far.
func (l *Log) Next(ctx context.Context, ns string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.nsLocked(ctx, ns)
	if err != nil {
		return 0, err
	}
	return n.next, nil
}

// Range returns an iterator over events with offset in [from, to).
// to == 0 means "to the end". The iterator is restartable: callers may
// construct it again with the same bounds after an error.
func (l *Log) Range(ctx context.Context, ns string, from, to uint64) *Iterator {
	return &Iterator{log: l, ns: ns, from: from, to: to, next: from}
}

// EventAt pairs an event with its log offset.
type EventAt struct {
	Event  *types.Event
	Offset uint64
}

// EntityEvents returns all events for one entity in append order.
func (l *Log) EntityEvents(ctx context.Context, ns, id string) ([]*types.Event, error) {
	at, err := l.EntityEventsFrom(ctx, ns, id, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Event, len(at))
	for i, ea := range at {
		out[i] = ea.Event
	}
	return out, nil
}

// EntityEventsFrom returns the entity's events with offset >= from,
// each paired with its offset.
func (l *Log) EntityEventsFrom(ctx context.Context, ns, id string, from uint64) ([]EventAt, error) {
	target := types.EntityID{Namespace: ns, ID: id}.Target()
	var out []EventAt
	it := l.Range(ctx, ns, from, 0)
	for {
		e, off, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		if e.Target == target {
			out = append(out, EventAt{Event: e, Offset: off})
		}
	}
	return out, nil
}

// PositionAt returns the offset of the first event with ts > t, i.e.
// the replay bound for a point-in-time view at t. Binary search over
// chunk first-events, then a linear scan within the candidate chunk.
func (l *Log) PositionAt(ctx context.Context, ns string, tUnixMilli int64) (uint64, error) {
	l.mu.Lock()
	n, err := l.nsLocked(ctx, ns)
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	chunks := append([]uint64(nil), n.chunks...)
	buffered := append([]*types.Event(nil), n.buffer...)
	bufferBase := n.bufferBase
	l.mu.Unlock()

	// Find the first chunk whose first event is after t.
	idx := sort.Search(len(chunks), func(i int) bool {
		events, err2 := l.readChunk(ctx, ns, chunks[i])
		if err2 != nil || len(events) == 0 {
			return false
		}
		return events[0].TS.UnixMilli() > tUnixMilli
	})
	// Scan the chunk straddling t (the one before idx), if any.
	if idx > 0 {
		first := chunks[idx-1]
		events, err := l.readChunk(ctx, ns, first)
		if err != nil {
			return 0, err
		}
		for i, e := range events {
			if e.TS.UnixMilli() > tUnixMilli {
				return first + uint64(i), nil
			}
		}
	}
	if idx < len(chunks) {
		return chunks[idx], nil
	}
	// Tail buffer.
	for i, e := range buffered {
		if e.TS.UnixMilli() > tUnixMilli {
			return bufferBase + uint64(i), nil
		}
	}
	return bufferBase + uint64(len(buffered)), nil
}

func (l *Log) readChunk(ctx context.Context, ns string, first uint64) ([]*types.Event, error) {
	data, err := l.store.Read(ctx, chunkKey(l.opts.Prefix, ns, first))
	if err != nil {
		return nil, &types.EventError{Operation: "read", EntityID: ns, Kind: types.EventNotFound, Err: err}
	}
	events, truncated := decodeChunk(data)
	if truncated {
		return nil, &types.StorageError{Kind: types.StorageCorrupted, Op: "read", Key: chunkKey(l.opts.Prefix, ns, first)}
	}
	return events, nil
}

// snapshotState copies the chunk list and buffer under the lock so
// iterators see a consistent view without holding the lock across I/O.
func (l *Log) snapshotState(ctx context.Context, ns string) ([]uint64, map[uint64]int, []*types.Event, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.nsLocked(ctx, ns)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	chunks := append([]uint64(nil), n.chunks...)
	counts := make(map[uint64]int, len(n.chunkCount))
	for k, v := range n.chunkCount {
		counts[k] = v
	}
	buffer := append([]*types.Event(nil), n.buffer...)
	return chunks, counts, buffer, n.bufferBase, nil
}

// Iterator walks a half-open offset range lazily, one chunk at a time.
type Iterator struct {
	log  *Log
	ns   string
	from uint64
	to   uint64 // 0 = unbounded
	next uint64

	inited     bool
	chunks     []uint64
	counts     map[uint64]int
	buffer     []*types.Event
	bufferBase uint64
	current    []*types.Event
	currentAt  uint64
}

// Next returns the next event and its offset, or (nil, 0, nil) at the
// end of the range.
func (it *Iterator) Next(ctx context.Context) (*types.Event, uint64, error) {
	if !it.inited {
		chunks, counts, buffer, base, err := it.log.snapshotState(ctx, it.ns)
		if err != nil {
			return nil, 0, err
		}
		it.chunks, it.counts, it.buffer, it.bufferBase = chunks, counts, buffer, base
		it.inited = true
	}
	for {
		if it.to != 0 && it.next >= it.to {
			return nil, 0, nil
		}
		if it.next >= it.bufferBase {
			i := it.next - it.bufferBase
			if i >= uint64(len(it.buffer)) {
				return nil, 0, nil
			}
			e := it.buffer[i]
			off := it.next
			it.next++
			return e, off, nil
		}
		// Locate the chunk holding it.next.
		if it.current != nil && it.next >= it.currentAt && it.next < it.currentAt+uint64(len(it.current)) {
			e := it.current[it.next-it.currentAt]
			off := it.next
			it.next++
			return e, off, nil
		}
		idx := sort.Search(len(it.chunks), func(i int) bool { return it.chunks[i] > it.next })
		if idx == 0 {
			// Range starts before the first retained chunk; skip ahead.
			if len(it.chunks) == 0 {
				it.next = it.bufferBase
				continue
			}
			it.next = it.chunks[0]
			continue
		}
		first := it.chunks[idx-1]
		if it.next >= first+uint64(it.counts[first]) {
			// Gap from pruned events; jump to the next chunk or buffer.
			if idx < len(it.chunks) {
				it.next = it.chunks[idx]
			} else {
				it.next = it.bufferBase
			}
			continue
		}
		events, err := it.log.readChunk(ctx, it.ns, first)
		if err != nil {
			return nil, 0, err
		}
		it.current, it.currentAt = events, first
	}
}

// Collect drains the iterator into a slice.
func (it *Iterator) Collect(ctx context.Context) ([]*types.Event, error) {
	var out []*types.Event
	for {
		e, _, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return out, nil
		}
		out = append(out, e)
	}
}

// PruneBefore removes whole chunks whose every offset is below limit.
// Used by compaction expiry; partial chunks are retained.
func (l *Log) PruneBefore(ctx context.Context, ns string, limit uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.nsLocked(ctx, ns)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for len(n.chunks) > 0 {
		first := n.chunks[0]
		count := n.chunkCount[first]
		if first+uint64(count) > limit {
			break
		}
		if err := l.store.Delete(ctx, chunkKey(l.opts.Prefix, ns, first)); err != nil {
			return pruned, err
		}
		delete(n.chunkCount, first)
		n.chunks = n.chunks[1:]
		pruned += count
	}
	return pruned, nil
}

// Namespaces lists namespaces that have durable chunks or buffered
// events.
func (l *Log) Namespaces(ctx context.Context) ([]string, error) {
	keys, err := l.store.List(ctx, l.opts.Prefix+"/")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, key := range keys {
		rest := key[len(l.opts.Prefix)+1:]
		if slash := strings.IndexByte(rest, '/'); slash > 0 {
			seen[rest[:slash]] = true
		}
	}
	l.mu.Lock()
	for ns, n := range l.ns {
		if len(n.buffer) > 0 || len(n.chunks) > 0 {
			seen[ns] = true
		}
	}
	l.mu.Unlock()
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

// Close flushes all buffers.
func (l *Log) Close(ctx context.Context) error {
	return l.Flush(ctx)
}
