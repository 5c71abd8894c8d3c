package query

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/parquedb/parquedb/internal/fts"
	"github.com/parquedb/parquedb/internal/index"
	"github.com/parquedb/parquedb/internal/segment"
	"github.com/parquedb/parquedb/internal/types"
)

// DefaultConcurrency bounds parallel row-group reads.
const DefaultConcurrency = 4

// SegmentView is one open segment with its index artifacts. Nil
// artifacts simply disable the corresponding pruning.
type SegmentView struct {
	Reader *segment.Reader
	Bloom  *index.BloomIndex
	Hash   *index.HashIndex
}

// View is a consistent snapshot of a namespace for one query: the
// manifested segments plus the reconstructed tail of entities whose
// state is newer than the manifest. Tail entities override segment rows
// with the same id.
type View struct {
	Namespace string
	Segments  []SegmentView
	// Tail holds current state for entities touched after the manifest
	// offset, soft-deleted ones included so they can mask segment rows.
	Tail    []*types.Entity
	FTS     *fts.Index
	Catalog *index.Catalog
	// TextFallbackScan selects the behavior of $text without FTS
	// fields: scan linearly when true, error when false.
	TextFallbackScan bool
}

// Options controls evaluation.
type Options struct {
	Limit          int
	Skip           int
	Sort           []SortKey
	Project        []string
	Cursor         string
	IncludeDeleted bool
	Concurrency    int
}

// Stats reports how much work a query did.
type Stats struct {
	RowsScanned          int  `json:"rowsScanned"`
	RowsReturned         int  `json:"rowsReturned"`
	UsedEarlyTermination bool `json:"usedEarlyTermination"`
}

// Result is the paginated result contract.
type Result struct {
	Items      []*types.Entity `json:"items"`
	Total      int             `json:"total"`
	HasMore    bool            `json:"hasMore"`
	NextCursor string          `json:"nextCursor,omitempty"`
	Stats      Stats           `json:"stats"`
}

// Execute runs the full pipeline: index selection, row-group pruning,
// bounded concurrent reads, early termination, sort, cursor pagination,
// projection and soft-delete filtering.
func Execute(ctx context.Context, view *View, rawFilter map[string]any, opts Options) (*Result, error) {
	if opts.Limit < 0 || opts.Skip < 0 {
		return nil, &types.QueryError{Kind: types.QueryInvalidPagination, Detail: "negative skip or limit"}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	filter, err := ParseFilter(rawFilter)
	if err != nil {
		return nil, err
	}
	var cursor *cursorPayload
	if opts.Cursor != "" {
		cursor, err = DecodeCursor(opts.Cursor, opts.Sort)
		if err != nil {
			return nil, err
		}
	}

	// $text resolves to a candidate doc-id set up front. Without FTS
	// fields the configured fallback either scans linearly (substring
	// terms over string fields) or rejects the query; either way the
	// behavior is deterministic per configuration.
	var textDocs map[string]bool
	var fallbackTerms []string
	if text, ok := filter.Text(); ok {
		if view.FTS == nil {
			if !view.TextFallbackScan {
				return nil, invalidFilter("$text requires full-text fields on %s", view.Namespace)
			}
			fallbackTerms = fallbackTextTerms(text)
		} else {
			textDocs = map[string]bool{}
			for _, hit := range view.FTS.Search(text) {
				textDocs[hit.DocID] = true
			}
		}
	}

	collector := &collector{
		filter:        filter,
		cursor:        cursor,
		sort:          opts.Sort,
		include:       opts.IncludeDeleted,
		textDocs:      textDocs,
		hasText:       textDocs != nil,
		fallbackTerms: fallbackTerms,
		masked:        map[string]bool{},
	}
	for _, e := range view.Tail {
		collector.masked[e.ID.ID] = true
	}

	// Tail entities first: they are authoritative and cheap.
	for _, e := range view.Tail {
		collector.offer(e, false)
	}

	earlyEligible := len(opts.Sort) == 0 && opts.Limit > 0
	target := opts.Skip + opts.Limit

	groups := planGroups(view, filter)
	hasUnread, err := readGroups(ctx, view, groups, collector, opts.Concurrency, earlyEligible, target)
	if err != nil {
		return nil, err
	}

	matched := collector.results
	sortEntities(matched, opts.Sort)

	total := len(matched)
	page := matched
	if opts.Skip > 0 {
		if opts.Skip >= len(page) {
			page = nil
		} else {
			page = page[opts.Skip:]
		}
	}
	more := false
	if opts.Limit > 0 && len(page) > opts.Limit {
		page = page[:opts.Limit]
		more = true
	}

	res := &Result{
		Items:   page,
		Total:   total,
		HasMore: more || hasUnread,
		Stats: Stats{
			RowsScanned:          collector.scanned,
			RowsReturned:         len(page),
			UsedEarlyTermination: hasUnread,
		},
	}
	if (more || hasUnread) && len(page) > 0 {
		res.NextCursor = EncodeCursor(page[len(page)-1], opts.Sort)
	}
	if len(opts.Project) > 0 {
		for i, e := range res.Items {
			res.Items[i] = project(e, opts.Project)
		}
	}
	return res, nil
}

// Count evaluates the filter ignoring limit/skip.
func Count(ctx context.Context, view *View, rawFilter map[string]any, includeDeleted bool, concurrency int) (int, error) {
	res, err := Execute(ctx, view, rawFilter, Options{IncludeDeleted: includeDeleted, Concurrency: concurrency})
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// collector accumulates matching rows. Segment rows masked by a tail
// entity with the same id are skipped.
type collector struct {
	mu            sync.Mutex
	filter        *Filter
	cursor        *cursorPayload
	sort          []SortKey
	include       bool
	textDocs      map[string]bool
	hasText       bool
	fallbackTerms []string
	masked        map[string]bool
	results       []*types.Entity
	scanned       int
}

// offer evaluates one entity; fromSegment rows defer to the tail.
func (c *collector) offer(ent *types.Entity, fromSegment bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanned++
	if fromSegment && c.masked[ent.ID.ID] {
		return
	}
	if ent.Deleted() && !c.include {
		return
	}
	if c.hasText && !c.textDocs[ent.ID.ID] {
		return
	}
	if len(c.fallbackTerms) > 0 && !matchesFallbackText(ent, c.fallbackTerms) {
		return
	}
	if !c.filter.Match(ent) {
		return
	}
	if c.cursor != nil && !c.cursor.after(ent, c.sort) {
		return
	}
	c.results = append(c.results, ent)
}

func (c *collector) matchedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// groupRef names one candidate row group.
type groupRef struct {
	seg   int
	group int
}

// planGroups applies row-group pruning: parquet min/max statistics on
// the id column, bloom membership for bloom-indexed equality conjuncts,
// and the hash index for hash-indexed ones.
func planGroups(view *View, filter *Filter) []groupRef {
	eq := filter.EqualityPairs()
	var out []groupRef
	for si, sv := range view.Segments {
		numGroups := sv.Reader.NumRowGroups()

		// Hash-index pruning yields an allowlist of groups per segment.
		var hashAllowed map[int]bool
		if sv.Hash != nil && view.Catalog != nil {
			for field, value := range eq {
				if !view.Catalog.HasHash(view.Namespace, field) {
					continue
				}
				groups, present := sv.Hash.Lookup(index.CanonicalValue(field, value))
				if !present {
					hashAllowed = map[int]bool{}
					break
				}
				allowed := map[int]bool{}
				for _, g := range groups {
					allowed[g] = true
				}
				if hashAllowed == nil {
					hashAllowed = allowed
				} else {
					for g := range hashAllowed {
						if !allowed[g] {
							delete(hashAllowed, g)
						}
					}
				}
			}
		}

		for g := 0; g < numGroups; g++ {
			if hashAllowed != nil && !hashAllowed[g] {
				continue
			}
			if stats, ok := sv.Reader.Stats(g); ok {
				if idEq, present := eq["$id"]; present {
					if s, isStr := idEq.(string); isStr && (s < stats.MinID || s > stats.MaxID) {
						continue
					}
				}
			}
			if sv.Bloom != nil && view.Catalog != nil {
				skip := false
				for field, value := range eq {
					if !view.Catalog.HasBloom(view.Namespace, field) {
						continue
					}
					if !sv.Bloom.GroupMightContain(g, index.CanonicalValue(field, value)) {
						skip = true
						break
					}
				}
				if skip {
					continue
				}
			}
			out = append(out, groupRef{seg: si, group: g})
		}
	}
	return out
}

// readGroups reads surviving row groups in batches of concurrency. With
// early termination eligible, scheduling stops as soon as the collector
// holds target matches; the return value reports whether groups were
// left unread.
func readGroups(ctx context.Context, view *View, groups []groupRef, c *collector, concurrency int, early bool, target int) (bool, error) {
	for start := 0; start < len(groups); start += concurrency {
		if early && c.matchedCount() >= target {
			return true, nil
		}
		end := start + concurrency
		if end > len(groups) {
			end = len(groups)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, ref := range groups[start:end] {
			ref := ref
			g.Go(func() error {
				ents, err := view.Segments[ref.seg].Reader.ReadGroup(gctx, ref.group)
				if err != nil {
					return err
				}
				for _, e := range ents {
					c.offer(e, true)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return false, err
		}
	}
	return false, nil
}

// fallbackTextTerms lowercases and splits a $text query for the linear
// scan fallback; modifiers and quotes are stripped.
func fallbackTextTerms(text string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, `+-"`)
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// matchesFallbackText requires every term as a substring of some string
// field.
func matchesFallbackText(ent *types.Entity, terms []string) bool {
	for _, term := range terms {
		found := false
		for _, v := range ent.Fields {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// project keeps only the requested user fields; identity and audit
// columns always survive.
func project(ent *types.Entity, fields []string) *types.Entity {
	out := ent.Clone()
	keep := make(map[string]bool, len(fields))
	for _, f := range fields {
		keep[f] = true
	}
	for k := range out.Fields {
		if !keep[k] {
			delete(out.Fields, k)
		}
	}
	return out
}
