package query

import (
	"encoding/base64"
	"encoding/json"

	"github.com/parquedb/parquedb/internal/types"
)

// cursorPayload is the self-describing cursor: the sort spec hash, the
// last row's id, and its sort-key values. Cursors are value-based, so
// they survive compaction rewriting the underlying segments.
type cursorPayload struct {
	SortHash string `json:"h"`
	ID       string `json:"id"`
	SortKeys []any  `json:"k,omitempty"`
}

// EncodeCursor renders the resume point after the given entity.
func EncodeCursor(ent *types.Entity, keys []SortKey) string {
	payload := cursorPayload{
		SortHash: SpecHash(keys),
		ID:       ent.ID.ID,
	}
	tuple := sortTuple(ent, keys)
	payload.SortKeys = tuple[:len(tuple)-1]
	data, _ := json.Marshal(payload)
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeCursor validates an opaque cursor against the current sort
// spec. A cursor minted under a different sort errors.
func DecodeCursor(cursor string, keys []SortKey) (*cursorPayload, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return nil, &types.QueryError{Kind: types.QueryInvalidCursor, Detail: "not base64"}
	}
	var payload cursorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &types.QueryError{Kind: types.QueryInvalidCursor, Detail: "not a cursor"}
	}
	if payload.SortHash != SpecHash(keys) {
		return nil, &types.QueryError{Kind: types.QueryInvalidCursor, Detail: "sort changed between pages"}
	}
	if len(payload.SortKeys) != len(keys) {
		return nil, &types.QueryError{Kind: types.QueryInvalidCursor, Detail: "sort key arity mismatch"}
	}
	return &payload, nil
}

// after reports whether ent orders strictly after the cursor position.
func (c *cursorPayload) after(ent *types.Entity, keys []SortKey) bool {
	tuple := sortTuple(ent, keys)
	cursorTuple := append(append([]any(nil), c.SortKeys...), c.ID)
	return compareTuples(tuple, cursorTuple, keys) > 0
}
