// Package branch implements commits, branch refs, diffs and the vacuum
// workflow. Commits are immutable JSON manifests; branches are mutable
// pointers stored as ref files.
package branch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parquedb/parquedb/internal/objstore"
)

const (
	// CommitPrefix is the key prefix for commit manifests.
	CommitPrefix = "commits"
	// RefPrefix is the key prefix for branch refs.
	RefPrefix = "refs/heads"
	// HeadKey names the current branch.
	HeadKey = "HEAD"
	// DefaultBranch is the branch created by init.
	DefaultBranch = "main"
)

// ErrNoCommit is returned when a ref or hash resolves to nothing.
var ErrNoCommit = errors.New("no such commit")

// CollectionState pins one namespace inside a commit.
type CollectionState struct {
	RowCount   int    `json:"rowCount"`
	DataHash   string `json:"dataHash"`
	SchemaHash string `json:"schemaHash"`
}

// RelationshipState pins the relationship indexes.
type RelationshipState struct {
	FwdHash string `json:"fwdHash"`
	RevHash string `json:"revHash"`
}

// EventLogPosition records how much of the log the commit covers.
type EventLogPosition struct {
	SegmentID string `json:"segmentId"`
	Offset    uint64 `json:"offset"`
}

// State is the consistent snapshot a commit names.
type State struct {
	Collections      map[string]CollectionState `json:"collections"`
	Relationships    RelationshipState          `json:"relationships"`
	EventLogPosition EventLogPosition           `json:"eventLogPosition"`
}

// Commit is the immutable manifest.
type Commit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
	Author  string    `json:"author"`
	Parents []string  `json:"parents"`
	State   State     `json:"state"`
}

func commitKey(hash string) string {
	return CommitPrefix + "/" + hash + ".json"
}

// hashCommit digests everything except the hash field itself.
func hashCommit(c *Commit) (string, error) {
	shadow := *c
	shadow.Hash = ""
	data, err := json.Marshal(&shadow)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// WriteCommit finalizes and stores a commit, returning its hash.
func WriteCommit(ctx context.Context, store objstore.Store, c *Commit) (string, error) {
	hash, err := hashCommit(c)
	if err != nil {
		return "", fmt.Errorf("hash commit: %w", err)
	}
	c.Hash = hash
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode commit: %w", err)
	}
	if err := store.Write(ctx, commitKey(hash), data); err != nil {
		return "", err
	}
	return hash, nil
}

// LoadCommit reads one commit by hash.
func LoadCommit(ctx context.Context, store objstore.Store, hash string) (*Commit, error) {
	data, err := store.Read(ctx, commitKey(hash))
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoCommit, hash)
		}
		return nil, err
	}
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode commit %s: %w", hash, err)
	}
	return &c, nil
}

// ListCommits returns every stored commit hash.
func ListCommits(ctx context.Context, store objstore.Store) ([]string, error) {
	keys, err := store.List(ctx, CommitPrefix+"/")
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, key := range keys {
		base := key[strings.LastIndexByte(key, '/')+1:]
		if strings.HasSuffix(base, ".json") {
			hashes = append(hashes, strings.TrimSuffix(base, ".json"))
		}
	}
	return hashes, nil
}

// Log walks the first-parent chain from the given commit, newest first,
// up to limit entries (0 = unlimited).
func Log(ctx context.Context, store objstore.Store, fromHash string, limit int) ([]*Commit, error) {
	var out []*Commit
	hash := fromHash
	for hash != "" {
		if limit > 0 && len(out) >= limit {
			break
		}
		c, err := LoadCommit(ctx, store, hash)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		if len(c.Parents) == 0 {
			break
		}
		hash = c.Parents[0]
	}
	return out, nil
}

// DiffEntry describes one collection-level difference.
type DiffEntry struct {
	Namespace string `json:"namespace"`
	Kind      string `json:"kind"` // added | removed | modified
	// SchemaChanged reports whether the schema hash moved too.
	SchemaChanged bool `json:"schemaChanged,omitempty"`
}

// Diff compares two commits by their recorded hashes.
func Diff(a, b *Commit) []DiffEntry {
	var out []DiffEntry
	names := map[string]bool{}
	for ns := range a.State.Collections {
		names[ns] = true
	}
	for ns := range b.State.Collections {
		names[ns] = true
	}
	sorted := make([]string, 0, len(names))
	for ns := range names {
		sorted = append(sorted, ns)
	}
	sort.Strings(sorted)
	for _, ns := range sorted {
		as, inA := a.State.Collections[ns]
		bs, inB := b.State.Collections[ns]
		switch {
		case !inA:
			out = append(out, DiffEntry{Namespace: ns, Kind: "added"})
		case !inB:
			out = append(out, DiffEntry{Namespace: ns, Kind: "removed"})
		case as.DataHash != bs.DataHash || as.SchemaHash != bs.SchemaHash:
			out = append(out, DiffEntry{
				Namespace:     ns,
				Kind:          "modified",
				SchemaChanged: as.SchemaHash != bs.SchemaHash,
			})
		}
	}
	return out
}
