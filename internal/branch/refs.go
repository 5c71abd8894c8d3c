package branch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/types"
)

// Refs manages branch pointers and HEAD over the object store, with a
// small head cache that the fsnotify watcher invalidates when another
// process moves a ref.
type Refs struct {
	store objstore.Store

	mu    sync.Mutex
	heads map[string]string // branch -> commit hash
}

// NewRefs returns a refs manager.
func NewRefs(store objstore.Store) *Refs {
	return &Refs{store: store, heads: make(map[string]string)}
}

func refKey(name string) string {
	return RefPrefix + "/" + name
}

func validBranchName(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\n/\\:") || strings.Contains(name, "..") {
		return &types.ValidationError{Field: "branch", Reason: fmt.Sprintf("invalid name %q", name)}
	}
	return nil
}

// Head returns the commit hash a branch points at.
func (r *Refs) Head(ctx context.Context, name string) (string, error) {
	if err := validBranchName(name); err != nil {
		return "", err
	}
	r.mu.Lock()
	if hash, ok := r.heads[name]; ok {
		r.mu.Unlock()
		return hash, nil
	}
	r.mu.Unlock()
	data, err := r.store.Read(ctx, refKey(name))
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return "", fmt.Errorf("%w: branch %s", ErrNoCommit, name)
		}
		return "", err
	}
	hash := strings.TrimSpace(string(data))
	r.mu.Lock()
	r.heads[name] = hash
	r.mu.Unlock()
	return hash, nil
}

// SetHead moves a branch pointer.
func (r *Refs) SetHead(ctx context.Context, name, hash string) error {
	if err := validBranchName(name); err != nil {
		return err
	}
	if err := r.store.Write(ctx, refKey(name), []byte(hash+"\n")); err != nil {
		return err
	}
	r.mu.Lock()
	r.heads[name] = hash
	r.mu.Unlock()
	return nil
}

// Delete removes a branch. The current branch cannot be deleted.
func (r *Refs) Delete(ctx context.Context, name string) error {
	if err := validBranchName(name); err != nil {
		return err
	}
	current, err := r.Current(ctx)
	if err == nil && current == name {
		return &types.ValidationError{Field: "branch", Reason: "cannot delete the current branch"}
	}
	if err := r.store.Delete(ctx, refKey(name)); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.heads, name)
	r.mu.Unlock()
	return nil
}

// List returns all branch names, sorted.
func (r *Refs) List(ctx context.Context) ([]string, error) {
	keys, err := r.store.List(ctx, RefPrefix+"/")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key[strings.LastIndexByte(key, '/')+1:])
	}
	return out, nil
}

// Current returns the branch HEAD names.
func (r *Refs) Current(ctx context.Context) (string, error) {
	data, err := r.store.Read(ctx, HeadKey)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return DefaultBranch, nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SetCurrent switches HEAD to the named branch.
func (r *Refs) SetCurrent(ctx context.Context, name string) error {
	if err := validBranchName(name); err != nil {
		return err
	}
	return r.store.Write(ctx, HeadKey, []byte(name+"\n"))
}

// Invalidate drops the cached head for one branch, or all when name is
// empty. Called by the refs watcher on external changes.
func (r *Refs) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		r.heads = make(map[string]string)
		return
	}
	delete(r.heads, name)
}
