package objstore

import (
	"context"
	"errors"
	"strings"
)

// Prefixed scopes every key of an inner store under a fixed prefix.
// Branch isolation is built on it: each branch owns one subtree
// (event chunks, segments, manifests, snapshots, relations) and the
// layers above stay unaware of which branch they serve.
type Prefixed struct {
	inner  Store
	prefix string // no trailing slash
}

// WithPrefix wraps inner so all keys live under prefix.
func WithPrefix(inner Store, prefix string) *Prefixed {
	return &Prefixed{inner: inner, prefix: strings.Trim(prefix, "/")}
}

// Prefix returns the scope of this wrapper.
func (p *Prefixed) Prefix() string { return p.prefix }

func (p *Prefixed) full(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return p.prefix + "/" + key, nil
}

func (p *Prefixed) Read(ctx context.Context, key string) ([]byte, error) {
	full, err := p.full(key)
	if err != nil {
		return nil, err
	}
	return p.inner.Read(ctx, full)
}

func (p *Prefixed) Write(ctx context.Context, key string, data []byte) error {
	full, err := p.full(key)
	if err != nil {
		return err
	}
	return p.inner.Write(ctx, full, data)
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	full, err := p.full(key)
	if err != nil {
		return err
	}
	return p.inner.Delete(ctx, full)
}

func (p *Prefixed) Exists(ctx context.Context, key string) (bool, error) {
	full, err := p.full(key)
	if err != nil {
		return false, err
	}
	return p.inner.Exists(ctx, full)
}

// List returns keys relative to the prefix.
func (p *Prefixed) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.inner.List(ctx, p.prefix+"/"+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, p.prefix+"/"))
	}
	return out, nil
}

func (p *Prefixed) Stat(ctx context.Context, key string) (Info, error) {
	st, ok := p.inner.(Stater)
	if !ok {
		return Info{}, errors.New("inner store does not support stat")
	}
	full, err := p.full(key)
	if err != nil {
		return Info{}, err
	}
	info, err := st.Stat(ctx, full)
	if err != nil {
		return Info{}, err
	}
	info.Key = key
	return info, nil
}

// CopyTree duplicates every object under fromPrefix into toPrefix on
// the same store. Used by copy-on-branch-create; single-key writes
// keep each copied object atomic.
func CopyTree(ctx context.Context, store Store, fromPrefix, toPrefix string) (int, error) {
	from := strings.Trim(fromPrefix, "/")
	to := strings.Trim(toPrefix, "/")
	keys, err := store.List(ctx, from+"/")
	if err != nil {
		return 0, err
	}
	copied := 0
	for _, key := range keys {
		data, err := store.Read(ctx, key)
		if err != nil {
			return copied, err
		}
		rel := strings.TrimPrefix(key, from+"/")
		if err := store.Write(ctx, to+"/"+rel, data); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

// DeleteTree removes every object under prefix.
func DeleteTree(ctx context.Context, store Store, prefix string) (int, error) {
	trimmed := strings.Trim(prefix, "/")
	keys, err := store.List(ctx, trimmed+"/")
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
