// Package objstore defines the narrow storage contract every higher
// layer depends on, with filesystem and S3 backends. Writes are atomic
// at single-key granularity; there is no rename or multi-key operation.
package objstore

import (
	"context"
	"errors"
	"strings"

	"github.com/parquedb/parquedb/internal/types"
)

// ErrNotFound is returned by Read for a missing key. Backends translate
// their native not-found conditions to this sentinel so callers can use
// errors.Is without knowing the backend.
var ErrNotFound = errors.New("object not found")

// Store is the minimal filesystem/object contract. Keys are
// slash-separated relative paths.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Info describes one stored object; backends that can report size and
// modification time implement Stater so vacuum can apply retention.
type Info struct {
	Key     string
	Size    int64
	ModTime int64 // unix millis
}

// Stater is implemented by backends that can describe objects.
type Stater interface {
	Stat(ctx context.Context, key string) (Info, error)
}

// ValidateKey rejects traversal segments, null bytes, newlines and
// absolute paths. Every backend calls it before touching the key.
func ValidateKey(key string) error {
	if key == "" {
		return &types.ValidationError{Field: "key", Reason: "empty"}
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") {
		return &types.ValidationError{Field: "key", Reason: "absolute path"}
	}
	if len(key) > 1 && key[1] == ':' {
		return &types.ValidationError{Field: "key", Reason: "absolute path"}
	}
	if strings.ContainsAny(key, "\x00\n\r") {
		return &types.ValidationError{Field: "key", Reason: "control characters"}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return &types.ValidationError{Field: "key", Reason: "path traversal"}
		}
	}
	return nil
}

func ioErr(op, key string, err error) error {
	return &types.StorageError{Kind: types.StorageIO, Op: op, Key: key, Err: err}
}
