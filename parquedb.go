// Package parquedb provides the public API of the embedded,
// event-sourced document database: document CRUD over an append-only
// event log, columnar parquet segments with secondary indexes, a
// relationship graph with reverse lookup, and branch/commit semantics
// over the underlying storage.
//
// Most applications open a database with Open and work through the DB
// handle; the CLI in cmd/pq is a thin wrapper over the same surface.
package parquedb

import (
	"context"

	"github.com/parquedb/parquedb/internal/branch"
	"github.com/parquedb/parquedb/internal/cache"
	"github.com/parquedb/parquedb/internal/db"
	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/query"
	"github.com/parquedb/parquedb/internal/types"
)

// DB is an open database handle. Safe for concurrent use; mutations
// serialize per namespace.
type DB = db.DB

// Options configures Open.
type Options = db.Options

// Open opens (or initializes) a database rooted at dir.
func Open(ctx context.Context, dir string, opts Options) (*DB, error) {
	return db.Open(ctx, dir, opts)
}

// Core types.
type (
	Entity       = types.Entity
	EntityID     = types.EntityID
	Event        = types.Event
	Snapshot     = types.Snapshot
	Op           = types.Op
	UpdateDoc    = types.UpdateDoc
	Commit       = branch.Commit
	DiffEntry    = branch.DiffEntry
	VacuumReport = branch.VacuumReport
	CacheStats   = cache.Stats
)

// Operation options and results.
type (
	GetOptions     = db.GetOptions
	MutateOptions  = db.MutateOptions
	DeleteOptions  = db.DeleteOptions
	RelatedOptions = db.RelatedOptions
	FindOptions    = query.Options
	FindResult     = query.Result
	SortKey        = query.SortKey
	Stats          = db.Stats
	ExportFormat   = db.ExportFormat
)

// Event operation constants.
const (
	OpCreate = types.OpCreate
	OpUpdate = types.OpUpdate
	OpDelete = types.OpDelete
)

// Export formats.
const (
	FormatJSON    = db.FormatJSON
	FormatNDJSON  = db.FormatNDJSON
	FormatCSV     = db.FormatCSV
	FormatParquet = db.FormatParquet
)

// Error variants. Callers match with errors.As.
type (
	VersionConflictError = types.VersionConflictError
	EntityNotFoundError  = types.EntityNotFoundError
	ValidationError      = types.ValidationError
	RelationshipError    = types.RelationshipError
	EventError           = types.EventError
	QueryError           = types.QueryError
	StorageError         = types.StorageError
)

// Store is the minimal object storage contract; provide an
// implementation through Options.Store to run over a remote backend.
type Store = objstore.Store

// NewFSStore returns the filesystem storage backend rooted at dir.
func NewFSStore(dir string) (Store, error) {
	return objstore.NewFS(dir)
}

// S3Config configures the remote object store backend.
type S3Config = objstore.S3Config

// NewS3Store returns the S3 storage backend.
func NewS3Store(ctx context.Context, cfg S3Config) (Store, error) {
	return objstore.NewS3(ctx, cfg)
}
