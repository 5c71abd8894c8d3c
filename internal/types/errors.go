package types

import "fmt"

// VersionConflictError reports an optimistic-concurrency failure: the
// caller's expectedVersion did not match the reconstructed version.
type VersionConflictError struct {
	Expected uint64
	Actual   uint64
	Ns       string
	ID       string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected %d, actual %d", e.Ns, e.ID, e.Expected, e.Actual)
}

// EntityNotFoundError reports a lookup of an entity that has no CREATE
// event (or is soft-deleted and the caller did not opt in).
type EntityNotFoundError struct {
	Ns string
	ID string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity %s/%s not found", e.Ns, e.ID)
}

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RelationshipOp names the relationship operation that failed.
type RelationshipOp string

const (
	RelOpLink    RelationshipOp = "link"
	RelOpUnlink  RelationshipOp = "unlink"
	RelOpHydrate RelationshipOp = "hydrate"
)

// RelationshipErrorKind is the stable failure identifier.
type RelationshipErrorKind string

const (
	RelUndefinedRelation RelationshipErrorKind = "undefined-relation"
	RelTargetMissing     RelationshipErrorKind = "target-missing"
	RelTargetDeleted     RelationshipErrorKind = "target-deleted"
)

// RelationshipError reports a failed link, unlink or hydration.
type RelationshipError struct {
	Operation RelationshipOp
	Ns        string
	Relation  string
	TargetID  string
	Kind      RelationshipErrorKind
}

func (e *RelationshipError) Error() string {
	if e.TargetID != "" {
		return fmt.Sprintf("%s %s.%s: %s (target %s)", e.Operation, e.Ns, e.Relation, e.Kind, e.TargetID)
	}
	return fmt.Sprintf("%s %s.%s: %s", e.Operation, e.Ns, e.Relation, e.Kind)
}

// EventErrorKind is the stable failure identifier for log and
// reconstruction operations.
type EventErrorKind string

const (
	EventNotFound    EventErrorKind = "not-found"
	EventFutureTime  EventErrorKind = "future-time"
	EventDidNotExist EventErrorKind = "did-not-exist"
	EventOnDeleted   EventErrorKind = "on-deleted"
	EventWriteFailed EventErrorKind = "write-failed"
)

// EventError reports a failure in the event log or reconstructor.
type EventError struct {
	Operation string
	EventID   string
	EntityID  string
	Kind      EventErrorKind
	Err       error
}

func (e *EventError) Error() string {
	target := e.EntityID
	if target == "" {
		target = e.EventID
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Operation, target, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Operation, target, e.Kind)
}

func (e *EventError) Unwrap() error { return e.Err }

// QueryErrorKind is the stable failure identifier for query evaluation.
type QueryErrorKind string

const (
	QueryInvalidFilter     QueryErrorKind = "invalid-filter"
	QueryInvalidCursor     QueryErrorKind = "invalid-cursor"
	QueryInvalidPagination QueryErrorKind = "invalid-pagination"
	QueryInjectionDetected QueryErrorKind = "injection-detected"
)

// QueryError reports a rejected query.
type QueryError struct {
	Kind   QueryErrorKind
	Detail string
}

func (e *QueryError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("query error: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("query error: %s", e.Kind)
}

// StorageErrorKind is the stable failure identifier for the storage layer.
type StorageErrorKind string

const (
	StorageCircuitOpen StorageErrorKind = "circuit-open"
	StorageTimeout     StorageErrorKind = "timeout"
	StorageIO          StorageErrorKind = "io"
	StorageCorrupted   StorageErrorKind = "corrupted"
)

// StorageError wraps a failed storage call with its operation and key.
type StorageError struct {
	Kind StorageErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage %s %q: %s: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %s", e.Op, e.Key, e.Kind)
}

func (e *StorageError) Unwrap() error { return e.Err }
