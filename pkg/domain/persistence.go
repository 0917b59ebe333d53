package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when a durable store is read before it has
// been opened and hydrated. Callers use it to distinguish "storage not ready"
// from "no data yet".
var ErrNotInitialized = errors.New("persistence: store not initialized")

// ErrNotFound reports a missing entry in a durable store.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

// LogStore is the durable write-ahead log of mutation records. Entries are
// append-only; only Status, RetryCount, and LastAttempt change after append.
type LogStore interface {
	// Append persists a new entry. It must complete before the caller treats
	// the mutation as durable.
	Append(ctx context.Context, mutation MutationRecord) error
	Get(ctx context.Context, id string) (MutationRecord, error)
	// ListByStatus returns entries with the given status ordered by timestamp.
	ListByStatus(ctx context.Context, status MutationStatus) ([]MutationRecord, error)
	// SetStatus transitions an entry and stamps its last-attempt time.
	SetStatus(ctx context.Context, id string, status MutationStatus) error
	// IncrementRetry bumps the retry counter and stamps the last-attempt time
	// without changing status.
	IncrementRetry(ctx context.Context, id string) error
	// SweepSynced deletes synced entries with a timestamp before cutoff
	// (unix milliseconds) and returns the number removed.
	SweepSynced(ctx context.Context, cutoff int64) (int, error)
	// EnforceMaxEntries deletes the oldest synced entries, then the oldest
	// failed_fatal entries, until the total count is at or under max. Pending
	// entries are never removed. Returns the number removed.
	EnforceMaxEntries(ctx context.Context, max int) (int, error)
}

// MirrorStore is the durable keyed copy of every record, used to rebuild the
// in-memory state after restart. Only the orchestrator writes to it.
type MirrorStore interface {
	Upsert(ctx context.Context, collection Collection, record Record) error
	// GetRecord is named to keep the combined Store interface free of a
	// signature clash with LogStore.Get.
	GetRecord(ctx context.Context, collection Collection, id string) (Record, error)
	GetAll(ctx context.Context, collection Collection) ([]Record, error)
	// Delete removes the row entirely. Soft deletion is an Upsert with the
	// Deleted flag set; Delete exists for rollback of an optimistic add.
	Delete(ctx context.Context, collection Collection, id string) error
	FindByOwner(ctx context.Context, collection Collection, ownerID string) ([]Record, error)
	FindByStatus(ctx context.Context, collection Collection, status string) ([]Record, error)
	FindDeleted(ctx context.Context, collection Collection) ([]Record, error)
	// ReplaceAll swaps a collection's full contents, used when an
	// authoritative pull arrives.
	ReplaceAll(ctx context.Context, collection Collection, records []Record) error
	// LoadAll reads every collection for startup hydration.
	LoadAll(ctx context.Context) (map[Collection][]Record, error)
}

// TrashEntry is an archived tombstone moved out of a live collection by purge,
// distinct from a soft-deleted-in-place record.
type TrashEntry struct {
	ID        string     `json:"id"`
	Origin    Collection `json:"origin"`
	Record    Record     `json:"record"`
	DeletedAt int64      `json:"deleted_at"`
}

// TrashStore holds archived tombstones, indexed by origin collection and
// deletion time.
type TrashStore interface {
	AddTrash(ctx context.Context, entry TrashEntry) error
	ListTrash(ctx context.Context, origin Collection) ([]TrashEntry, error)
	// PurgeTrash removes archived entries deleted before cutoff (unix
	// milliseconds) and returns the number removed.
	PurgeTrash(ctx context.Context, cutoff int64) (int, error)
}

// MetaStore is a small durable key/value table for bookkeeping values such as
// schema version and last-sweep time.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Store is the full durable backend: log, mirror, trash, and meta tables
// behind a single connection.
type Store interface {
	LogStore
	MirrorStore
	TrashStore
	MetaStore
	// Init opens the backend and applies schema. Reads before Init fail with
	// ErrNotInitialized.
	Init(ctx context.Context) error
	Close() error
}
