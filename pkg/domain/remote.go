package domain

import "context"

// RejectionCode classifies an explicit remote rejection. The enumeration is
// the single source of truth for terminal-versus-transient classification:
// transport failures never carry a code (they surface as Go errors from Push)
// and are always transient.
type RejectionCode string

// Remote rejection codes.
const (
	// RejectionNone means the mutation was accepted.
	RejectionNone RejectionCode = ""
	// RejectionValidation means the payload failed server-side validation.
	RejectionValidation RejectionCode = "validation"
	// RejectionUnauthorized means the caller lacks permission for the change.
	RejectionUnauthorized RejectionCode = "unauthorized"
	// RejectionConflict means the change conflicts with server state, e.g. a
	// duplicate identifier.
	RejectionConflict RejectionCode = "conflict"
	// RejectionNotFound means the target record does not exist remotely.
	RejectionNotFound RejectionCode = "not_found"
)

// Terminal reports whether the code is an unrecoverable client-caused
// rejection. Every code is matched explicitly; an unknown code from a newer
// server is treated as non-terminal so the entry stays retryable rather than
// being rolled back on a guess.
func (c RejectionCode) Terminal() bool {
	switch c {
	case RejectionValidation, RejectionUnauthorized, RejectionConflict, RejectionNotFound:
		return true
	case RejectionNone:
		return false
	}
	return false
}

// PushResult is the remote service's verdict on one mutation. Accepted and
// Code are mutually exclusive: an accepted push carries RejectionNone.
type PushResult struct {
	Accepted bool
	Code     RejectionCode
	Message  string
}

// SyncStatus describes the core's connection to the remote service.
type SyncStatus string

// Sync status values published on the sync-status-changed topic.
const (
	SyncDisconnected SyncStatus = "disconnected"
	SyncSyncing      SyncStatus = "syncing"
	SyncConnected    SyncStatus = "connected"
	SyncOffline      SyncStatus = "offline"
)

// RemoteService is the synchronization boundary the core consumes but does
// not implement. Push is expected to be idempotent per mutation id so a retry
// after a lost response cannot double-apply. Timeouts are the implementation's
// responsibility; the core treats them as any other transient error.
type RemoteService interface {
	// Push submits one mutation. A non-nil error is a transient failure
	// (network unreachable, timeout, server error). A nil error with a
	// terminal code is an explicit rejection.
	Push(ctx context.Context, mutation MutationRecord) (PushResult, error)
	// Pull fetches authoritative records for a scope, used for
	// stale-while-revalidate refresh rather than the mutation path.
	Pull(ctx context.Context, collection Collection, scopeID string) ([]Record, error)
}
