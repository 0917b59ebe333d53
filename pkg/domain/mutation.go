package domain

// MutationStatus tracks a WAL entry through its lifecycle.
type MutationStatus string

// WAL entry statuses. A pending entry is the durable proof that a local
// change has not been acknowledged by the remote service; retention must
// never remove one.
const (
	// StatusPending means the mutation has not been acknowledged remotely.
	StatusPending MutationStatus = "pending"
	// StatusSynced means the remote service accepted the mutation.
	StatusSynced MutationStatus = "synced"
	// StatusFailedFatal means the remote service rejected the mutation as
	// unrecoverable; the entry is kept for operator inspection only.
	StatusFailedFatal MutationStatus = "failed_fatal"
)

// Valid reports whether the status is one of the recognized states.
func (s MutationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusFailedFatal:
		return true
	}
	return false
}

// MutationRecord is one attempted change, written to the log store before the
// mutation is treated as durable. All fields except Status, RetryCount, and
// LastAttempt are immutable after append.
type MutationRecord struct {
	ID          string         `json:"id"`
	Collection  Collection     `json:"collection"`
	Op          Operation      `json:"op"`
	DocID       string         `json:"doc_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   int64          `json:"timestamp"`
	Status      MutationStatus `json:"status"`
	RetryCount  int            `json:"retry_count"`
	LastAttempt *int64         `json:"last_attempt,omitempty"`
}

// Clone returns a deep copy so stored entries never alias caller state.
func (m MutationRecord) Clone() MutationRecord {
	out := m
	out.Payload = ClonePayload(m.Payload)
	if m.LastAttempt != nil {
		at := *m.LastAttempt
		out.LastAttempt = &at
	}
	return out
}
