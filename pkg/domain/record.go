// Package domain defines the core record model, mutation log entries, and the
// boundary contracts (durable stores, remote synchronization service) used by
// carecore.
package domain

// Collection identifies a logical record collection.
type Collection string

// Canonical collections managed by the core. Callers may register additional
// collections at store construction time.
const (
	// CollectionPatients holds patient records.
	CollectionPatients Collection = "patients"
	// CollectionTasks holds task records.
	CollectionTasks Collection = "tasks"
	// CollectionUnits holds care unit records.
	CollectionUnits Collection = "units"
)

// DefaultCollections returns the canonical collection set.
func DefaultCollections() []Collection {
	return []Collection{CollectionPatients, CollectionTasks, CollectionUnits}
}

// Operation enumerates the mutation kinds applied to records.
type Operation string

// Supported record operations.
const (
	OpAdd    Operation = "add"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of the supported kinds.
func (op Operation) Valid() bool {
	switch op {
	case OpAdd, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Record is a single domain entity within a collection. OwnerID and Status are
// lifted out of the free-form field map so durable stores can index them.
// Deleted marks an in-place tombstone; tombstoned records stay present until a
// purge moves them to trash.
type Record struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Deleted   bool           `json:"deleted"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// Reserved payload keys recognized by ApplyPayload.
const (
	payloadKeyOwnerID = "ownerId"
	payloadKeyStatus  = "status"
	payloadKeyDeleted = "deleted"
)

// ApplyPayload shallow-merges a mutation payload into the record. The reserved
// keys ownerId, status, and deleted update the corresponding indexed fields;
// everything else lands in Fields. Values are cloned so the record never
// aliases caller-owned maps or slices.
func (r *Record) ApplyPayload(payload map[string]any) {
	for key, value := range payload {
		switch key {
		case payloadKeyOwnerID:
			if s, ok := value.(string); ok {
				r.OwnerID = s
			}
		case payloadKeyStatus:
			if s, ok := value.(string); ok {
				r.Status = s
			}
		case payloadKeyDeleted:
			if b, ok := value.(bool); ok {
				r.Deleted = b
			}
		default:
			if r.Fields == nil {
				r.Fields = make(map[string]any, len(payload))
			}
			r.Fields[key] = CloneValue(value)
		}
	}
}

// Clone returns a deep, independent copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = CloneValue(v)
		}
	}
	return out
}

// CloneValue deep-copies the map/slice shapes produced by JSON decoding and
// mutation payloads. Scalars are returned as-is.
func CloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = CloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return value
	}
}

// ClonePayload deep-copies a mutation payload map.
func ClonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = CloneValue(v)
	}
	return out
}
