// Package core implements the in-memory record store, the mutation
// orchestrator, the sync reconciler, and the WAL retention policy.
package core

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"carecore/internal/events"
	"carecore/pkg/domain"
)

// RecordStore is the single authoritative in-process view of all collections.
// It owns the live record maps and a trash bucket for purged tombstones.
// Apply and Restore are critical sections guarded by a mutex; callers outside
// this package interact with clones only.
type RecordStore struct {
	mu          sync.RWMutex
	collections map[domain.Collection]map[string]domain.Record
	trash       map[string]domain.TrashEntry
	bus         *events.Bus
	logger      *slog.Logger
	now         func() int64
}

// NewRecordStore constructs a store holding the given collections.
func NewRecordStore(bus *events.Bus, logger *slog.Logger, collections []domain.Collection) *RecordStore {
	if logger == nil {
		logger = slog.Default()
	}
	live := make(map[domain.Collection]map[string]domain.Record, len(collections))
	for _, c := range collections {
		live[c] = make(map[string]domain.Record)
	}
	return &RecordStore{
		collections: live,
		trash:       make(map[string]domain.TrashEntry),
		bus:         bus,
		logger:      logger.With("component", "RecordStore"),
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// Collections returns the registered collection names.
func (s *RecordStore) Collections() []domain.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Collection, 0, len(s.collections))
	for c := range s.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply performs one mutation against a collection: add inserts if absent,
// update shallow-merges the payload into an existing record (no-op when the
// record is missing), delete removes by id. Unknown collections log a warning
// and are a no-op; Apply never fails. Change events fire after the mutation.
func (s *RecordStore) Apply(collection domain.Collection, op domain.Operation, payload map[string]any, docID string) {
	s.mu.Lock()
	records, ok := s.collections[collection]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("apply on unknown collection", "collection", collection, "op", op, "doc_id", docID)
		return
	}
	now := s.now()
	switch op {
	case domain.OpAdd:
		if _, exists := records[docID]; !exists {
			rec := domain.Record{ID: docID, CreatedAt: now, UpdatedAt: now}
			rec.ApplyPayload(payload)
			records[docID] = rec
		}
	case domain.OpUpdate:
		if rec, exists := records[docID]; exists {
			rec = rec.Clone()
			rec.ApplyPayload(payload)
			rec.UpdatedAt = now
			records[docID] = rec
		}
	case domain.OpDelete:
		delete(records, docID)
	default:
		s.mu.Unlock()
		s.logger.Warn("apply with unknown operation", "collection", collection, "op", op, "doc_id", docID)
		return
	}
	s.mu.Unlock()
	s.notifyChanged(collection)
}

// SnapshotOf returns a deep copy of the record's current state, or the absent
// sentinel when no such record exists.
func (s *RecordStore) SnapshotOf(collection domain.Collection, docID string) domain.RecordSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.collections[collection]
	if !ok {
		return domain.AbsentSnapshot()
	}
	rec, exists := records[docID]
	if !exists {
		return domain.AbsentSnapshot()
	}
	return domain.SnapshotOf(rec)
}

// Restore rewinds a record to a previously captured snapshot: an absent
// snapshot removes the record (undoing an add); a defined snapshot replaces
// the current record or reinserts it if missing (undoing an update or delete).
func (s *RecordStore) Restore(collection domain.Collection, docID string, previous domain.RecordSnapshot) {
	s.mu.Lock()
	records, ok := s.collections[collection]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("restore on unknown collection", "collection", collection, "doc_id", docID)
		return
	}
	if previous.Defined() {
		records[docID] = previous.Record()
	} else {
		delete(records, docID)
	}
	s.mu.Unlock()
	s.notifyChanged(collection)
}

// ReplaceAll swaps a collection's entire contents with the given records, used
// when an authoritative remote pull arrives. No merging happens.
func (s *RecordStore) ReplaceAll(collection domain.Collection, records []domain.Record) {
	s.mu.Lock()
	if _, ok := s.collections[collection]; !ok {
		s.mu.Unlock()
		s.logger.Warn("replace on unknown collection", "collection", collection)
		return
	}
	fresh := make(map[string]domain.Record, len(records))
	for _, rec := range records {
		fresh[rec.ID] = rec.Clone()
	}
	s.collections[collection] = fresh
	s.mu.Unlock()
	s.notifyChanged(collection)
}

// Get returns a deep copy of one record.
func (s *RecordStore) Get(collection domain.Collection, docID string) (domain.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.collections[collection]
	if !ok {
		return domain.Record{}, false
	}
	rec, exists := records[docID]
	if !exists {
		return domain.Record{}, false
	}
	return rec.Clone(), true
}

// List returns deep copies of a collection's records ordered by id.
func (s *RecordStore) List(collection domain.Collection) []domain.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.collections[collection]
	if !ok {
		return nil
	}
	out := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MoveToTrash relocates a tombstoned record from its live collection into the
// trash bucket. Records that are not tombstoned are left in place.
func (s *RecordStore) MoveToTrash(collection domain.Collection, docID string) (domain.TrashEntry, bool) {
	s.mu.Lock()
	records, ok := s.collections[collection]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("trash on unknown collection", "collection", collection, "doc_id", docID)
		return domain.TrashEntry{}, false
	}
	rec, exists := records[docID]
	if !exists || !rec.Deleted {
		s.mu.Unlock()
		return domain.TrashEntry{}, false
	}
	delete(records, docID)
	entry := domain.TrashEntry{ID: docID, Origin: collection, Record: rec.Clone(), DeletedAt: s.now()}
	s.trash[docID] = entry
	s.mu.Unlock()
	s.notifyChanged(collection)
	return entry, true
}

// TrashEntries returns the trash bucket's contents ordered by deletion time.
func (s *RecordStore) TrashEntries() []domain.TrashEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TrashEntry, 0, len(s.trash))
	for _, entry := range s.trash {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt < out[j].DeletedAt })
	return out
}

// Hydrate loads the durable mirror's contents into the live collections.
// Tombstoned rows are skipped: they remain mirror-only until purged. Intended
// for startup, before any caller-visible operation.
func (s *RecordStore) Hydrate(state map[domain.Collection][]domain.Record) {
	var unknown []domain.Collection
	s.mu.Lock()
	for collection, records := range state {
		live, ok := s.collections[collection]
		if !ok {
			unknown = append(unknown, collection)
			continue
		}
		for _, rec := range records {
			if rec.Deleted {
				continue
			}
			live[rec.ID] = rec.Clone()
		}
	}
	s.mu.Unlock()
	for _, collection := range unknown {
		s.logger.Warn("hydrate for unknown collection", "collection", collection)
	}
}

func (s *RecordStore) notifyChanged(collection domain.Collection) {
	if s.bus == nil {
		return
	}
	payload := events.CollectionChanged{Collection: collection}
	s.bus.Publish(events.ChangedTopic(collection), payload)
	s.bus.Publish(events.TopicDataChanged, payload)
}
