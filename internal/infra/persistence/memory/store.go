// Package memory provides an in-memory implementation of the durable store
// contracts, used for tests and ephemeral environments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"carecore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*Store)(nil)

// Store keeps the log, mirror, trash, and meta tables in process memory with
// the same semantics as the durable backends, including the
// not-initialized-before-Init failure mode.
type Store struct {
	mu          sync.RWMutex
	ready       bool
	collections []domain.Collection
	wal         map[string]domain.MutationRecord
	records     map[domain.Collection]map[string]domain.Record
	trash       map[string]domain.TrashEntry
	meta        map[string]string
	now         func() int64
}

// NewStore constructs an unopened store for the given collections.
func NewStore(collections []domain.Collection) *Store {
	return &Store{
		collections: append([]domain.Collection(nil), collections...),
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc overrides the clock used for last-attempt stamps. Intended for
// tests that need deterministic timing.
func (s *Store) SetNowFunc(fn func() int64) {
	s.mu.Lock()
	s.now = fn
	s.mu.Unlock()
}

// Init makes the store ready for reads and writes.
func (s *Store) Init(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	s.wal = make(map[string]domain.MutationRecord)
	s.records = make(map[domain.Collection]map[string]domain.Record, len(s.collections))
	for _, c := range s.collections {
		s.records[c] = make(map[string]domain.Record)
	}
	s.trash = make(map[string]domain.TrashEntry)
	s.meta = make(map[string]string)
	s.ready = true
	return nil
}

// Close is a no-op; state survives until the store is garbage collected.
func (s *Store) Close() error { return nil }

func (s *Store) collectionMap(collection domain.Collection) (map[string]domain.Record, error) {
	recs, ok := s.records[collection]
	if !ok {
		return nil, domain.ErrNotFound{Kind: "collection", ID: string(collection)}
	}
	return recs, nil
}

// Append implements domain.LogStore.
func (s *Store) Append(_ context.Context, mutation domain.MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return domain.ErrNotInitialized
	}
	s.wal[mutation.ID] = mutation.Clone()
	return nil
}

// Get implements domain.LogStore.
func (s *Store) Get(_ context.Context, id string) (domain.MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return domain.MutationRecord{}, domain.ErrNotInitialized
	}
	mut, ok := s.wal[id]
	if !ok {
		return domain.MutationRecord{}, domain.ErrNotFound{Kind: "wal entry", ID: id}
	}
	return mut.Clone(), nil
}

// ListByStatus implements domain.LogStore; results are ordered by timestamp.
func (s *Store) ListByStatus(_ context.Context, status domain.MutationStatus) ([]domain.MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, domain.ErrNotInitialized
	}
	var out []domain.MutationRecord
	for _, mut := range s.wal {
		if mut.Status == status {
			out = append(out, mut.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

// SetStatus implements domain.LogStore.
func (s *Store) SetStatus(_ context.Context, id string, status domain.MutationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return domain.ErrNotInitialized
	}
	mut, ok := s.wal[id]
	if !ok {
		return domain.ErrNotFound{Kind: "wal entry", ID: id}
	}
	at := s.now()
	mut.Status = status
	mut.LastAttempt = &at
	s.wal[id] = mut
	return nil
}

// IncrementRetry implements domain.LogStore.
func (s *Store) IncrementRetry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return domain.ErrNotInitialized
	}
	mut, ok := s.wal[id]
	if !ok {
		return domain.ErrNotFound{Kind: "wal entry", ID: id}
	}
	at := s.now()
	mut.RetryCount++
	mut.LastAttempt = &at
	s.wal[id] = mut
	return nil
}

// SweepSynced implements domain.LogStore.
func (s *Store) SweepSynced(_ context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0, domain.ErrNotInitialized
	}
	removed := 0
	for id, mut := range s.wal {
		if mut.Status == domain.StatusSynced && mut.Timestamp < cutoff {
			delete(s.wal, id)
			removed++
		}
	}
	return removed, nil
}

// EnforceMaxEntries implements domain.LogStore. Oldest synced entries go
// first, then oldest failed entries; pending entries are never removed.
func (s *Store) EnforceMaxEntries(_ context.Context, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0, domain.ErrNotInitialized
	}
	excess := len(s.wal) - max
	if excess <= 0 {
		return 0, nil
	}
	removed := 0
	for _, status := range []domain.MutationStatus{domain.StatusSynced, domain.StatusFailedFatal} {
		if excess <= 0 {
			break
		}
		var candidates []domain.MutationRecord
		for _, mut := range s.wal {
			if mut.Status == status {
				candidates = append(candidates, mut)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Timestamp == candidates[j].Timestamp {
				return candidates[i].ID < candidates[j].ID
			}
			return candidates[i].Timestamp < candidates[j].Timestamp
		})
		for _, mut := range candidates {
			if excess <= 0 {
				break
			}
			delete(s.wal, mut.ID)
			removed++
			excess--
		}
	}
	return removed, nil
}

// Upsert implements domain.MirrorStore.
func (s *Store) Upsert(_ context.Context, collection domain.Collection, record domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return domain.ErrNotInitialized
	}
	recs, err := s.collectionMap(collection)
	if err != nil {
		return err
	}
	recs[record.ID] = record.Clone()
	return nil
}

// GetRecord retrieves one mirrored record.
func (s *Store) GetRecord(_ context.Context, collection domain.Collection, id string) (domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return domain.Record{}, domain.ErrNotInitialized
	}
	recs, err := s.collectionMap(collection)
	if err != nil {
		return domain.Record{}, err
	}
	rec, ok := recs[id]
	if !ok {
		return domain.Record{}, domain.ErrNotFound{Kind: "record", ID: id}
	}
	return rec.Clone(), nil
}

// GetAll implements domain.MirrorStore; results are ordered by id.
func (s *Store) GetAll(_ context.Context, collection domain.Collection) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, domain.ErrNotInitialized
	}
	recs, err := s.collectionMap(collection)
	if err != nil {
		return nil, err
	}
	return sortedRecords(recs, func(domain.Record) bool { return true }), nil
}

// Delete implements domain.MirrorStore: the row is removed entirely.
func (s *Store) Delete(_ context.Context, collection domain.Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return domain.ErrNotInitialized
	}
	recs, err := s.collectionMap(collection)
	if err != nil {
		return err
	}
	if _, ok := recs[id]; !ok {
		return domain.ErrNotFound{Kind: "record", ID: id}
	}
	delete(recs, id)
	return nil
}

// FindByOwner implements domain.MirrorStore.
func (s *Store) FindByOwner(_ context.Context, collection domain.Collection, ownerID string) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, domain.ErrNotInitialized
	}
	recs, err := s.collectionMap(collection)
	if err != nil {
		return nil, err
	}
	return sortedRecords(recs, func(r domain.Record) bool { return r.OwnerID == ownerID }), nil
}

// FindByStatus implements domain.MirrorStore.
func (s *Store) FindByStatus(_ context.Context, collection domain.Collection, status string) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, domain.ErrNotInitialized
	}
	recs, err := s.collectionMap(collection)
	if err != nil {
		return nil, err
	}
	return sortedRecords(recs, func(r domain.Record) bool { return r.Status == status }), nil
}

// FindDeleted implements domain.MirrorStore.
func (s *Store) FindDeleted(_ context.Context, collection domain.Collection) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, domain.ErrNotInitialized
	}
	recs, err := s.collectionMap(collection)
	if err != nil {
		return nil, err
	}
	return sortedRecords(recs, func(r domain.Record) bool { return r.Deleted }), nil
}

// ReplaceAll implements domain.MirrorStore.
func (s *Store) ReplaceAll(_ context.Context, collection domain.Collection, records []domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return domain.ErrNotInitialized
	}
	if _, err := s.collectionMap(collection); err != nil {
		return err
	}
	fresh := make(map[string]domain.Record, len(records))
	for _, rec := range records {
		fresh[rec.ID] = rec.Clone()
	}
	s.records[collection] = fresh
	return nil
}

// LoadAll implements domain.MirrorStore.
func (s *Store) LoadAll(_ context.Context) (map[domain.Collection][]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, domain.ErrNotInitialized
	}
	out := make(map[domain.Collection][]domain.Record, len(s.records))
	for collection, recs := range s.records {
		out[collection] = sortedRecords(recs, func(domain.Record) bool { return true })
	}
	return out, nil
}

// AddTrash implements domain.TrashStore.
func (s *Store) AddTrash(_ context.Context, entry domain.TrashEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return domain.ErrNotInitialized
	}
	entry.Record = entry.Record.Clone()
	s.trash[entry.ID] = entry
	return nil
}

// ListTrash implements domain.TrashStore; results are ordered by deletion time.
func (s *Store) ListTrash(_ context.Context, origin domain.Collection) ([]domain.TrashEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, domain.ErrNotInitialized
	}
	var out []domain.TrashEntry
	for _, entry := range s.trash {
		if origin == "" || entry.Origin == origin {
			e := entry
			e.Record = entry.Record.Clone()
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeletedAt == out[j].DeletedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].DeletedAt < out[j].DeletedAt
	})
	return out, nil
}

// PurgeTrash implements domain.TrashStore.
func (s *Store) PurgeTrash(_ context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0, domain.ErrNotInitialized
	}
	removed := 0
	for id, entry := range s.trash {
		if entry.DeletedAt < cutoff {
			delete(s.trash, id)
			removed++
		}
	}
	return removed, nil
}

// GetMeta implements domain.MetaStore.
func (s *Store) GetMeta(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return "", domain.ErrNotInitialized
	}
	value, ok := s.meta[key]
	if !ok {
		return "", domain.ErrNotFound{Kind: "meta key", ID: key}
	}
	return value, nil
}

// SetMeta implements domain.MetaStore.
func (s *Store) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return domain.ErrNotInitialized
	}
	s.meta[key] = value
	return nil
}

func sortedRecords(recs map[string]domain.Record, keep func(domain.Record) bool) []domain.Record {
	var out []domain.Record
	for _, rec := range recs {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
