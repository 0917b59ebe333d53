package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"carecore/pkg/domain"
)

func newOpenStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "carecore.db"), domain.DefaultCollections())
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAccessFailsBeforeInitAndAfterClose(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "carecore.db"), domain.DefaultCollections())
	ctx := context.Background()

	_, err := s.Get(ctx, "m1")
	require.ErrorIs(t, err, domain.ErrNotInitialized)

	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Init(ctx), "init is idempotent")
	require.NoError(t, s.Append(ctx, domain.MutationRecord{ID: "m1", Status: domain.StatusPending}))

	require.NoError(t, s.Close())
	_, err = s.Get(ctx, "m1")
	require.ErrorIs(t, err, domain.ErrNotInitialized)
	require.NoError(t, s.Close(), "close after close is a no-op")
}

func TestWALSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carecore.db")
	ctx := context.Background()

	at := int64(99)
	first := NewStore(path, domain.DefaultCollections())
	require.NoError(t, first.Init(ctx))
	require.NoError(t, first.Append(ctx, domain.MutationRecord{
		ID:         "m1",
		Collection: domain.CollectionTasks,
		Op:         domain.OpUpdate,
		DocID:      "t1",
		Payload:    map[string]any{"title": "rounds", "priority": float64(2)},
		Timestamp:  10,
		Status:     domain.StatusPending,
		RetryCount: 3,
		LastAttempt: &at,
	}))
	require.NoError(t, first.Upsert(ctx, domain.CollectionTasks, domain.Record{
		ID: "t1", OwnerID: "nurse-a", Status: "open", Fields: map[string]any{"title": "rounds"},
		CreatedAt: 5, UpdatedAt: 10,
	}))
	require.NoError(t, first.Close())

	second := NewStore(path, domain.DefaultCollections())
	require.NoError(t, second.Init(ctx))
	defer func() { _ = second.Close() }()

	mut, err := second.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.OpUpdate, mut.Op)
	require.Equal(t, domain.StatusPending, mut.Status)
	require.Equal(t, 3, mut.RetryCount)
	require.NotNil(t, mut.LastAttempt)
	require.Equal(t, int64(99), *mut.LastAttempt)
	require.Equal(t, map[string]any{"title": "rounds", "priority": float64(2)}, mut.Payload)

	rec, err := second.GetRecord(ctx, domain.CollectionTasks, "t1")
	require.NoError(t, err)
	require.Equal(t, "nurse-a", rec.OwnerID)
	require.Equal(t, "rounds", rec.Fields["title"])
}

func TestListByStatusOrdersByTimestamp(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()
	for _, mut := range []domain.MutationRecord{
		{ID: "m3", Timestamp: 30, Status: domain.StatusPending},
		{ID: "m1", Timestamp: 10, Status: domain.StatusPending},
		{ID: "m2", Timestamp: 20, Status: domain.StatusSynced},
	} {
		require.NoError(t, s.Append(ctx, mut))
	}

	pending, err := s.ListByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "m1", pending[0].ID)
	require.Equal(t, "m3", pending[1].ID)
}

func TestSetStatusAndIncrementRetry(t *testing.T) {
	s := newOpenStore(t)
	s.SetNowFunc(func() int64 { return 777 })
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, domain.MutationRecord{ID: "m1", Status: domain.StatusPending}))

	require.NoError(t, s.IncrementRetry(ctx, "m1"))
	mut, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 1, mut.RetryCount)
	require.NotNil(t, mut.LastAttempt)
	require.Equal(t, int64(777), *mut.LastAttempt)
	require.Equal(t, domain.StatusPending, mut.Status)

	require.NoError(t, s.SetStatus(ctx, "m1", domain.StatusFailedFatal))
	mut, err = s.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailedFatal, mut.Status)

	require.True(t, domain.IsNotFound(s.SetStatus(ctx, "nope", domain.StatusSynced)))
	require.True(t, domain.IsNotFound(s.IncrementRetry(ctx, "nope")))
}

func TestSweepSyncedHonorsCutoffAndStatus(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()
	for _, mut := range []domain.MutationRecord{
		{ID: "old-synced", Timestamp: 10, Status: domain.StatusSynced},
		{ID: "new-synced", Timestamp: 200, Status: domain.StatusSynced},
		{ID: "old-pending", Timestamp: 10, Status: domain.StatusPending},
	} {
		require.NoError(t, s.Append(ctx, mut))
	}

	removed, err := s.SweepSynced(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = s.Get(ctx, "old-synced")
	require.True(t, domain.IsNotFound(err))
	_, err = s.Get(ctx, "old-pending")
	require.NoError(t, err)
}

func TestEnforceMaxEntriesNeverDropsPending(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()
	seed := []domain.MutationRecord{
		{ID: "p1", Timestamp: 1, Status: domain.StatusPending},
		{ID: "p2", Timestamp: 2, Status: domain.StatusPending},
		{ID: "s1", Timestamp: 3, Status: domain.StatusSynced},
		{ID: "s2", Timestamp: 4, Status: domain.StatusSynced},
		{ID: "f1", Timestamp: 5, Status: domain.StatusFailedFatal},
	}
	for _, mut := range seed {
		require.NoError(t, s.Append(ctx, mut))
	}

	removed, err := s.EnforceMaxEntries(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 3, removed, "synced and failed go, pending stays")

	pending, err := s.ListByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	removed, err = s.EnforceMaxEntries(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestEnforceMaxEntriesEvictsOldestSyncedFirst(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()
	for _, mut := range []domain.MutationRecord{
		{ID: "s-old", Timestamp: 1, Status: domain.StatusSynced},
		{ID: "s-new", Timestamp: 9, Status: domain.StatusSynced},
		{ID: "f-old", Timestamp: 2, Status: domain.StatusFailedFatal},
	} {
		require.NoError(t, s.Append(ctx, mut))
	}

	removed, err := s.EnforceMaxEntries(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = s.Get(ctx, "s-old")
	require.True(t, domain.IsNotFound(err))
	_, err = s.Get(ctx, "f-old")
	require.NoError(t, err, "failed entries are evicted only after synced ones")
}

func TestMirrorFindersUseIndexedColumns(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, domain.CollectionPatients, domain.Record{
		ID: "p1", OwnerID: "dr-a", Status: "admitted", Fields: map[string]any{"mrn": "A100"},
	}))
	require.NoError(t, s.Upsert(ctx, domain.CollectionPatients, domain.Record{
		ID: "p2", OwnerID: "dr-b", Status: "admitted", Deleted: true,
	}))
	require.NoError(t, s.Upsert(ctx, domain.CollectionPatients, domain.Record{
		ID: "p1", OwnerID: "dr-a", Status: "discharged", Fields: map[string]any{"mrn": "A100"},
	}))

	byOwner, err := s.FindByOwner(ctx, domain.CollectionPatients, "dr-a")
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	require.Equal(t, "discharged", byOwner[0].Status)
	require.Equal(t, "A100", byOwner[0].Fields["mrn"])

	byStatus, err := s.FindByStatus(ctx, domain.CollectionPatients, "admitted")
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, "p2", byStatus[0].ID)

	deleted, err := s.FindDeleted(ctx, domain.CollectionPatients)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	require.Equal(t, "p2", deleted[0].ID)

	_, err = s.GetAll(ctx, domain.Collection("ghosts"))
	require.True(t, domain.IsNotFound(err))
}

func TestReplaceAllSwapsCollection(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, domain.CollectionUnits, domain.Record{ID: "u1"}))
	require.NoError(t, s.Upsert(ctx, domain.CollectionUnits, domain.Record{ID: "u2"}))

	require.NoError(t, s.ReplaceAll(ctx, domain.CollectionUnits, []domain.Record{
		{ID: "u9", OwnerID: "hospital-1"},
	}))

	all, err := s.GetAll(ctx, domain.CollectionUnits)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "u9", all[0].ID)
}

func TestDeleteRemovesRow(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, domain.CollectionTasks, domain.Record{ID: "t1"}))
	require.NoError(t, s.Delete(ctx, domain.CollectionTasks, "t1"))
	_, err := s.GetRecord(ctx, domain.CollectionTasks, "t1")
	require.True(t, domain.IsNotFound(err))
	require.True(t, domain.IsNotFound(s.Delete(ctx, domain.CollectionTasks, "t1")))
}

func TestLoadAllCoversEveryCollection(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, domain.CollectionUnits, domain.Record{ID: "u1"}))

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(domain.DefaultCollections()))
	require.Len(t, all[domain.CollectionUnits], 1)
	require.Empty(t, all[domain.CollectionPatients])
}

func TestTrashRoundTripAndPurge(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddTrash(ctx, domain.TrashEntry{
		ID: "p1", Origin: domain.CollectionPatients,
		Record:    domain.Record{ID: "p1", Fields: map[string]any{"mrn": "A100"}},
		DeletedAt: 50,
	}))
	require.NoError(t, s.AddTrash(ctx, domain.TrashEntry{
		ID: "t1", Origin: domain.CollectionTasks, Record: domain.Record{ID: "t1"}, DeletedAt: 10,
	}))

	all, err := s.ListTrash(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "t1", all[0].ID, "trash is ordered by deletion time")
	require.Equal(t, "A100", all[1].Record.Fields["mrn"])

	patientsOnly, err := s.ListTrash(ctx, domain.CollectionPatients)
	require.NoError(t, err)
	require.Len(t, patientsOnly, 1)

	purged, err := s.PurgeTrash(ctx, 20)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
}

func TestMetaRoundTrip(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()
	_, err := s.GetMeta(ctx, "schema_version")
	require.True(t, domain.IsNotFound(err))

	require.NoError(t, s.SetMeta(ctx, "schema_version", "1"))
	require.NoError(t, s.SetMeta(ctx, "schema_version", "2"))
	v, err := s.GetMeta(ctx, "schema_version")
	require.NoError(t, err)
	require.Equal(t, "2", v)
}
