package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"carecore/internal/infra/persistence/postgres/testutil"
	"carecore/pkg/domain"
)

func newStubStore(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)

	s := NewStore("postgres://stub/carecore", domain.DefaultCollections())
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s, conn
}

func TestAccessFailsBeforeInit(t *testing.T) {
	s := NewStore("", domain.DefaultCollections())
	_, err := s.Get(context.Background(), "m1")
	require.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestInitAppliesSchema(t *testing.T) {
	_, conn := newStubStore(t)

	stmts := strings.Join(conn.ExecStatements(), "\n")
	require.Contains(t, stmts, "CREATE TABLE IF NOT EXISTS wal")
	require.Contains(t, stmts, "CREATE TABLE IF NOT EXISTS trash")
	require.Contains(t, stmts, "CREATE TABLE IF NOT EXISTS meta")
	for _, collection := range domain.DefaultCollections() {
		require.Contains(t, stmts, "CREATE TABLE IF NOT EXISTS records_"+string(collection))
		require.Contains(t, stmts, "idx_records_"+string(collection)+"_owner")
	}
}

func TestInitPingFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()

	s := NewStore("", domain.DefaultCollections())
	err := s.Init(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "ping postgres")
}

func TestAppendBindsAllColumns(t *testing.T) {
	s, conn := newStubStore(t)
	at := int64(42)
	require.NoError(t, s.Append(context.Background(), domain.MutationRecord{
		ID:          "m1",
		Collection:  domain.CollectionTasks,
		Op:          domain.OpAdd,
		DocID:       "t1",
		Payload:     map[string]any{"title": "rounds"},
		Timestamp:   10,
		Status:      domain.StatusPending,
		RetryCount:  1,
		LastAttempt: &at,
	}))

	last := conn.Execs[len(conn.Execs)-1]
	require.Contains(t, last.Query, "INSERT INTO wal")
	require.Contains(t, last.Query, "$9")
	require.Len(t, last.Args, 9)
	require.Equal(t, "m1", last.Args[0])
	require.Equal(t, "pending", last.Args[6])
	require.Equal(t, int64(42), last.Args[8])
}

func TestGetDecodesRow(t *testing.T) {
	s, conn := newStubStore(t)
	conn.QueueRows(
		[]string{"id", "collection", "op", "doc_id", "payload", "ts", "status", "retry_count", "last_attempt"},
		[]driver.Value{"m1", "tasks", "update", "t1", []byte(`{"title":"rounds"}`), int64(10), "pending", int64(2), int64(99)},
	)

	mut, err := s.Get(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, domain.CollectionTasks, mut.Collection)
	require.Equal(t, domain.OpUpdate, mut.Op)
	require.Equal(t, "rounds", mut.Payload["title"])
	require.Equal(t, 2, mut.RetryCount)
	require.NotNil(t, mut.LastAttempt)
	require.Equal(t, int64(99), *mut.LastAttempt)
}

func TestGetMissingRowIsNotFound(t *testing.T) {
	s, _ := newStubStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.True(t, domain.IsNotFound(err))
}

func TestSetStatusZeroRowsIsNotFound(t *testing.T) {
	s, conn := newStubStore(t)
	conn.ExecAffected = 0
	require.True(t, domain.IsNotFound(s.SetStatus(context.Background(), "nope", domain.StatusSynced)))
	require.True(t, domain.IsNotFound(s.IncrementRetry(context.Background(), "nope")))
}

func TestListByStatusDecodesRows(t *testing.T) {
	s, conn := newStubStore(t)
	conn.QueueRows(
		[]string{"id", "collection", "op", "doc_id", "payload", "ts", "status", "retry_count", "last_attempt"},
		[]driver.Value{"m1", "tasks", "add", "t1", []byte(`{}`), int64(10), "pending", int64(0), nil},
		[]driver.Value{"m2", "tasks", "add", "t2", []byte(`{}`), int64(20), "pending", int64(0), nil},
	)

	pending, err := s.ListByStatus(context.Background(), domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "m1", pending[0].ID)

	last := conn.Queries[len(conn.Queries)-1]
	require.Contains(t, last.Query, "ORDER BY ts, id")
	require.Equal(t, []driver.Value{"pending"}, last.Args)
}

func TestEnforceMaxEntriesDeletesByStatusTier(t *testing.T) {
	s, conn := newStubStore(t)
	conn.QueueRows([]string{"count"}, []driver.Value{int64(5)})
	conn.ExecAffected = 2

	removed, err := s.EnforceMaxEntries(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 4, removed)

	deletes := conn.Execs[len(conn.Execs)-2:]
	require.Equal(t, []driver.Value{"synced", int64(4)}, deletes[0].Args)
	require.Equal(t, []driver.Value{"failed_fatal", int64(2)}, deletes[1].Args)
}

func TestEnforceMaxEntriesUnderCapIsNoop(t *testing.T) {
	s, conn := newStubStore(t)
	conn.QueueRows([]string{"count"}, []driver.Value{int64(3)})
	execsBefore := len(conn.Execs)

	removed, err := s.EnforceMaxEntries(context.Background(), 10)
	require.NoError(t, err)
	require.Zero(t, removed)
	require.Len(t, conn.Execs, execsBefore)
}

func TestUpsertTargetsCollectionTable(t *testing.T) {
	s, conn := newStubStore(t)
	require.NoError(t, s.Upsert(context.Background(), domain.CollectionPatients, domain.Record{
		ID: "p1", OwnerID: "dr-a", Status: "admitted", Deleted: true, UpdatedAt: 7,
	}))

	last := conn.Execs[len(conn.Execs)-1]
	require.Contains(t, last.Query, "INSERT INTO records_patients")
	require.Contains(t, last.Query, "ON CONFLICT(id) DO UPDATE")
	require.Equal(t, "dr-a", last.Args[2])
	require.Equal(t, true, last.Args[4])

	err := s.Upsert(context.Background(), domain.Collection("ghosts"), domain.Record{ID: "x"})
	require.True(t, domain.IsNotFound(err))
}

func TestFindersFilterOnIndexedColumns(t *testing.T) {
	s, conn := newStubStore(t)
	conn.QueueRows([]string{"payload"}, []driver.Value{[]byte(`{"id":"p1","owner_id":"dr-a"}`)})

	recs, err := s.FindByOwner(context.Background(), domain.CollectionPatients, "dr-a")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "p1", recs[0].ID)

	last := conn.Queries[len(conn.Queries)-1]
	require.Contains(t, last.Query, "WHERE owner_id = $1")

	conn.QueueRows([]string{"payload"})
	_, err = s.FindDeleted(context.Background(), domain.CollectionPatients)
	require.NoError(t, err)
	last = conn.Queries[len(conn.Queries)-1]
	require.Contains(t, last.Query, "WHERE deleted = TRUE")
}

func TestReplaceAllRunsInTransaction(t *testing.T) {
	s, conn := newStubStore(t)
	require.NoError(t, s.ReplaceAll(context.Background(), domain.CollectionUnits, []domain.Record{{ID: "u1"}}))

	stmts := conn.ExecStatements()
	require.Contains(t, stmts[len(stmts)-2], "DELETE FROM records_units")
	require.Contains(t, stmts[len(stmts)-1], "INSERT INTO records_units")
}

func TestReplaceAllCommitFailure(t *testing.T) {
	s, conn := newStubStore(t)
	conn.FailCommit = true
	err := s.ReplaceAll(context.Background(), domain.CollectionUnits, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "commit replace")
}

func TestMetaRoundTrip(t *testing.T) {
	s, conn := newStubStore(t)
	require.NoError(t, s.SetMeta(context.Background(), "schema_version", "1"))

	conn.QueueRows([]string{"value"}, []driver.Value{"1"})
	v, err := s.GetMeta(context.Background(), "schema_version")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	_, err = s.GetMeta(context.Background(), "missing")
	require.True(t, domain.IsNotFound(err))
}

func TestExecErrorsAreWrapped(t *testing.T) {
	s, conn := newStubStore(t)
	conn.FailExec = errors.New("boom")
	err := s.Append(context.Background(), domain.MutationRecord{ID: "m1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "append wal entry")
}
