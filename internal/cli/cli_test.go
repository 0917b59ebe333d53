package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"carecore/internal/infra/persistence/sqlite"
	"carecore/pkg/domain"
)

// seedStore creates a sqlite store with a few WAL entries and returns a
// config file pointing at it.
func seedStore(t *testing.T, muts ...domain.MutationRecord) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "carecore.db")

	disk := sqlite.NewStore(dbPath, domain.DefaultCollections())
	ctx := context.Background()
	require.NoError(t, disk.Init(ctx))
	for _, mut := range muts {
		require.NoError(t, disk.Append(ctx, mut))
	}
	require.NoError(t, disk.Close())

	cfgPath := filepath.Join(dir, "carecore.yaml")
	doc := fmt.Sprintf("storage:\n  driver: sqlite\n  path: %s\narchive:\n  driver: fs\n  root: %s\n",
		dbPath, filepath.Join(dir, "archive"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o600))
	return cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestListShowsPendingEntries(t *testing.T) {
	cfgPath := seedStore(t,
		domain.MutationRecord{
			ID: "m1", Collection: domain.CollectionPatients, Op: domain.OpAdd, DocID: "p1",
			Payload: map[string]any{"mrn": "A100"}, Timestamp: 1000, Status: domain.StatusPending,
		},
		domain.MutationRecord{
			ID: "m2", Collection: domain.CollectionTasks, Op: domain.OpDelete, DocID: "t1",
			Timestamp: 2000, Status: domain.StatusSynced,
		},
	)

	out, err := execute(t, "--config", cfgPath, "list")
	require.NoError(t, err)
	require.Contains(t, out, "m1")
	require.NotContains(t, out, "m2", "default listing is pending only")

	out, err = execute(t, "--config", cfgPath, "list", "--status", "all")
	require.NoError(t, err)
	require.Contains(t, out, "m1")
	require.Contains(t, out, "m2")
}

func TestListJSONOutput(t *testing.T) {
	cfgPath := seedStore(t, domain.MutationRecord{
		ID: "m1", Collection: domain.CollectionPatients, Op: domain.OpAdd, DocID: "p1",
		Timestamp: 1000, Status: domain.StatusPending,
	})

	out, err := execute(t, "--config", cfgPath, "--format", "json", "list")
	require.NoError(t, err)
	var entries []domain.MutationRecord
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "m1", entries[0].ID)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	cfgPath := seedStore(t)
	_, err := execute(t, "--config", cfgPath, "list", "--status", "done")
	require.ErrorContains(t, err, "unknown status")
}

func TestShowPrintsEntryDetails(t *testing.T) {
	last := int64(5000)
	cfgPath := seedStore(t, domain.MutationRecord{
		ID: "m1", Collection: domain.CollectionPatients, Op: domain.OpUpdate, DocID: "p1",
		Payload: map[string]any{"status": "discharged"}, Timestamp: 1000,
		Status: domain.StatusPending, RetryCount: 2, LastAttempt: &last,
	})

	out, err := execute(t, "--config", cfgPath, "show", "m1")
	require.NoError(t, err)
	require.Contains(t, out, "patients/p1")
	require.Contains(t, out, "retries:     2")
	require.Contains(t, out, "discharged")

	_, err = execute(t, "--config", cfgPath, "show", "missing")
	require.Error(t, err)
	require.True(t, domain.IsNotFound(err))
}

func TestSweepRemovesExpiredSyncedEntries(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	cfgPath := seedStore(t,
		domain.MutationRecord{ID: "m1", Timestamp: old, Status: domain.StatusSynced},
		domain.MutationRecord{ID: "m2", Timestamp: old, Status: domain.StatusPending},
	)
	doc, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	doc = append(doc, []byte("retention:\n  max_age: 24h\n")...)
	require.NoError(t, os.WriteFile(cfgPath, doc, 0o600))

	out, err := execute(t, "--config", cfgPath, "sweep")
	require.NoError(t, err)
	require.Contains(t, out, "swept 1")

	out, err = execute(t, "--config", cfgPath, "list", "--status", "all")
	require.NoError(t, err)
	require.NotContains(t, out, "m1")
	require.Contains(t, out, "m2", "pending entries survive the sweep")
}

func TestArchiveExportsFailedEntries(t *testing.T) {
	cfgPath := seedStore(t, domain.MutationRecord{
		ID: "m1", Collection: domain.CollectionTasks, Op: domain.OpAdd, DocID: "t1",
		Timestamp: 1000, Status: domain.StatusFailedFatal,
	})

	out, err := execute(t, "--config", cfgPath, "archive")
	require.NoError(t, err)
	require.Contains(t, out, "wal/failed/m1.json")

	out, err = execute(t, "--config", cfgPath, "archive")
	require.NoError(t, err)
	require.Contains(t, out, "nothing to export")
}

func TestRootRejectsInvalidFormat(t *testing.T) {
	cfgPath := seedStore(t)
	_, err := execute(t, "--config", cfgPath, "--format", "xml", "list")
	require.ErrorContains(t, err, "invalid format")
}
