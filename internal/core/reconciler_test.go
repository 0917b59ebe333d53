package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"carecore/pkg/domain"
)

func newTestReconciler(f *fixture) *Reconciler {
	rec := NewReconciler(f.orch, ReconcilerConfig{
		Interval:       time.Hour,
		BackoffInitial: 100 * time.Millisecond,
		BackoffMax:     time.Second,
	}, testLogger())
	rec.now = f.orch.now
	return rec
}

func TestRunOncePushesPendingEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.queue(transientVerdict(errors.New("offline")))

	id, err := f.orch.Mutate(ctx, domain.CollectionTasks, domain.OpAdd, map[string]any{"title": "rounds"}, "t1")
	require.NoError(t, err)
	f.orch.WaitIdle()

	mut, _ := f.disk.Get(ctx, id)
	require.Equal(t, 1, mut.RetryCount)

	rec := newTestReconciler(f)
	// Force the clock past the backoff window of the first retry.
	f.clock.Add((200 * time.Millisecond).Milliseconds())
	attempted := rec.RunOnce(ctx)
	require.Equal(t, 1, attempted)

	mut, err = f.disk.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSynced, mut.Status)
}

func TestRunOnceRespectsBackoffWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.queue(transientVerdict(errors.New("offline")))

	_, err := f.orch.Mutate(ctx, domain.CollectionTasks, domain.OpAdd, map[string]any{"title": "rounds"}, "t1")
	require.NoError(t, err)
	f.orch.WaitIdle()
	pushesBefore := f.remote.pushCount()

	rec := newTestReconciler(f)
	// Clock has barely advanced: the entry is still inside its backoff window.
	attempted := rec.RunOnce(ctx)
	require.Zero(t, attempted)
	require.Equal(t, pushesBefore, f.remote.pushCount())
}

func TestRunOnceOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.queue(transientVerdict(errors.New("offline")))

	_, err := f.orch.Mutate(ctx, domain.CollectionTasks, domain.OpAdd, map[string]any{"n": 1}, "t1")
	require.NoError(t, err)
	f.orch.WaitIdle()
	// The update's immediate push defers behind the still-pending add.
	_, err = f.orch.Mutate(ctx, domain.CollectionTasks, domain.OpUpdate, map[string]any{"n": 2}, "t1")
	require.NoError(t, err)
	f.orch.WaitIdle()

	f.remote.mu.Lock()
	f.remote.pushes = nil
	f.remote.mu.Unlock()

	rec := newTestReconciler(f)
	f.clock.Add(time.Hour.Milliseconds())
	require.Equal(t, 2, rec.RunOnce(ctx))

	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	require.Len(t, f.remote.pushes, 2)
	require.Equal(t, domain.OpAdd, f.remote.pushes[0].Op, "older mutation must be pushed first")
	require.Equal(t, domain.OpUpdate, f.remote.pushes[1].Op)
}

func TestStaleRetryCannotOvertakeNewerMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.queue(transientVerdict(errors.New("timeout")))

	id1, err := f.orch.Mutate(ctx, domain.CollectionTasks, domain.OpAdd, map[string]any{"n": 1}, "t1")
	require.NoError(t, err)
	f.orch.WaitIdle()
	id2, err := f.orch.Mutate(ctx, domain.CollectionTasks, domain.OpUpdate, map[string]any{"n": 2}, "t1")
	require.NoError(t, err)
	f.orch.WaitIdle()

	// The newer mutation must not reach the remote while the older one for
	// the same document is still pending; otherwise a later retry of the old
	// entry would be applied after the new one.
	require.Equal(t, 1, f.remote.pushCount())
	mut2, err := f.disk.Get(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, mut2.Status)
	require.Zero(t, mut2.RetryCount, "a deferred push is not a failed attempt")

	rec := newTestReconciler(f)
	f.clock.Add(time.Hour.Milliseconds())
	require.Equal(t, 2, rec.RunOnce(ctx))

	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	require.Len(t, f.remote.pushes, 3)
	last := f.remote.pushes[len(f.remote.pushes)-1]
	require.Equal(t, domain.OpUpdate, last.Op, "newest intent must be the last one the remote applies")
	require.Equal(t, 2, last.Payload["n"])

	for _, id := range []string{id1, id2} {
		mut, err := f.disk.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusSynced, mut.Status)
	}
}

func TestDelayForGrowsAndCaps(t *testing.T) {
	f := newFixture(t)
	rec := newTestReconciler(f)

	require.Zero(t, rec.delayFor(0))
	first := rec.delayFor(1)
	second := rec.delayFor(2)
	require.Greater(t, second, first)
	require.LessOrEqual(t, rec.delayFor(50), time.Second, "delay must cap at the configured max")
}

func TestRefreshReplacesCollectionAndMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.Apply(domain.CollectionUnits, domain.OpAdd, map[string]any{"ward": "stale"}, "u1")
	require.NoError(t, f.disk.Upsert(ctx, domain.CollectionUnits, domain.Record{ID: "u1"}))

	f.remote.pulls[domain.CollectionUnits] = []domain.Record{
		{ID: "u2", Fields: map[string]any{"ward": "ER"}},
	}

	rec := newTestReconciler(f)
	require.NoError(t, rec.Refresh(ctx, domain.CollectionUnits, "hospital-1"))

	_, ok := f.store.Get(domain.CollectionUnits, "u1")
	require.False(t, ok)
	fresh, ok := f.store.Get(domain.CollectionUnits, "u2")
	require.True(t, ok)
	require.Equal(t, "ER", fresh.Fields["ward"])

	mirrored, err := f.disk.GetAll(ctx, domain.CollectionUnits)
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	require.Equal(t, "u2", mirrored[0].ID)
}

func TestRefreshPullError(t *testing.T) {
	f := newFixture(t)
	f.remote.pullErr = errors.New("unreachable")
	rec := newTestReconciler(f)
	require.Error(t, rec.Refresh(context.Background(), domain.CollectionUnits, ""))
}

func TestReconcilerStartStop(t *testing.T) {
	f := newFixture(t)
	rec := newTestReconciler(f)
	rec.Start()
	rec.Stop()
}
