package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"carecore/internal/events"
	"carecore/internal/infra/persistence/memory"
	"carecore/pkg/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRemote scripts push verdicts in order and records every push it sees.
type fakeRemote struct {
	mu      sync.Mutex
	results []pushVerdict
	pushes  []domain.MutationRecord
	pulls   map[domain.Collection][]domain.Record
	pullErr error
}

type pushVerdict struct {
	res domain.PushResult
	err error
}

func acceptVerdict() pushVerdict {
	return pushVerdict{res: domain.PushResult{Accepted: true}}
}

func rejectVerdict(code domain.RejectionCode, msg string) pushVerdict {
	return pushVerdict{res: domain.PushResult{Code: code, Message: msg}}
}

func transientVerdict(err error) pushVerdict {
	return pushVerdict{err: err}
}

func (f *fakeRemote) queue(verdicts ...pushVerdict) {
	f.mu.Lock()
	f.results = append(f.results, verdicts...)
	f.mu.Unlock()
}

func (f *fakeRemote) Push(_ context.Context, mut domain.MutationRecord) (domain.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, mut.Clone())
	if len(f.results) == 0 {
		return domain.PushResult{Accepted: true}, nil
	}
	verdict := f.results[0]
	f.results = f.results[1:]
	return verdict.res, verdict.err
}

func (f *fakeRemote) Pull(_ context.Context, collection domain.Collection, _ string) ([]domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return f.pulls[collection], nil
}

func (f *fakeRemote) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

// fixture bundles a fully wired orchestrator over in-memory persistence with
// deterministic ids and clock.
type fixture struct {
	bus    *events.Bus
	store  *RecordStore
	disk   *memory.Store
	remote *fakeRemote
	orch   *Orchestrator
	clock  *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewBus()
	store := NewRecordStore(bus, testLogger(), domain.DefaultCollections())
	disk := memory.NewStore(domain.DefaultCollections())
	require.NoError(t, disk.Init(context.Background()))
	remote := &fakeRemote{pulls: make(map[domain.Collection][]domain.Record)}
	orch := NewOrchestrator(store, disk, disk, remote, bus, testLogger())

	clock := &atomic.Int64{}
	tick := func() int64 { return clock.Add(1) }
	store.now = tick
	orch.now = tick
	disk.SetNowFunc(tick)
	var seq atomic.Int64
	orch.newID = func() string { return fmt.Sprintf("m%d", seq.Add(1)) }
	return &fixture{bus: bus, store: store, disk: disk, remote: remote, orch: orch, clock: clock}
}
