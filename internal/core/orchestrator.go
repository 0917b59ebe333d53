package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"carecore/internal/events"
	"carecore/pkg/domain"
)

// ErrDocIDRequired reports a mutation without a target document id.
var ErrDocIDRequired = errors.New("doc id required")

// ErrUnknownCollection reports a mutation aimed at a collection the store
// does not hold.
type ErrUnknownCollection struct {
	Collection domain.Collection
}

func (e ErrUnknownCollection) Error() string {
	return fmt.Sprintf("unknown collection %s", e.Collection)
}

// ErrInvalidOperation reports an unsupported mutation operation.
type ErrInvalidOperation struct {
	Op domain.Operation
}

func (e ErrInvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation %q", e.Op)
}

// Orchestrator coordinates a mutation through optimistic apply, durable log
// append, durable mirror write, and detached remote sync with
// rollback-on-rejection. Mutate returns once both durability writes finish;
// it never blocks on network I/O.
type Orchestrator struct {
	store   *RecordStore
	wal     domain.LogStore
	mirror  domain.MirrorStore
	remote  domain.RemoteService
	bus     *events.Bus
	logger  *slog.Logger
	metrics MetricsRecorder
	tracer  Tracer

	locksMu  sync.Mutex
	docLocks map[string]*sync.Mutex

	snapsMu sync.Mutex
	snaps   map[string]domain.RecordSnapshot

	statusMu sync.Mutex
	status   domain.SyncStatus

	tsMu   sync.Mutex
	lastTS int64

	inflight sync.WaitGroup
	now      func() int64
	newID    func() string
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithMetrics installs a metrics recorder.
func WithMetrics(rec MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = rec }
}

// WithTracer installs a tracer.
func WithTracer(tr Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tr }
}

// NewOrchestrator wires the orchestrator to its collaborators. The store must
// already be hydrated; the remote service may be nil, in which case every
// push is treated as a transient failure (fully offline operation).
func NewOrchestrator(store *RecordStore, wal domain.LogStore, mirror domain.MirrorStore, remote domain.RemoteService, bus *events.Bus, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:    store,
		wal:      wal,
		mirror:   mirror,
		remote:   remote,
		bus:      bus,
		logger:   logger.With("component", "Orchestrator"),
		metrics:  NoopMetricsRecorder{},
		tracer:   NoopTracer{},
		docLocks: make(map[string]*sync.Mutex),
		snaps:    make(map[string]domain.RecordSnapshot),
		status:   domain.SyncDisconnected,
		now:      func() int64 { return time.Now().UnixMilli() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Mutate applies one change. The sequence is: capture snapshot, apply
// optimistically, append to the WAL, write the mirror, return. The remote
// push happens on a detached goroutine afterwards. A durability failure rolls
// the optimistic change back and propagates; remote failures never do.
func (o *Orchestrator) Mutate(ctx context.Context, collection domain.Collection, op domain.Operation, payload map[string]any, docID string) (mutationID string, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "mutate")
	defer func() {
		span.End(err)
		o.metrics.Observe(ctx, "mutate."+string(op), err == nil, time.Since(start))
	}()

	if !op.Valid() {
		return "", ErrInvalidOperation{Op: op}
	}
	if docID == "" {
		return "", ErrDocIDRequired
	}
	if !o.knownCollection(collection) {
		return "", ErrUnknownCollection{Collection: collection}
	}

	id := o.newID()
	ts := o.nextTimestamp()
	previous := o.store.SnapshotOf(collection, docID)
	o.store.Apply(collection, op, payload, docID)

	mut := domain.MutationRecord{
		ID:         id,
		Collection: collection,
		Op:         op,
		DocID:      docID,
		Payload:    domain.ClonePayload(payload),
		Timestamp:  ts,
		Status:     domain.StatusPending,
	}
	if aerr := o.wal.Append(ctx, mut); aerr != nil {
		o.store.Restore(collection, docID, previous)
		return "", fmt.Errorf("append wal: %w", aerr)
	}
	if merr := o.mirrorApply(ctx, mut, previous); merr != nil {
		o.store.Restore(collection, docID, previous)
		// The entry is already durable but the caller is being told the
		// mutation failed; poison it so it is never pushed.
		if serr := o.wal.SetStatus(ctx, id, domain.StatusFailedFatal); serr != nil {
			o.logger.Error("poison wal entry after mirror failure", "mutation_id", id, "error", serr)
		}
		return "", fmt.Errorf("mirror write: %w", merr)
	}

	o.rememberSnapshot(id, previous)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		// Detached: the caller has already returned, so the push runs on a
		// fresh context and reports only through WAL state and events.
		o.Push(context.Background(), mut)
	}()
	return id, nil
}

// Push submits one pending mutation to the remote service and resolves the
// outcome: accepted, terminal rejection (rollback), or transient failure
// (retry later). Pushes targeting the same document are serialized. Errors
// never escape; every outcome is recorded in the WAL.
func (o *Orchestrator) Push(ctx context.Context, mut domain.MutationRecord) {
	lock := o.docLock(string(mut.Collection) + "/" + mut.DocID)
	lock.Lock()
	defer lock.Unlock()

	// Same-document mutations must reach the remote in append order. If an
	// older entry for this document is still pending, leave this one for the
	// reconciler's oldest-first drain.
	head, err := o.headOfDocQueue(ctx, mut)
	if err != nil {
		o.logger.Error("check wal order before push", "mutation_id", mut.ID, "error", err)
		return
	}
	if !head {
		o.logger.Debug("push deferred behind older pending entry",
			"mutation_id", mut.ID, "collection", mut.Collection, "doc_id", mut.DocID)
		return
	}

	o.setSyncStatus(domain.SyncSyncing)
	if o.remote == nil {
		o.transientFailure(ctx, mut, fmt.Errorf("no remote service configured"))
		return
	}
	res, err := o.remote.Push(ctx, mut)
	if err != nil {
		o.transientFailure(ctx, mut, err)
		return
	}
	if res.Accepted {
		o.forgetSnapshot(mut.ID)
		if serr := o.wal.SetStatus(ctx, mut.ID, domain.StatusSynced); serr != nil {
			o.logger.Error("mark wal entry synced", "mutation_id", mut.ID, "error", serr)
		}
		o.setSyncStatus(domain.SyncConnected)
		return
	}
	if !res.Code.Terminal() {
		// Rejected with a code the enumeration does not call terminal: keep
		// the entry retryable rather than rolling back on a guess.
		o.transientFailure(ctx, mut, fmt.Errorf("non-terminal rejection %q: %s", res.Code, res.Message))
		return
	}
	o.rollback(ctx, mut, res)
	// A rejection is still an answer from the server.
	o.setSyncStatus(domain.SyncConnected)
}

func (o *Orchestrator) transientFailure(ctx context.Context, mut domain.MutationRecord, cause error) {
	if ierr := o.wal.IncrementRetry(ctx, mut.ID); ierr != nil {
		o.logger.Error("increment wal retry", "mutation_id", mut.ID, "error", ierr)
	}
	o.logger.Debug("transient push failure, will retry",
		"mutation_id", mut.ID, "collection", mut.Collection, "doc_id", mut.DocID, "error", cause)
	o.setSyncStatus(domain.SyncOffline)
}

func (o *Orchestrator) rollback(ctx context.Context, mut domain.MutationRecord, res domain.PushResult) {
	previous, ok := o.takeSnapshot(mut.ID)
	if ok {
		o.store.Restore(mut.Collection, mut.DocID, previous)
		o.mirrorRestore(ctx, mut.Collection, mut.DocID, previous)
	} else {
		o.repairAfterRejection(ctx, mut)
	}
	if serr := o.wal.SetStatus(ctx, mut.ID, domain.StatusFailedFatal); serr != nil {
		o.logger.Error("mark wal entry failed", "mutation_id", mut.ID, "error", serr)
	}
	o.logger.Warn("mutation rejected by remote",
		"mutation_id", mut.ID, "collection", mut.Collection, "doc_id", mut.DocID,
		"code", res.Code, "message", res.Message)
	if o.bus != nil {
		o.bus.Publish(events.TopicMutationFailed, events.MutationFailed{
			MutationID: mut.ID,
			Collection: mut.Collection,
			DocID:      mut.DocID,
			Code:       res.Code,
			Message:    res.Message,
		})
	}
}

// repairAfterRejection handles a terminal rejection when the pre-mutation
// snapshot is gone, which happens for entries replayed after a restart. A
// rejected add is simply removed; for update and delete the pre-state is not
// recoverable locally, so the collection is re-pulled from the remote.
func (o *Orchestrator) repairAfterRejection(ctx context.Context, mut domain.MutationRecord) {
	if mut.Op == domain.OpAdd {
		o.store.Restore(mut.Collection, mut.DocID, domain.AbsentSnapshot())
		if derr := o.mirror.Delete(ctx, mut.Collection, mut.DocID); derr != nil && !domain.IsNotFound(derr) {
			o.logger.Error("remove mirrored record after rejection", "doc_id", mut.DocID, "error", derr)
		}
		return
	}
	records, perr := o.remote.Pull(ctx, mut.Collection, "")
	if perr != nil {
		o.logger.Warn("re-pull after rejection failed, local state may lag",
			"collection", mut.Collection, "doc_id", mut.DocID, "error", perr)
		return
	}
	o.store.ReplaceAll(mut.Collection, records)
	if rerr := o.mirror.ReplaceAll(ctx, mut.Collection, records); rerr != nil {
		o.logger.Error("rewrite mirror after re-pull", "collection", mut.Collection, "error", rerr)
	}
}

func (o *Orchestrator) mirrorApply(ctx context.Context, mut domain.MutationRecord, previous domain.RecordSnapshot) error {
	switch mut.Op {
	case domain.OpAdd, domain.OpUpdate:
		rec, ok := o.store.Get(mut.Collection, mut.DocID)
		if !ok {
			// Update against a missing record was a no-op; nothing to mirror.
			return nil
		}
		return o.mirror.Upsert(ctx, mut.Collection, rec)
	case domain.OpDelete:
		if !previous.Defined() {
			return nil
		}
		tombstone := previous.Record()
		tombstone.Deleted = true
		tombstone.UpdatedAt = mut.Timestamp
		return o.mirror.Upsert(ctx, mut.Collection, tombstone)
	}
	return nil
}

func (o *Orchestrator) mirrorRestore(ctx context.Context, collection domain.Collection, docID string, previous domain.RecordSnapshot) {
	var err error
	if previous.Defined() {
		err = o.mirror.Upsert(ctx, collection, previous.Record())
	} else {
		err = o.mirror.Delete(ctx, collection, docID)
		if domain.IsNotFound(err) {
			err = nil
		}
	}
	if err != nil {
		o.logger.Error("restore mirrored record", "collection", collection, "doc_id", docID, "error", err)
	}
}

// SyncStatus returns the current remote connection state.
func (o *Orchestrator) SyncStatus() domain.SyncStatus {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return o.status
}

func (o *Orchestrator) setSyncStatus(status domain.SyncStatus) {
	o.statusMu.Lock()
	changed := o.status != status
	o.status = status
	o.statusMu.Unlock()
	if changed && o.bus != nil {
		o.bus.Publish(events.TopicSyncStatusChanged, events.SyncStatusChanged{Status: status})
	}
}

// WaitIdle blocks until all detached pushes started by Mutate have resolved.
// Intended for tests and shutdown.
func (o *Orchestrator) WaitIdle() {
	o.inflight.Wait()
}

func (o *Orchestrator) knownCollection(collection domain.Collection) bool {
	for _, c := range o.store.Collections() {
		if c == collection {
			return true
		}
	}
	return false
}

// nextTimestamp returns a strictly increasing timestamp, so WAL order matches
// append order even when two mutations land in the same millisecond.
func (o *Orchestrator) nextTimestamp() int64 {
	o.tsMu.Lock()
	defer o.tsMu.Unlock()
	ts := o.now()
	if ts <= o.lastTS {
		ts = o.lastTS + 1
	}
	o.lastTS = ts
	return ts
}

// headOfDocQueue reports whether mut is the oldest pending entry for its
// document. False also covers entries a concurrent push already resolved.
func (o *Orchestrator) headOfDocQueue(ctx context.Context, mut domain.MutationRecord) (bool, error) {
	pending, err := o.wal.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		return false, err
	}
	for _, entry := range pending {
		if entry.Collection == mut.Collection && entry.DocID == mut.DocID {
			return entry.ID == mut.ID, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) docLock(key string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	lock, ok := o.docLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		o.docLocks[key] = lock
	}
	return lock
}

func (o *Orchestrator) rememberSnapshot(id string, snap domain.RecordSnapshot) {
	o.snapsMu.Lock()
	o.snaps[id] = snap
	o.snapsMu.Unlock()
}

func (o *Orchestrator) takeSnapshot(id string) (domain.RecordSnapshot, bool) {
	o.snapsMu.Lock()
	defer o.snapsMu.Unlock()
	snap, ok := o.snaps[id]
	if ok {
		delete(o.snaps, id)
	}
	return snap, ok
}

func (o *Orchestrator) forgetSnapshot(id string) {
	o.snapsMu.Lock()
	delete(o.snaps, id)
	o.snapsMu.Unlock()
}
