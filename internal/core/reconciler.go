package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"carecore/pkg/domain"
)

// Reconciler drains pending WAL entries in the background. On start and on
// every interval it re-pushes pending mutations whose backoff window has
// elapsed, oldest first so per-document ordering is preserved. It also
// provides stale-while-revalidate collection refresh from the remote.
type Reconciler struct {
	orch           *Orchestrator
	wal            domain.LogStore
	store          *RecordStore
	mirror         domain.MirrorStore
	remote         domain.RemoteService
	logger         *slog.Logger
	interval       time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	stop           chan struct{}
	done           chan struct{}
	now            func() int64
}

// ReconcilerConfig bounds the retry schedule.
type ReconcilerConfig struct {
	Interval       time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// NewReconciler constructs a reconciler sharing the orchestrator's push and
// classification path.
func NewReconciler(orch *Orchestrator, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &Reconciler{
		orch:           orch,
		wal:            orch.wal,
		store:          orch.store,
		mirror:         orch.mirror,
		remote:         orch.remote,
		logger:         logger.With("component", "Reconciler"),
		interval:       cfg.Interval,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		now:            func() int64 { return time.Now().UnixMilli() },
	}
}

// Start launches the background loop. The first pass runs immediately so
// entries left over from a previous process get pushed without waiting a full
// interval.
func (r *Reconciler) Start() {
	go func() {
		defer close(r.done)
		r.RunOnce(context.Background())
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.RunOnce(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for the in-progress pass to finish.
func (r *Reconciler) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

// RunOnce pushes every eligible pending entry and returns the number
// attempted. Failures are recorded in the WAL by the push path, never raised.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	pending, err := r.wal.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		r.logger.Error("list pending wal entries", "error", err)
		return 0
	}
	attempted := 0
	for _, mut := range pending {
		if !r.eligible(mut) {
			continue
		}
		r.orch.Push(ctx, mut)
		attempted++
	}
	if attempted > 0 {
		r.logger.Info("reconcile pass complete", "attempted", attempted, "pending", len(pending))
	}
	return attempted
}

// eligible reports whether the entry's backoff window has elapsed. Entries
// that have never been attempted are always eligible.
func (r *Reconciler) eligible(mut domain.MutationRecord) bool {
	if mut.LastAttempt == nil || mut.RetryCount == 0 {
		return true
	}
	next := *mut.LastAttempt + r.delayFor(mut.RetryCount).Milliseconds()
	return r.now() >= next
}

// delayFor derives the wait after the given number of failed attempts from an
// exponential backoff schedule with randomization disabled, so eligibility is
// deterministic and restart-safe.
func (r *Reconciler) delayFor(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitial
	bo.MaxInterval = r.backoffMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	delay := bo.NextBackOff()
	for i := 1; i < retries; i++ {
		delay = bo.NextBackOff()
	}
	if delay > r.backoffMax {
		delay = r.backoffMax
	}
	return delay
}

// Refresh replaces a collection with the remote's authoritative state and
// rewrites the mirror: the stale-while-revalidate path, separate from the
// mutation path.
func (r *Reconciler) Refresh(ctx context.Context, collection domain.Collection, scopeID string) error {
	if r.remote == nil {
		return nil
	}
	records, err := r.remote.Pull(ctx, collection, scopeID)
	if err != nil {
		return err
	}
	r.store.ReplaceAll(collection, records)
	if err := r.mirror.ReplaceAll(ctx, collection, records); err != nil {
		return err
	}
	return nil
}
