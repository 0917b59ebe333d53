// Package carecore is a local-first durability and synchronization core for
// clinical record collections. Mutations apply to an in-memory store
// immediately, become durable in a write-ahead log and keyed mirror before
// the call returns, and reach the remote service in the background, with
// rollback only on terminal rejection.
package carecore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"carecore/internal/archive"
	"carecore/internal/config"
	"carecore/internal/core"
	"carecore/internal/events"
	"carecore/internal/infra/persistence/memory"
	"carecore/internal/infra/persistence/postgres"
	"carecore/internal/infra/persistence/sqlite"
	"carecore/pkg/domain"
)

// Core is the assembled service: durable backend, in-memory store,
// orchestrator, and the background reconcile and retention loops.
type Core struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *events.Bus
	store      *core.RecordStore
	disk       domain.Store
	orch       *core.Orchestrator
	reconciler *core.Reconciler
	retention  *core.RetentionPolicy
	blobs      archive.Store
	exporter   *archive.Exporter
}

// OpenStore opens and initializes the durable backend selected by cfg
// without assembling the rest of the core. Used by operator tooling that
// needs direct WAL access.
func OpenStore(ctx context.Context, cfg *config.Config) (domain.Store, error) {
	collections := make([]domain.Collection, len(cfg.Collections))
	for i, name := range cfg.Collections {
		collections[i] = domain.Collection(name)
	}
	var disk domain.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		disk = sqlite.NewStore(cfg.Storage.Path, collections)
	case "postgres":
		disk = postgres.NewStore(cfg.Storage.DSN, collections)
	case "memory":
		disk = memory.NewStore(collections)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if err := disk.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialize %s store: %w", cfg.Storage.Driver, err)
	}
	return disk, nil
}

// Open assembles a Core from cfg and starts its background loops. The remote
// service may be nil: the core then operates fully offline, accumulating
// pending WAL entries until a later process supplies a remote. Initialization
// failures are fatal; no partially hydrated core is ever returned.
func Open(ctx context.Context, cfg *config.Config, remote domain.RemoteService) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	disk, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	collections := make([]domain.Collection, len(cfg.Collections))
	for i, name := range cfg.Collections {
		collections[i] = domain.Collection(name)
	}

	bus := events.NewBus()
	store := core.NewRecordStore(bus, logger, collections)
	state, err := disk.LoadAll(ctx)
	if err != nil {
		_ = disk.Close()
		return nil, fmt.Errorf("hydrate from mirror: %w", err)
	}
	store.Hydrate(state)

	opts, err := metricsOptions(cfg)
	if err != nil {
		_ = disk.Close()
		return nil, err
	}
	orch := core.NewOrchestrator(store, disk, disk, remote, bus, logger, opts...)

	reconciler := core.NewReconciler(orch, core.ReconcilerConfig{
		Interval:       config.ParseDuration(cfg.Sync.Interval, 0, logger),
		BackoffInitial: config.ParseDuration(cfg.Sync.BackoffInitial, 0, logger),
		BackoffMax:     config.ParseDuration(cfg.Sync.BackoffMax, 0, logger),
	}, logger)
	retention := core.NewRetentionPolicy(disk, core.RetentionConfig{
		MaxAge:     config.ParseDuration(cfg.Retention.MaxAge, 0, logger),
		MaxEntries: cfg.Retention.MaxEntries,
		Interval:   config.ParseDuration(cfg.Retention.Interval, 0, logger),
	}, logger)

	blobs, err := archive.Open(ctx, archive.Config{
		Driver: archive.Driver(cfg.Archive.Driver),
		Root:   cfg.Archive.Root,
		S3: archive.S3Config{
			Bucket:    cfg.Archive.S3.Bucket,
			Region:    cfg.Archive.S3.Region,
			Endpoint:  cfg.Archive.S3.Endpoint,
			PathStyle: cfg.Archive.S3.PathStyle,
		},
	})
	if err != nil {
		_ = disk.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	c := &Core{
		cfg:        cfg,
		logger:     logger.With("component", "Core"),
		bus:        bus,
		store:      store,
		disk:       disk,
		orch:       orch,
		reconciler: reconciler,
		retention:  retention,
		blobs:      blobs,
		exporter:   archive.NewExporter(disk, disk, blobs, logger),
	}
	reconciler.Start()
	retention.Start()
	c.logger.Info("core opened",
		"driver", cfg.Storage.Driver, "collections", cfg.Collections, "offline", remote == nil)
	return c, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var w io.Writer
	switch cfg.Logging.Output {
	case "stderr":
		w = os.Stderr
	case "none":
		w = io.Discard
	default:
		w = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.LogLevel()}))
}

func metricsOptions(cfg *config.Config) ([]core.Option, error) {
	switch cfg.Metrics.Exporter {
	case "prometheus":
		rec, err := core.NewPrometheusMetricsRecorder(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("register prometheus metrics: %w", err)
		}
		return []core.Option{core.WithMetrics(rec)}, nil
	case "none":
		return nil, nil
	default:
		return []core.Option{core.WithMetrics(core.NewExpvarMetricsRecorder(""))}, nil
	}
}

// Close stops the background loops, waits for in-flight pushes, and releases
// the durable backend.
func (c *Core) Close() error {
	c.reconciler.Stop()
	c.retention.Stop()
	c.orch.WaitIdle()
	err := c.disk.Close()
	c.logger.Info("core closed")
	return err
}

// Mutate applies one change and returns its mutation id once the change is
// durable. The remote push happens in the background.
func (c *Core) Mutate(ctx context.Context, collection domain.Collection, op domain.Operation, payload map[string]any, docID string) (string, error) {
	return c.orch.Mutate(ctx, collection, op, payload, docID)
}

// Get returns a copy of one live record.
func (c *Core) Get(collection domain.Collection, docID string) (domain.Record, bool) {
	return c.store.Get(collection, docID)
}

// List returns copies of a collection's live records ordered by id.
func (c *Core) List(collection domain.Collection) []domain.Record {
	return c.store.List(collection)
}

// SnapshotOf captures a record's current state for later comparison.
func (c *Core) SnapshotOf(collection domain.Collection, docID string) domain.RecordSnapshot {
	return c.store.SnapshotOf(collection, docID)
}

// Refresh replaces a collection with the remote's authoritative state.
func (c *Core) Refresh(ctx context.Context, collection domain.Collection, scopeID string) error {
	return c.reconciler.Refresh(ctx, collection, scopeID)
}

// Purge moves the collection's tombstoned records out of the mirror into the
// durable trash and returns the number moved.
func (c *Core) Purge(ctx context.Context, collection domain.Collection) (int, error) {
	tombstones, err := c.disk.FindDeleted(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("find tombstones: %w", err)
	}
	purged := 0
	for _, rec := range tombstones {
		entry, ok := c.store.MoveToTrash(collection, rec.ID)
		if !ok {
			entry = domain.TrashEntry{ID: rec.ID, Origin: collection, Record: rec, DeletedAt: rec.UpdatedAt}
		}
		if err := c.disk.AddTrash(ctx, entry); err != nil {
			return purged, fmt.Errorf("archive tombstone %s: %w", rec.ID, err)
		}
		if err := c.disk.Delete(ctx, collection, rec.ID); err != nil && !domain.IsNotFound(err) {
			return purged, fmt.Errorf("remove tombstone %s: %w", rec.ID, err)
		}
		purged++
	}
	if purged > 0 {
		c.logger.Info("purged tombstones", "collection", string(collection), "count", purged)
	}
	return purged, nil
}

// Subscribe registers a listener; the returned handle feeds Unsubscribe.
func (c *Core) Subscribe(topic string, fn events.Handler) *events.Subscription {
	return c.bus.Subscribe(topic, fn)
}

// Unsubscribe removes a previously registered listener.
func (c *Core) Unsubscribe(sub *events.Subscription) {
	c.bus.Unsubscribe(sub)
}

// SyncStatus returns the current remote connection state.
func (c *Core) SyncStatus() domain.SyncStatus {
	return c.orch.SyncStatus()
}

// PendingMutations lists WAL entries still awaiting remote acknowledgment.
func (c *Core) PendingMutations(ctx context.Context) ([]domain.MutationRecord, error) {
	return c.disk.ListByStatus(ctx, domain.StatusPending)
}

// ExportFailed copies failed WAL entries into the archive.
func (c *Core) ExportFailed(ctx context.Context) ([]string, error) {
	return c.exporter.ExportFailed(ctx)
}

// ExportTrash copies durable trash entries into the archive.
func (c *Core) ExportTrash(ctx context.Context, origin domain.Collection) ([]string, error) {
	return c.exporter.ExportTrash(ctx, origin)
}

// WaitIdle blocks until every detached push has resolved. Intended for tests
// and graceful drains.
func (c *Core) WaitIdle() {
	c.orch.WaitIdle()
}
