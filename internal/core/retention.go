package core

import (
	"context"
	"log/slog"
	"time"

	"carecore/pkg/domain"
)

// RetentionPolicy bounds WAL growth by age and count. It sweeps synced
// entries older than MaxAge, then evicts the oldest synced and failed entries
// until the total count is at or under MaxEntries. Pending entries are never
// touched: they are the durable proof of unacknowledged work. Both steps are
// best-effort; failures are logged and never fatal.
type RetentionPolicy struct {
	wal        domain.LogStore
	maxAge     time.Duration
	maxEntries int
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	done       chan struct{}
	now        func() int64
}

// RetentionConfig sets the sweep bounds.
type RetentionConfig struct {
	MaxAge     time.Duration
	MaxEntries int
	Interval   time.Duration
}

// NewRetentionPolicy constructs the policy around a log store.
func NewRetentionPolicy(wal domain.LogStore, cfg RetentionConfig, logger *slog.Logger) *RetentionPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &RetentionPolicy{
		wal:        wal,
		maxAge:     cfg.MaxAge,
		maxEntries: cfg.MaxEntries,
		interval:   cfg.Interval,
		logger:     logger.With("component", "RetentionPolicy"),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		now:        func() int64 { return time.Now().UnixMilli() },
	}
}

// Start runs one pass immediately, then one per interval.
func (p *RetentionPolicy) Start() {
	go func() {
		defer close(p.done)
		p.RunOnce(context.Background())
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.RunOnce(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for the in-progress pass.
func (p *RetentionPolicy) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

// RunOnce performs one sweep-then-cap pass and returns the removal counts.
func (p *RetentionPolicy) RunOnce(ctx context.Context) (swept, evicted int) {
	cutoff := p.now() - p.maxAge.Milliseconds()
	swept, err := p.wal.SweepSynced(ctx, cutoff)
	if err != nil {
		p.logger.Warn("sweep synced wal entries", "error", err)
	}
	evicted, err = p.wal.EnforceMaxEntries(ctx, p.maxEntries)
	if err != nil {
		p.logger.Warn("enforce wal entry cap", "error", err)
	}
	if swept > 0 || evicted > 0 {
		p.logger.Info("retention pass complete", "swept", swept, "evicted", evicted)
	}
	return swept, evicted
}
