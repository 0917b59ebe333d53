package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"carecore/pkg/domain"
)

// Exporter copies dead WAL entries and archived trash out of the durable
// store into the archive as JSON blobs, so retention can reclaim their rows
// without losing the audit trail.
type Exporter struct {
	wal    domain.LogStore
	trash  domain.TrashStore
	blobs  Store
	logger *slog.Logger
}

// NewExporter wires an exporter over the given stores.
func NewExporter(wal domain.LogStore, trash domain.TrashStore, blobs Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{wal: wal, trash: trash, blobs: blobs, logger: logger.With("component", "Exporter")}
}

// ExportFailed writes every failed_fatal WAL entry as a JSON blob under
// wal/failed/<id>.json and returns the keys written. Entries already present
// in the archive are skipped.
func (e *Exporter) ExportFailed(ctx context.Context) ([]string, error) {
	entries, err := e.wal.ListByStatus(ctx, domain.StatusFailedFatal)
	if err != nil {
		return nil, fmt.Errorf("list failed entries: %w", err)
	}
	var keys []string
	for _, mut := range entries {
		key := fmt.Sprintf("wal/failed/%s.json", mut.ID)
		written, err := e.putJSON(ctx, key, mut)
		if err != nil {
			return keys, fmt.Errorf("export %s: %w", mut.ID, err)
		}
		if written {
			keys = append(keys, key)
		}
	}
	e.logger.Info("exported failed wal entries", "count", len(keys))
	return keys, nil
}

// ExportTrash writes archived trash entries (optionally limited to one origin
// collection) under trash/<origin>/<id>.json and returns the keys written.
func (e *Exporter) ExportTrash(ctx context.Context, origin domain.Collection) ([]string, error) {
	entries, err := e.trash.ListTrash(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		key := fmt.Sprintf("trash/%s/%s.json", entry.Origin, entry.ID)
		written, err := e.putJSON(ctx, key, entry)
		if err != nil {
			return keys, fmt.Errorf("export %s: %w", entry.ID, err)
		}
		if written {
			keys = append(keys, key)
		}
	}
	e.logger.Info("exported trash entries", "origin", string(origin), "count", len(keys))
	return keys, nil
}

func (e *Exporter) putJSON(ctx context.Context, key string, v any) (bool, error) {
	if _, err := e.blobs.Head(ctx, key); err == nil {
		return false, nil
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return false, err
	}
	_, err = e.blobs.Put(ctx, key, bytes.NewReader(raw), PutOptions{ContentType: "application/json"})
	if err != nil {
		// Racing exporters can both miss the Head; treat the duplicate as skipped.
		if strings.Contains(err.Error(), "already exists") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
