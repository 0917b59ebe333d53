// Package sqlite provides the durable store backend over a single SQLite
// database file, using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"carecore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*Store)(nil)

// Store keeps one table per record collection plus shared wal, trash, and
// meta tables. Record rows carry the full record as a JSON payload alongside
// indexed owner/status/deleted columns for the finder queries.
type Store struct {
	mu          sync.Mutex
	path        string
	collections []domain.Collection
	db          *sql.DB
	ready       bool
	now         func() int64
}

// NewStore constructs an unopened store writing to path.
func NewStore(path string, collections []domain.Collection) *Store {
	if path == "" {
		path = "carecore.db"
	}
	return &Store{
		path:        path,
		collections: append([]domain.Collection(nil), collections...),
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc overrides the clock used for last-attempt stamps. Intended for
// tests that need deterministic timing.
func (s *Store) SetNowFunc(fn func() int64) {
	s.mu.Lock()
	s.now = fn
	s.mu.Unlock()
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Init opens the database and applies the schema. It is idempotent.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	if err := applySchema(ctx, db, s.collections); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	s.ready = true
	return nil
}

// Close releases the database handle. Subsequent calls fail with
// ErrNotInitialized until Init runs again.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil
	}
	s.ready = false
	db := s.db
	s.db = nil
	return db.Close()
}

func applySchema(ctx context.Context, db *sql.DB, collections []domain.Collection) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wal (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			op TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			payload BLOB,
			ts INTEGER NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_attempt INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wal_status ON wal(status)`,
		`CREATE INDEX IF NOT EXISTS idx_wal_ts ON wal(ts)`,
		`CREATE TABLE IF NOT EXISTS trash (
			id TEXT PRIMARY KEY,
			origin TEXT NOT NULL,
			payload BLOB NOT NULL,
			deleted_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trash_origin ON trash(origin, deleted_at)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, collection := range collections {
		table := recordTable(collection)
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				payload BLOB NOT NULL,
				owner_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT '',
				deleted INTEGER NOT NULL DEFAULT 0,
				updated_at INTEGER NOT NULL DEFAULT 0
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_owner ON %s(owner_id)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_deleted ON %s(deleted)`, table, table),
		)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func recordTable(collection domain.Collection) string {
	return "records_" + string(collection)
}

// handle returns the open database, failing before Init or after Close.
func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil, domain.ErrNotInitialized
	}
	return s.db, nil
}

func (s *Store) nowMillis() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// table validates the collection and returns its record table name. Unknown
// collections fail rather than expanding into SQL.
func (s *Store) table(collection domain.Collection) (string, error) {
	for _, c := range s.collections {
		if c == collection {
			return recordTable(collection), nil
		}
	}
	return "", domain.ErrNotFound{Kind: "collection", ID: string(collection)}
}

// Append implements domain.LogStore.
func (s *Store) Append(ctx context.Context, mutation domain.MutationRecord) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(mutation.Payload)
	if err != nil {
		return fmt.Errorf("encode wal payload: %w", err)
	}
	var lastAttempt any
	if mutation.LastAttempt != nil {
		lastAttempt = *mutation.LastAttempt
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO wal(id, collection, op, doc_id, payload, ts, status, retry_count, last_attempt)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		mutation.ID, string(mutation.Collection), string(mutation.Op), mutation.DocID,
		payload, mutation.Timestamp, string(mutation.Status), mutation.RetryCount, lastAttempt)
	if err != nil {
		return fmt.Errorf("append wal entry: %w", err)
	}
	return nil
}

func scanMutation(scan func(dest ...any) error) (domain.MutationRecord, error) {
	var (
		mut         domain.MutationRecord
		collection  string
		op          string
		status      string
		payload     []byte
		lastAttempt sql.NullInt64
	)
	if err := scan(&mut.ID, &collection, &op, &mut.DocID, &payload, &mut.Timestamp, &status, &mut.RetryCount, &lastAttempt); err != nil {
		return domain.MutationRecord{}, err
	}
	mut.Collection = domain.Collection(collection)
	mut.Op = domain.Operation(op)
	mut.Status = domain.MutationStatus(status)
	if lastAttempt.Valid {
		at := lastAttempt.Int64
		mut.LastAttempt = &at
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &mut.Payload); err != nil {
			return domain.MutationRecord{}, fmt.Errorf("decode wal payload: %w", err)
		}
	}
	return mut, nil
}

const walColumns = `id, collection, op, doc_id, payload, ts, status, retry_count, last_attempt`

// Get implements domain.LogStore.
func (s *Store) Get(ctx context.Context, id string) (domain.MutationRecord, error) {
	db, err := s.handle()
	if err != nil {
		return domain.MutationRecord{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT `+walColumns+` FROM wal WHERE id = ?`, id)
	mut, err := scanMutation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MutationRecord{}, domain.ErrNotFound{Kind: "wal entry", ID: id}
	}
	if err != nil {
		return domain.MutationRecord{}, fmt.Errorf("get wal entry: %w", err)
	}
	return mut, nil
}

// ListByStatus implements domain.LogStore; results are ordered by timestamp.
func (s *Store) ListByStatus(ctx context.Context, status domain.MutationStatus) ([]domain.MutationRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+walColumns+` FROM wal WHERE status = ? ORDER BY ts, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list wal entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.MutationRecord
	for rows.Next() {
		mut, err := scanMutation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan wal entry: %w", err)
		}
		out = append(out, mut)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list wal entries: %w", err)
	}
	return out, nil
}

// SetStatus implements domain.LogStore.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.MutationStatus) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE wal SET status = ?, last_attempt = ? WHERE id = ?`,
		string(status), s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("set wal status: %w", err)
	}
	return requireRow(res, "wal entry", id)
}

// IncrementRetry implements domain.LogStore.
func (s *Store) IncrementRetry(ctx context.Context, id string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE wal SET retry_count = retry_count + 1, last_attempt = ? WHERE id = ?`,
		s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("increment wal retry: %w", err)
	}
	return requireRow(res, "wal entry", id)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound{Kind: kind, ID: id}
	}
	return nil
}

// SweepSynced implements domain.LogStore.
func (s *Store) SweepSynced(ctx context.Context, cutoff int64) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM wal WHERE status = ? AND ts < ?`, string(domain.StatusSynced), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep synced wal entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// EnforceMaxEntries implements domain.LogStore. Oldest synced entries go
// first, then oldest failed entries; pending entries are never removed.
func (s *Store) EnforceMaxEntries(ctx context.Context, max int) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wal`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count wal entries: %w", err)
	}
	excess := total - max
	if excess <= 0 {
		return 0, nil
	}
	removed := 0
	for _, status := range []domain.MutationStatus{domain.StatusSynced, domain.StatusFailedFatal} {
		if excess <= 0 {
			break
		}
		res, err := db.ExecContext(ctx,
			`DELETE FROM wal WHERE id IN (
				SELECT id FROM wal WHERE status = ? ORDER BY ts, id LIMIT ?
			)`, string(status), excess)
		if err != nil {
			return removed, fmt.Errorf("evict wal entries: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, err
		}
		removed += int(n)
		excess -= int(n)
	}
	return removed, nil
}

// Upsert implements domain.MirrorStore.
func (s *Store) Upsert(ctx context.Context, collection domain.Collection, record domain.Record) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	table, err := s.table(collection)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	deleted := 0
	if record.Deleted {
		deleted = 1
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s(id, payload, owner_id, status, deleted, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			owner_id = excluded.owner_id,
			status = excluded.status,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`, table),
		record.ID, payload, record.OwnerID, record.Status, deleted, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// GetRecord implements domain.MirrorStore.
func (s *Store) GetRecord(ctx context.Context, collection domain.Collection, id string) (domain.Record, error) {
	db, err := s.handle()
	if err != nil {
		return domain.Record{}, err
	}
	table, err := s.table(collection)
	if err != nil {
		return domain.Record{}, err
	}
	var payload []byte
	err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?`, table), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, domain.ErrNotFound{Kind: "record", ID: id}
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("get record: %w", err)
	}
	return decodeRecord(payload)
}

func decodeRecord(payload []byte) (domain.Record, error) {
	var rec domain.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func (s *Store) queryRecords(ctx context.Context, collection domain.Collection, where string, args ...any) ([]domain.Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	table, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT payload FROM %s`, table)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY id"
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return out, nil
}

// GetAll implements domain.MirrorStore; results are ordered by id.
func (s *Store) GetAll(ctx context.Context, collection domain.Collection) ([]domain.Record, error) {
	return s.queryRecords(ctx, collection, "")
}

// Delete implements domain.MirrorStore: the row is removed entirely.
func (s *Store) Delete(ctx context.Context, collection domain.Collection, id string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	table, err := s.table(collection)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return requireRow(res, "record", id)
}

// FindByOwner implements domain.MirrorStore.
func (s *Store) FindByOwner(ctx context.Context, collection domain.Collection, ownerID string) ([]domain.Record, error) {
	return s.queryRecords(ctx, collection, "owner_id = ?", ownerID)
}

// FindByStatus implements domain.MirrorStore.
func (s *Store) FindByStatus(ctx context.Context, collection domain.Collection, status string) ([]domain.Record, error) {
	return s.queryRecords(ctx, collection, "status = ?", status)
}

// FindDeleted implements domain.MirrorStore.
func (s *Store) FindDeleted(ctx context.Context, collection domain.Collection) ([]domain.Record, error) {
	return s.queryRecords(ctx, collection, "deleted = 1")
}

// ReplaceAll implements domain.MirrorStore. The swap is transactional so a
// failed pull never leaves a half-replaced collection behind.
func (s *Store) ReplaceAll(ctx context.Context, collection domain.Collection, records []domain.Record) (retErr error) {
	db, err := s.handle()
	if err != nil {
		return err
	}
	table, err := s.table(collection)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		retErr = fmt.Errorf("clear collection: %w", err)
		return retErr
	}
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			retErr = fmt.Errorf("encode record: %w", err)
			return retErr
		}
		deleted := 0
		if rec.Deleted {
			deleted = 1
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s(id, payload, owner_id, status, deleted, updated_at) VALUES(?,?,?,?,?,?)`, table),
			rec.ID, payload, rec.OwnerID, rec.Status, deleted, rec.UpdatedAt); err != nil {
			retErr = fmt.Errorf("insert record: %w", err)
			return retErr
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

// LoadAll implements domain.MirrorStore.
func (s *Store) LoadAll(ctx context.Context) (map[domain.Collection][]domain.Record, error) {
	out := make(map[domain.Collection][]domain.Record, len(s.collections))
	for _, collection := range s.collections {
		recs, err := s.GetAll(ctx, collection)
		if err != nil {
			return nil, err
		}
		out[collection] = recs
	}
	return out, nil
}

// AddTrash implements domain.TrashStore.
func (s *Store) AddTrash(ctx context.Context, entry domain.TrashEntry) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(entry.Record)
	if err != nil {
		return fmt.Errorf("encode trash record: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO trash(id, origin, payload, deleted_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			origin = excluded.origin,
			payload = excluded.payload,
			deleted_at = excluded.deleted_at`,
		entry.ID, string(entry.Origin), payload, entry.DeletedAt)
	if err != nil {
		return fmt.Errorf("add trash entry: %w", err)
	}
	return nil
}

// ListTrash implements domain.TrashStore; results are ordered by deletion time.
func (s *Store) ListTrash(ctx context.Context, origin domain.Collection) ([]domain.TrashEntry, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	query := `SELECT id, origin, payload, deleted_at FROM trash`
	var args []any
	if origin != "" {
		query += ` WHERE origin = ?`
		args = append(args, string(origin))
	}
	query += ` ORDER BY deleted_at, id`
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.TrashEntry
	for rows.Next() {
		var (
			entry      domain.TrashEntry
			originName string
			payload    []byte
		)
		if err := rows.Scan(&entry.ID, &originName, &payload, &entry.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan trash entry: %w", err)
		}
		entry.Origin = domain.Collection(originName)
		if entry.Record, err = decodeRecord(payload); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	return out, nil
}

// PurgeTrash implements domain.TrashStore.
func (s *Store) PurgeTrash(ctx context.Context, cutoff int64) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM trash WHERE deleted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge trash: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetMeta implements domain.MetaStore.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	db, err := s.handle()
	if err != nil {
		return "", err
	}
	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound{Kind: "meta key", ID: key}
	}
	if err != nil {
		return "", fmt.Errorf("get meta: %w", err)
	}
	return value, nil
}

// SetMeta implements domain.MetaStore.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta: %w", err)
	}
	return nil
}
