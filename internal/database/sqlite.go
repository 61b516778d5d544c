package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"devsync/internal/database/migrations"
	"devsync/internal/devsync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements devsync.Store on SQLite. Every record is kept as a
// JSON document next to the columns it is filtered and ordered by.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens the store at path (":memory:" for an in-memory store)
// and brings its schema up to date.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an open connection. The caller is responsible
// for its configuration and schema.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenConnection opens a SQLite connection with foreign keys and WAL
// enabled. The pool is limited to one connection: an in-memory database
// exists per connection, and SQLite allows a single writer anyway.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run %q: %w", pragma, err)
		}
	}
	return db, nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &devsync.StorageError{Op: op, Err: err}
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// where accumulates SQL conditions and their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+marks+")", args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// queryDocs runs q and decodes the doc column of every row into a new T.
// Rows are fully read before returning so the single connection is free.
func queryDocs[T any](ctx context.Context, db queryer, q string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(doc), v); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func getDoc[T any](ctx context.Context, db queryer, q string, args ...any) (*T, error) {
	var doc string
	err := db.QueryRowContext(ctx, q, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return v, nil
}

// Devices

func (s *SQLiteStore) PutDevice(ctx context.Context, d *devsync.Device) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return storageErr("put device", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, business_id, employee_id, status, is_online, registered_at, updated_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			business_id = excluded.business_id,
			employee_id = excluded.employee_id,
			status = excluded.status,
			is_online = excluded.is_online,
			updated_at = excluded.updated_at,
			doc = excluded.doc`,
		d.ID, d.BusinessID, d.EmployeeID, string(d.Status), boolInt(d.Connectivity.IsOnline),
		nanos(d.RegisteredAt), nanos(d.UpdatedAt), string(doc))
	return storageErr("put device", err)
}

// deviceColumns selects the document and whether a sync claim is held.
const deviceColumns = "SELECT doc, sync_owner IS NOT NULL FROM devices"

// queryDevices decodes devices, reporting a held sync claim as InProgress.
func queryDevices(ctx context.Context, db queryer, q string, args ...any) ([]*devsync.Device, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*devsync.Device
	for rows.Next() {
		var (
			doc     string
			claimed bool
		)
		if err := rows.Scan(&doc, &claimed); err != nil {
			return nil, err
		}
		d := new(devsync.Device)
		if err := json.Unmarshal([]byte(doc), d); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}
		d.SyncStatus.InProgress = claimed
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*devsync.Device, error) {
	devices, err := queryDevices(ctx, s.db, deviceColumns+" WHERE id = ?", id)
	if err != nil {
		return nil, storageErr("get device", err)
	}
	if len(devices) == 0 {
		return nil, nil
	}
	return devices[0], nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context, f devsync.DeviceFilter) ([]*devsync.Device, error) {
	var w where
	if f.BusinessID != "" {
		w.add("business_id = ?", f.BusinessID)
	}
	if f.EmployeeID != "" {
		w.add("employee_id = ?", f.EmployeeID)
	}
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	w.in("status", statuses)
	if f.OnlineOnly {
		w.add("is_online = 1")
	}
	devices, err := queryDevices(ctx, s.db, deviceColumns+w.String()+" ORDER BY registered_at, id", w.args...)
	if err != nil {
		return nil, storageErr("list devices", err)
	}
	return devices, nil
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	return storageErr("delete device", err)
}

// ClaimSync takes or renews the claim in one conditional UPDATE, so two
// processes sharing the file cannot both hold it.
func (s *SQLiteStore) ClaimSync(ctx context.Context, deviceID, owner string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET sync_owner = ?, sync_claimed_at = ?
		WHERE id = ? AND (sync_owner IS NULL OR sync_owner = ? OR sync_claimed_at < ?)`,
		owner, nanos(now), deviceID, owner, nanos(staleBefore))
	if err != nil {
		return false, storageErr("claim sync", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("claim sync", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseSync(ctx context.Context, deviceID, owner string) error {
	q := "UPDATE devices SET sync_owner = NULL, sync_claimed_at = NULL WHERE id = ?"
	args := []any{deviceID}
	if owner != "" {
		q += " AND sync_owner = ?"
		args = append(args, owner)
	}
	_, err := s.db.ExecContext(ctx, q, args...)
	return storageErr("release sync", err)
}

// Operations

func (s *SQLiteStore) PutOperation(ctx context.Context, op *devsync.SyncOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("put operation", err)
	}
	defer tx.Rollback()

	if err := putOperation(ctx, tx, op); err != nil {
		return storageErr("put operation", err)
	}
	return storageErr("put operation", tx.Commit())
}

// putOperation upserts op, assigning the next sequence number to an
// operation not stored before.
func putOperation(ctx context.Context, tx queryer, op *devsync.SyncOperation) error {
	if op.Seq == 0 {
		var seq int64
		err := tx.QueryRowContext(ctx, "SELECT seq FROM sync_operations WHERE id = ?", op.ID).Scan(&seq)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM sync_operations").Scan(&seq); err != nil {
				return fmt.Errorf("allocating sequence: %w", err)
			}
		case err != nil:
			return fmt.Errorf("reading sequence: %w", err)
		}
		op.Seq = seq
	}

	doc, err := json.Marshal(op)
	if err != nil {
		return err
	}
	var completed sql.NullInt64
	if op.CompletedAt != nil {
		completed = sql.NullInt64{Int64: nanos(*op.CompletedAt), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_operations (id, seq, device_id, business_id, status, data_type, entity_type, entity_id,
			priority, created_at, due_at, completed_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			due_at = excluded.due_at,
			completed_at = excluded.completed_at,
			doc = excluded.doc`,
		op.ID, op.Seq, op.DeviceID, op.BusinessID, string(op.Status), string(op.DataType), op.EntityType, op.EntityID,
		op.Priority, nanos(op.CreatedAt), nanos(op.DueAt()), completed, string(doc))
	return err
}

func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*devsync.SyncOperation, error) {
	op, err := getDoc[devsync.SyncOperation](ctx, s.db, "SELECT doc FROM sync_operations WHERE id = ?", id)
	if err != nil {
		return nil, storageErr("get operation", err)
	}
	return op, nil
}

func (s *SQLiteStore) ListOperations(ctx context.Context, f devsync.OperationFilter) ([]*devsync.SyncOperation, error) {
	var w where
	if f.DeviceID != "" {
		w.add("device_id = ?", f.DeviceID)
	}
	if f.BusinessID != "" {
		w.add("business_id = ?", f.BusinessID)
	}
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	w.in("status", statuses)
	if f.DataType != "" {
		w.add("data_type = ?", string(f.DataType))
	}
	if f.EntityType != "" {
		w.add("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		w.add("entity_id = ?", f.EntityID)
	}
	if f.DueBefore != nil {
		w.add("due_at <= ?", nanos(*f.DueBefore))
	}
	if f.CompletedBefore != nil {
		w.add("completed_at IS NOT NULL AND completed_at < ?", nanos(*f.CompletedBefore))
	}
	if c := f.After; c != nil {
		at := nanos(c.CreatedAt)
		w.add("(priority < ? OR (priority = ? AND (created_at > ? OR (created_at = ? AND seq > ?))))",
			c.Priority, c.Priority, at, at, c.Seq)
	}

	q := "SELECT doc FROM sync_operations" + w.String()
	switch f.Order {
	case devsync.OrderCreated:
		q += " ORDER BY created_at, seq"
	default:
		q += " ORDER BY priority DESC, created_at, seq"
	}
	args := w.args
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	ops, err := queryDocs[devsync.SyncOperation](ctx, s.db, q, args...)
	if err != nil {
		return nil, storageErr("list operations", err)
	}
	return ops, nil
}

func (s *SQLiteStore) CountOperations(ctx context.Context, deviceID string) (map[devsync.OperationStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sync_operations WHERE device_id = ? GROUP BY status", deviceID)
	if err != nil {
		return nil, storageErr("count operations", err)
	}
	defer rows.Close()

	counts := make(map[devsync.OperationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("count operations", err)
		}
		counts[devsync.OperationStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count operations", err)
	}
	return counts, nil
}

func (s *SQLiteStore) DeleteOperation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sync_operations WHERE id = ?", id)
	return storageErr("delete operation", err)
}

// Offline data

// offlineDoc is the stored document of an entry. The payload bytes live in
// their own column.
type offlineDoc struct {
	*devsync.OfflineData
	Data []byte `json:"data,omitempty"`
}

func (s *SQLiteStore) PutOfflineData(ctx context.Context, d *devsync.OfflineData) error {
	return storageErr("put offline data", putOfflineData(ctx, s.db, d))
}

func putOfflineData(ctx context.Context, db queryer, d *devsync.OfflineData) error {
	doc, err := json.Marshal(offlineDoc{OfflineData: d})
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO offline_data (id, device_id, business_id, data_type, entity_type, entity_id,
			is_dirty, expires_at, last_accessed, size, payload, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			is_dirty = excluded.is_dirty,
			expires_at = excluded.expires_at,
			last_accessed = excluded.last_accessed,
			size = excluded.size,
			payload = excluded.payload,
			doc = excluded.doc`,
		d.ID, d.DeviceID, d.BusinessID, string(d.DataType), d.EntityType, d.EntityID,
		boolInt(d.IsDirty), nanos(d.ExpiresAt), nanos(d.LastAccessed), d.Metadata.Size, d.Data, string(doc))
	return err
}

const offlineColumns = "SELECT payload, doc FROM offline_data"

func scanOffline(rows interface{ Scan(...any) error }) (*devsync.OfflineData, error) {
	var payload []byte
	var doc string
	if err := rows.Scan(&payload, &doc); err != nil {
		return nil, err
	}
	d := new(devsync.OfflineData)
	if err := json.Unmarshal([]byte(doc), d); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	d.Data = payload
	return d, nil
}

func (s *SQLiteStore) getOffline(ctx context.Context, op, q string, args ...any) (*devsync.OfflineData, error) {
	d, err := scanOffline(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, storageErr(op, err)
	}
	return d, nil
}

func (s *SQLiteStore) GetOfflineData(ctx context.Context, id string) (*devsync.OfflineData, error) {
	return s.getOffline(ctx, "get offline data", offlineColumns+" WHERE id = ?", id)
}

func (s *SQLiteStore) FindOfflineData(ctx context.Context, deviceID string, ref devsync.EntityRef) (*devsync.OfflineData, error) {
	return s.getOffline(ctx, "find offline data",
		offlineColumns+" WHERE device_id = ? AND data_type = ? AND entity_type = ? AND entity_id = ?",
		deviceID, string(ref.DataType), ref.EntityType, ref.EntityID)
}

func (s *SQLiteStore) ListOfflineData(ctx context.Context, f devsync.OfflineDataFilter) ([]*devsync.OfflineData, error) {
	var w where
	if f.DeviceID != "" {
		w.add("device_id = ?", f.DeviceID)
	}
	if f.DataType != "" {
		w.add("data_type = ?", string(f.DataType))
	}
	if f.DirtyOnly {
		w.add("is_dirty = 1")
	}
	if f.ExpiresBefore != nil {
		w.add("expires_at <= ?", nanos(*f.ExpiresBefore))
	}
	q := offlineColumns + w.String()
	if f.ByLastAccessed {
		q += " ORDER BY last_accessed, id"
	} else {
		q += " ORDER BY data_type, entity_type, entity_id"
	}

	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, storageErr("list offline data", err)
	}
	defer rows.Close()

	var out []*devsync.OfflineData
	for rows.Next() {
		d, err := scanOffline(rows)
		if err != nil {
			return nil, storageErr("list offline data", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list offline data", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteOfflineData(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM offline_data WHERE id = ?", id)
	return storageErr("delete offline data", err)
}

func (s *SQLiteStore) OfflineUsage(ctx context.Context, deviceID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM offline_data WHERE device_id = ?", deviceID).Scan(&total)
	if err != nil {
		return 0, storageErr("offline usage", err)
	}
	return total, nil
}

// Transactions

func (s *SQLiteStore) PutOfflineDataWithOperation(ctx context.Context, d *devsync.OfflineData, op *devsync.SyncOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("put offline data with operation", err)
	}
	defer tx.Rollback()

	if err := putOfflineData(ctx, tx, d); err != nil {
		return storageErr("put offline data", err)
	}
	if err := putOperation(ctx, tx, op); err != nil {
		return storageErr("put operation", err)
	}
	return storageErr("commit offline data with operation", tx.Commit())
}

func (s *SQLiteStore) PurgeDevice(ctx context.Context, deviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("purge device", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM offline_data WHERE device_id = ?",
		"DELETE FROM sync_operations WHERE device_id = ?",
		"DELETE FROM devices WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, deviceID); err != nil {
			return storageErr("purge device", err)
		}
	}
	return storageErr("purge device", tx.Commit())
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is up to date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a consistent copy of the store to destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath)
	if err != nil {
		return storageErr("backup store", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ devsync.Store = (*SQLiteStore)(nil)
