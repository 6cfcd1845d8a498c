package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/herdsync/pkg/syncapi"
)

const recordColumns = `kind, id, server_version, payload, parent_id, created_at, last_modified_at,
	sync_status, synced_at, last_error`

// StoreOptions tunes the storage-pressure policy.
type StoreOptions struct {
	QuotaBytes      int64
	EvictThreshold  float64
	RetentionWindow time.Duration

	// Usage overrides the database size estimate.
	Usage UsageEstimator
}

// Store is the durable on-device record store. The pending-operation queue
// and the response cache live in the same database.
type Store struct {
	db    *sql.DB
	opts  StoreOptions
	usage UsageEstimator
	now   func() time.Time
}

// NewStore opens the local database at dbPath, creating and migrating it
// when needed.
func NewStore(dbPath string, opts StoreOptions) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if err := runMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if opts.EvictThreshold <= 0 || opts.EvictThreshold > 1 {
		opts.EvictThreshold = 0.9
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = 90 * 24 * time.Hour
	}

	s := &Store{
		db:   db,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
	s.usage = opts.Usage
	if s.usage == nil {
		s.usage = s.sqliteUsage
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a new record as pending. Its id is a fresh ULID and its
// creation and modification times are now.
func (s *Store) Put(ctx context.Context, kind string, payload json.RawMessage) (*Record, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCapacity(ctx, int64(len(payload))); err != nil {
		return nil, err
	}

	now := s.now()
	rec := &Record{
		Kind:           kind,
		ID:             ulid.Make().String(),
		Payload:        payload,
		ParentID:       parentOf(kind, fields),
		CreatedAt:      now,
		LastModifiedAt: now,
		SyncStatus:     StatusPending,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (kind, id, payload, parent_id, created_at, last_modified_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Kind, rec.ID, string(rec.Payload), rec.ParentID, now.UnixNano(), now.UnixNano(), rec.SyncStatus)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, kind, id string) (*Record, error) {
	return getRecord(ctx, s.db, kind, id)
}

// ListByStatus returns the records of kind in status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, kind string, status SyncStatus) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE kind = ? AND sync_status = ?
		ORDER BY created_at ASC, id ASC
	`, kind, status)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	return collectRecords(rows)
}

// ListByParent returns the records of kind referencing parentID.
func (s *Store) ListByParent(ctx context.Context, kind, parentID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE kind = ? AND parent_id = ?
		ORDER BY created_at ASC, id ASC
	`, kind, parentID)
	if err != nil {
		return nil, fmt.Errorf("list by parent: %w", err)
	}
	return collectRecords(rows)
}

// Update merges patch into the payload of a record. Top-level keys of
// patch replace those of the payload and a null value removes the key.
// The record goes back to pending and its modification time moves strictly
// forward.
func (s *Store) Update(ctx context.Context, kind, id string, patch json.RawMessage) (*Record, error) {
	changes, err := decodeObject(patch)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCapacity(ctx, int64(len(patch))); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, kind, id)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec.Payload, &fields); err != nil {
		return nil, fmt.Errorf("decode stored payload: %w", err)
	}
	for k, v := range changes {
		if string(v) == "null" {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	modified := s.now()
	if !modified.After(rec.LastModifiedAt) {
		modified = rec.LastModifiedAt.Add(time.Nanosecond)
	}

	rec.Payload = merged
	rec.ParentID = parentOf(kind, fields)
	rec.LastModifiedAt = modified
	rec.SyncStatus = StatusPending
	rec.LastError = ""

	_, err = tx.ExecContext(ctx, `
		UPDATE records
		SET payload = ?, parent_id = ?, last_modified_at = ?, sync_status = ?, last_error = ''
		WHERE kind = ? AND id = ?
	`, string(merged), rec.ParentID, modified.UnixNano(), StatusPending, kind, id)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, nil
}

// MarkSyncing moves a pending or failed record to syncing if it is still at
// version. Returns false when the record changed or is already in flight.
func (s *Store) MarkSyncing(ctx context.Context, kind, id string, version time.Time) (bool, error) {
	return s.transition(ctx, `
		UPDATE records SET sync_status = ?
		WHERE kind = ? AND id = ? AND last_modified_at = ? AND sync_status IN (?, ?)
	`, StatusSyncing, kind, id, version.UnixNano(), StatusPending, StatusFailed)
}

// MarkPending returns a syncing record at version to pending, e.g. when the
// upload carrying it never reached the server.
func (s *Store) MarkPending(ctx context.Context, kind, id string, version time.Time) (bool, error) {
	return s.transition(ctx, `
		UPDATE records SET sync_status = ?
		WHERE kind = ? AND id = ? AND last_modified_at = ? AND sync_status = ?
	`, StatusPending, kind, id, version.UnixNano(), StatusSyncing)
}

// MarkFailed records a permanent rejection of version.
func (s *Store) MarkFailed(ctx context.Context, kind, id string, version time.Time, reason string) (bool, error) {
	return s.transition(ctx, `
		UPDATE records SET sync_status = ?, last_error = ?
		WHERE kind = ? AND id = ? AND last_modified_at = ?
	`, StatusFailed, reason, kind, id, version.UnixNano())
}

// MarkSynced records that the server acknowledged version. A record
// modified since version stays pending: the acknowledgement is stale and
// false is returned. A zero serverVersion keeps the known one.
func (s *Store) MarkSynced(ctx context.Context, kind, id string, version time.Time, serverVersion int64) (bool, error) {
	ok, err := s.transition(ctx, `
		UPDATE records
		SET sync_status = ?, server_version = MAX(server_version, ?), synced_at = ?, last_error = ''
		WHERE kind = ? AND id = ? AND last_modified_at = ?
	`, StatusSynced, serverVersion, s.now().UnixNano(), kind, id, version.UnixNano())
	if err != nil || ok {
		return ok, err
	}
	slog.Info("stale acknowledgement ignored",
		"component", "offline",
		"action", "stale_ack",
		"kind", kind,
		"record_id", id,
		"acked_version", version.Format(time.RFC3339Nano),
	)
	return false, nil
}

func (s *Store) transition(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update sync status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyRemote upserts a downloaded record. It overwrites the local copy
// only when the remote one is newer, or equally new with a higher server
// version over a synced copy. Local edits not yet acknowledged are never
// replaced by an older remote copy. Applied rows are synced.
func (s *Store) ApplyRemote(ctx context.Context, kind string, remote syncapi.Record) (bool, error) {
	fields, err := decodeObject(remote.Payload)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	local, err := getRecord(ctx, tx, kind, remote.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return false, err
	case !remoteWins(local, remote):
		return false, nil
	}

	createdAt := remote.CreatedAt
	if createdAt.IsZero() {
		createdAt = remote.LastModifiedAt
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (kind, id, server_version, payload, parent_id, created_at, last_modified_at,
		                     sync_status, synced_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '')
		ON CONFLICT(kind, id) DO UPDATE SET
			server_version = excluded.server_version,
			payload = excluded.payload,
			parent_id = excluded.parent_id,
			last_modified_at = excluded.last_modified_at,
			sync_status = excluded.sync_status,
			synced_at = excluded.synced_at,
			last_error = ''
	`, kind, remote.ID, remote.Version, string(remote.Payload), parentOf(kind, fields),
		createdAt.UnixNano(), remote.LastModifiedAt.UnixNano(), StatusSynced, s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("apply remote record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

func remoteWins(local *Record, remote syncapi.Record) bool {
	switch {
	case remote.LastModifiedAt.After(local.LastModifiedAt):
		return true
	case remote.LastModifiedAt.Equal(local.LastModifiedAt):
		return local.SyncStatus == StatusSynced && remote.Version > local.ServerVersion
	default:
		return false
	}
}

// Stats returns record totals and storage usage.
func (s *Store) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{
		ByKind:     make(map[string]int),
		ByStatus:   make(map[SyncStatus]int),
		QuotaBytes: s.opts.QuotaBytes,
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, sync_status, COUNT(*) FROM records GROUP BY kind, sync_status
	`)
	if err != nil {
		return nil, fmt.Errorf("record stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var status SyncStatus
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, fmt.Errorf("scan record stats: %w", err)
		}
		stats.Records += n
		stats.ByKind[kind] += n
		stats.ByStatus[status] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.UsageBytes, err = s.usage(ctx)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetMeta returns a metadata value. ok is false when the key is unset.
func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta stores a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// DeviceID returns the persisted device id, generating one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	id, ok, err := s.GetMeta(ctx, metaDeviceID)
	if err != nil || ok {
		return id, err
	}
	id = ulid.Make().String()
	if err := s.SetMeta(ctx, metaDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

const metaDeviceID = "device_id"

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q querier, kind, id string) (*Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE kind = ? AND id = ?`, kind, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRecord(scanner interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var payload string
	var created, modified int64
	var synced sql.NullInt64

	if err := scanner.Scan(&rec.Kind, &rec.ID, &rec.ServerVersion, &payload, &rec.ParentID,
		&created, &modified, &rec.SyncStatus, &synced, &rec.LastError); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt = fromNanos(created)
	rec.LastModifiedAt = fromNanos(modified)
	if synced.Valid {
		t := fromNanos(synced.Int64)
		rec.SyncedAt = &t
	}
	return &rec, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, ErrInvalidPayload
	}
	return fields, nil
}

// parentOf extracts the parent reference of kind from payload fields.
func parentOf(kind string, fields map[string]json.RawMessage) string {
	field := syncapi.ParentField(kind)
	if field == "" {
		return ""
	}
	var v string
	if err := json.Unmarshal(fields[field], &v); err != nil {
		return ""
	}
	return v
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
