package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/herdsync/internal/types"
	_ "modernc.org/sqlite"
)

// timeLayout is a fixed-width UTC layout so TEXT timestamps sort correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the SQLite-backed authoritative record store.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string

	snapshotting atomic.Bool
	now          func() time.Time
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetStats returns aggregate store statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*types.StoreStats, error) {
	stats := &types.StoreStats{RecordsByKind: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM records GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan record count: %w", err)
		}
		stats.RecordsByKind[kind] = n
		stats.RecordCount += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.LatestVersion, err = s.GetLatestSequence(ctx); err != nil {
		return nil, err
	}

	if v, err := s.GetSyncMeta(ctx, SyncMetaLastSnapshotAt); err == nil && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			stats.LastSnapshotAt = &t
		}
	}
	if info, err := os.Stat(s.snapshotPath()); err == nil {
		stats.SnapshotSizeByte = info.Size()
	}

	return stats, nil
}

func (s *SQLiteStore) snapshotPath() string {
	return filepath.Join(filepath.Dir(s.dbPath), "snapshots", "current.db")
}

// GenerateSnapshot writes a consistent copy of the database with VACUUM INTO.
// The copy is written to a temporary file and renamed over the previous one.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) error {
	if !s.snapshotting.CompareAndSwap(false, true) {
		return ErrSnapshotInProgress
	}
	defer s.snapshotting.Store(false)

	final := s.snapshotPath()
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp := final + ".tmp"
	_ = os.Remove(tmp)

	start := time.Now()
	quoted := strings.ReplaceAll(tmp, "'", "''")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("vacuum into: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}

	if err := s.SetSyncMeta(ctx, SyncMetaLastSnapshotAt, s.now().Format(time.RFC3339Nano)); err != nil {
		return err
	}

	slog.Info("snapshot generated",
		"component", "store",
		"action", "snapshot_generated",
		"path", final,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// GetSnapshotPath returns the path of the current snapshot file.
func (s *SQLiteStore) GetSnapshotPath(ctx context.Context) (string, error) {
	path := s.snapshotPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrSnapshotNotAvailable
		}
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	return path, nil
}

// GetSnapshot opens the current snapshot for reading.
func (s *SQLiteStore) GetSnapshot(ctx context.Context) (io.ReadCloser, error) {
	path, err := s.GetSnapshotPath(ctx)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	return f, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(column, value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		slog.Warn("store: failed to parse timestamp", "column", column, "value", value, "error", err)
	}
	return t
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
