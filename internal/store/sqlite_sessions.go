package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/herdsync/internal/types"
	"github.com/oklog/ulid/v2"
)

const sessionColumns = `id, type, device_id, device_info, status, records_processed, records_created,
	records_updated, records_failed, error, started_at, completed_at`

// CreateSession inserts a new session in processing state. ID and StartedAt
// are assigned when empty.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *types.SyncSession) error {
	if session.ID == "" {
		session.ID = ulid.Make().String()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = s.now()
	}
	session.Status = types.SessionProcessing

	info := session.DeviceInfo
	if len(info) == 0 {
		info = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_sessions (id, type, device_id, device_info, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, session.ID, session.Type, session.DeviceID, string(info), session.Status, formatTime(session.StartedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// CompleteSession stores the counters of an applied upload and moves the
// session to completed.
func (s *SQLiteStore) CompleteSession(ctx context.Context, id string, result *types.UploadResult) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_sessions
		SET status = ?, records_processed = ?, records_created = ?, records_updated = ?,
		    records_failed = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, types.SessionCompleted, result.Processed, result.Created, result.Updated, result.Failed,
		formatTime(s.now()), id, types.SessionProcessing)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// FailSession moves a processing session to failed with reason.
func (s *SQLiteStore) FailSession(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_sessions SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, types.SessionFailed, reason, formatTime(s.now()), id, types.SessionProcessing)
	if err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition distinguishes a missing session from a terminal one when
// a guarded update touched no row.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return ErrSessionTerminal
}

// GetSession returns a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*types.SyncSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sync_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions newest first, one page at a time, along
// with the total number of matching sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter types.SessionFilter) ([]types.SyncSession, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_sessions WHERE (? = '' OR device_id = ?)
	`, filter.DeviceID, filter.DeviceID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sync_sessions
		WHERE (? = '' OR device_id = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, filter.DeviceID, filter.DeviceID, filter.Limit, (filter.Page-1)*filter.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]types.SyncSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, total, rows.Err()
}

// SessionStats aggregates sessions, optionally for one device.
func (s *SQLiteStore) SessionStats(ctx context.Context, deviceID string) (*types.SessionStats, error) {
	stats := &types.SessionStats{ByType: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT type, status, COUNT(*),
		       SUM(records_processed), SUM(records_created), SUM(records_updated), SUM(records_failed),
		       MAX(completed_at)
		FROM sync_sessions
		WHERE (? = '' OR device_id = ?)
		GROUP BY type, status
	`, deviceID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var status types.SessionStatus
		var count, processed, created, updated, failed int
		var lastCompleted sql.NullString
		if err := rows.Scan(&typ, &status, &count, &processed, &created, &updated, &failed, &lastCompleted); err != nil {
			return nil, fmt.Errorf("scan session stats: %w", err)
		}

		stats.Total += count
		stats.ByType[typ] += count
		stats.RecordsProcessed += processed
		stats.RecordsCreated += created
		stats.RecordsUpdated += updated
		stats.RecordsFailed += failed

		switch status {
		case types.SessionCompleted:
			stats.Completed += count
			if lastCompleted.Valid {
				t := parseTime("sync_sessions.completed_at", lastCompleted.String)
				if stats.LastSyncAt == nil || t.After(*stats.LastSyncAt) {
					stats.LastSyncAt = &t
				}
			}
		case types.SessionFailed:
			stats.Failed += count
		default:
			stats.Processing += count
		}
	}
	return stats, rows.Err()
}

// LastSyncByType returns the completion time of the latest completed
// session per upload type, optionally for one device.
func (s *SQLiteStore) LastSyncByType(ctx context.Context, deviceID string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, MAX(completed_at) FROM sync_sessions
		WHERE status = ? AND (? = '' OR device_id = ?)
		GROUP BY type
	`, types.SessionCompleted, deviceID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("last sync by type: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var typ string
		var completed sql.NullString
		if err := rows.Scan(&typ, &completed); err != nil {
			return nil, fmt.Errorf("scan last sync: %w", err)
		}
		if completed.Valid {
			out[typ] = parseTime("sync_sessions.completed_at", completed.String)
		}
	}
	return out, rows.Err()
}

// FailStaleSessions marks sessions that have been processing since before
// olderThan as failed. Returns the number of sessions changed.
func (s *SQLiteStore) FailStaleSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_sessions SET status = ?, error = ?, completed_at = ?
		WHERE status = ? AND started_at < ?
	`, types.SessionFailed, "session timed out", formatTime(s.now()),
		types.SessionProcessing, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("fail stale sessions: %w", err)
	}
	return res.RowsAffected()
}

func scanSession(scanner interface{ Scan(...any) error }) (*types.SyncSession, error) {
	var session types.SyncSession
	var info, startedAt string
	var completedAt sql.NullString

	err := scanner.Scan(&session.ID, &session.Type, &session.DeviceID, &info, &session.Status,
		&session.RecordsProcessed, &session.RecordsCreated, &session.RecordsUpdated,
		&session.RecordsFailed, &session.Error, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	session.DeviceInfo = json.RawMessage(info)
	session.StartedAt = parseTime("sync_sessions.started_at", startedAt)
	if completedAt.Valid {
		t := parseTime("sync_sessions.completed_at", completedAt.String)
		session.CompletedAt = &t
	}
	return &session, nil
}
