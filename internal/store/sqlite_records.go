package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/herdsync/internal/types"
)

const recordColumns = `kind, id, payload, last_modified_at, version, device_id, created_at, updated_at`

// ApplyUpload applies uploaded records with last-write-wins on the client
// lastModifiedAt. The whole upload runs in one transaction and every record
// in its own savepoint, so a failing record is rolled back alone and
// reported as failed while the others commit.
//
// A record the server does not know is created. A known record whose
// incoming lastModifiedAt is strictly newer is overwritten and gets a new
// version. Anything else (duplicate replay, stale edit) is reported as
// unchanged with the existing version.
func (s *SQLiteStore) ApplyUpload(ctx context.Context, deviceID string, records []types.IncomingRecord) (*types.UploadResult, error) {
	res := &types.UploadResult{Results: make([]types.ApplyResult, 0, len(records))}
	if len(records) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	for i := range records {
		rec := &records[i]
		if rec.Invalid != "" {
			res.Results = append(res.Results, types.ApplyResult{
				Kind: rec.Kind, ID: rec.ID, Outcome: types.OutcomeFailed, Error: rec.Invalid,
			})
			continue
		}

		if _, err := tx.ExecContext(ctx, `SAVEPOINT upload_record`); err != nil {
			return nil, fmt.Errorf("savepoint: %w", err)
		}
		r, applyErr := applyRecord(ctx, tx, deviceID, rec, now)
		if applyErr != nil {
			if _, err := tx.ExecContext(ctx, `ROLLBACK TO upload_record`); err != nil {
				return nil, fmt.Errorf("rollback record %s/%s: %w", rec.Kind, rec.ID, err)
			}
			slog.Warn("record rejected",
				"component", "store",
				"action", "apply_record_failed",
				"kind", rec.Kind,
				"record_id", rec.ID,
				"error", applyErr,
			)
			r = types.ApplyResult{Kind: rec.Kind, ID: rec.ID, Outcome: types.OutcomeFailed, Error: applyErr.Error()}
		}
		if _, err := tx.ExecContext(ctx, `RELEASE upload_record`); err != nil {
			return nil, fmt.Errorf("release savepoint: %w", err)
		}
		res.Results = append(res.Results, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	res.Tally()
	return res, nil
}

func applyRecord(ctx context.Context, tx *sql.Tx, deviceID string, rec *types.IncomingRecord, now time.Time) (types.ApplyResult, error) {
	result := types.ApplyResult{Kind: rec.Kind, ID: rec.ID}

	var existingModified, existingVersion int64
	err := tx.QueryRowContext(ctx, `
		SELECT last_modified_at, version FROM records WHERE kind = ? AND id = ?
	`, rec.Kind, rec.ID).Scan(&existingModified, &existingVersion)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		version, err := appendChangeLog(ctx, tx, &types.ChangeLogEntry{
			Kind:      rec.Kind,
			EntityID:  rec.ID,
			Operation: types.OperationCreate,
			Payload:   rec.Payload,
			DeviceID:  deviceID,
			CreatedAt: now,
		})
		if err != nil {
			return result, err
		}
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = rec.LastModifiedAt
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.Kind, rec.ID, string(rec.Payload), rec.LastModifiedAt.UnixNano(), version,
			deviceID, createdAt.UnixNano(), now.UnixNano())
		if err != nil {
			return result, fmt.Errorf("insert record: %w", err)
		}
		result.Outcome, result.Version = types.OutcomeCreated, version
		return result, nil

	case err != nil:
		return result, fmt.Errorf("lookup record: %w", err)
	}

	if rec.LastModifiedAt.UnixNano() <= existingModified {
		result.Outcome, result.Version = types.OutcomeUnchanged, existingVersion
		return result, nil
	}

	version, err := appendChangeLog(ctx, tx, &types.ChangeLogEntry{
		Kind:      rec.Kind,
		EntityID:  rec.ID,
		Operation: types.OperationUpdate,
		Payload:   rec.Payload,
		DeviceID:  deviceID,
		CreatedAt: now,
	})
	if err != nil {
		return result, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE records
		SET payload = ?, last_modified_at = ?, version = ?, device_id = ?, updated_at = ?
		WHERE kind = ? AND id = ?
	`, string(rec.Payload), rec.LastModifiedAt.UnixNano(), version, deviceID, now.UnixNano(),
		rec.Kind, rec.ID)
	if err != nil {
		return result, fmt.Errorf("update record: %w", err)
	}
	result.Outcome, result.Version = types.OutcomeUpdated, version
	return result, nil
}

// GetRecord returns the authoritative copy of one record.
func (s *SQLiteStore) GetRecord(ctx context.Context, kind, id string) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE kind = ? AND id = ?
	`, kind, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// RecordsAfter returns records of kind whose version is greater than
// afterVersion, in version order. An empty kind matches every kind.
func (s *SQLiteStore) RecordsAfter(ctx context.Context, kind string, afterVersion int64, limit int) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE (? = '' OR kind = ?) AND version > ?
		ORDER BY version ASC
		LIMIT ?
	`, kind, kind, afterVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("query records after version: %w", err)
	}
	return collectRecords(rows)
}

// RecordsModifiedSince returns records of kind written by the server after
// since (server clock), ordered by version so a page can be continued with
// RecordsAfter from its highest version.
func (s *SQLiteStore) RecordsModifiedSince(ctx context.Context, kind string, since time.Time, limit int) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE (? = '' OR kind = ?) AND updated_at > ?
		ORDER BY version ASC
		LIMIT ?
	`, kind, kind, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("query records modified since: %w", err)
	}
	return collectRecords(rows)
}

// LatestVersion returns the highest version held for kind, 0 when empty.
func (s *SQLiteStore) LatestVersion(ctx context.Context, kind string) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM records WHERE (? = '' OR kind = ?)
	`, kind, kind).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return v.Int64, nil
}

func collectRecords(rows *sql.Rows) ([]types.Record, error) {
	defer rows.Close()

	records := make([]types.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRecord(scanner interface{ Scan(...any) error }) (*types.Record, error) {
	var rec types.Record
	var payload string
	var modified, createdAt, updatedAt int64

	if err := scanner.Scan(&rec.Kind, &rec.ID, &payload, &modified, &rec.Version,
		&rec.DeviceID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.LastModifiedAt = fromNanos(modified)
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	return &rec, nil
}
