package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ExportVersion is the format version written by Export.
const ExportVersion = 1

// ExportDocument is the JSON backup of a local store.
type ExportDocument struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Records    []Record  `json:"records"`
}

// Export writes every record as an ExportDocument.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	deviceID, err := s.DeviceID(ctx)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records ORDER BY kind ASC, created_at ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return err
	}

	doc := ExportDocument{
		Version:    ExportVersion,
		ExportedAt: s.now(),
		DeviceID:   deviceID,
		Records:    records,
	}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// Import loads an ExportDocument. Records keep their ids and come in as
// pending; records already present are left untouched. Returns the number
// of records inserted.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	var doc ExportDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode export: %w", err)
	}
	if doc.Version != ExportVersion {
		return 0, fmt.Errorf("unsupported export version %d", doc.Version)
	}

	var size int64
	for i, rec := range doc.Records {
		if rec.Kind == "" || rec.ID == "" {
			return 0, fmt.Errorf("record %d: kind and id are required", i)
		}
		if _, err := decodeObject(rec.Payload); err != nil {
			return 0, fmt.Errorf("record %s/%s: %w", rec.Kind, rec.ID, err)
		}
		size += int64(len(rec.Payload))
	}
	if err := s.ensureCapacity(ctx, size); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	inserted := 0
	for _, rec := range doc.Records {
		fields, _ := decodeObject(rec.Payload)
		created, modified := rec.CreatedAt, rec.LastModifiedAt
		if modified.IsZero() {
			modified = now
		}
		if created.IsZero() {
			created = modified
		}

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO records (kind, id, server_version, payload, parent_id, created_at,
			                               last_modified_at, sync_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.Kind, rec.ID, rec.ServerVersion, string(rec.Payload), parentOf(rec.Kind, fields),
			created.UnixNano(), modified.UnixNano(), StatusPending)
		if err != nil {
			return 0, fmt.Errorf("import %s/%s: %w", rec.Kind, rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}

	slog.Info("records imported",
		"component", "offline",
		"action", "import",
		"total", len(doc.Records),
		"inserted", inserted,
	)
	return inserted, nil
}
