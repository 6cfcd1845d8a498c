package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/herdsync/internal/types"
)

var _ Store = (*SQLiteStore)(nil)

// newTestStore creates a fresh SQLiteStore backed by a temp file.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "herdsync.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// incoming builds an upload record modified at the given time.
func incoming(kind, id, payload string, modified time.Time) types.IncomingRecord {
	return types.IncomingRecord{
		Kind:           kind,
		ID:             id,
		Payload:        json.RawMessage(payload),
		CreatedAt:      modified,
		LastModifiedAt: modified,
	}
}

func mustApply(t *testing.T, s *SQLiteStore, deviceID string, recs ...types.IncomingRecord) *types.UploadResult {
	t.Helper()
	res, err := s.ApplyUpload(context.Background(), deviceID, recs)
	if err != nil {
		t.Fatalf("ApplyUpload failed: %v", err)
	}
	return res
}
