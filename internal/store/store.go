package store

import (
	"context"
	"io"
	"time"

	"github.com/hyperengineering/herdsync/internal/types"
)

// Store defines the interface contract for the authoritative record store.
type Store interface {
	ApplyUpload(ctx context.Context, deviceID string, records []types.IncomingRecord) (*types.UploadResult, error)
	GetRecord(ctx context.Context, kind, id string) (*types.Record, error)
	RecordsAfter(ctx context.Context, kind string, afterVersion int64, limit int) ([]types.Record, error)
	RecordsModifiedSince(ctx context.Context, kind string, since time.Time, limit int) ([]types.Record, error)
	LatestVersion(ctx context.Context, kind string) (int64, error)

	CreateSession(ctx context.Context, session *types.SyncSession) error
	CompleteSession(ctx context.Context, id string, result *types.UploadResult) error
	FailSession(ctx context.Context, id, reason string) error
	GetSession(ctx context.Context, id string) (*types.SyncSession, error)
	ListSessions(ctx context.Context, filter types.SessionFilter) ([]types.SyncSession, int, error)
	SessionStats(ctx context.Context, deviceID string) (*types.SessionStats, error)
	LastSyncByType(ctx context.Context, deviceID string) (map[string]time.Time, error)
	FailStaleSessions(ctx context.Context, olderThan time.Time) (int64, error)

	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
	GetSnapshot(ctx context.Context) (io.ReadCloser, error)
	GetStats(ctx context.Context) (*types.StoreStats, error)
	Close() error
}
