package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/herdsync/internal/kind"
	"github.com/hyperengineering/herdsync/internal/snapshot"
	"github.com/hyperengineering/herdsync/internal/store"
	"github.com/hyperengineering/herdsync/pkg/syncapi"
)

// Handler implements the API handlers
type Handler struct {
	store    store.Store
	kinds    *kind.Registry
	uploader snapshot.Uploader
	apiKey   string
	version  string
	build    string
	now      func() time.Time
}

// NewHandler creates a new Handler with store.Store interface.
// A nil uploader serves snapshots from local disk only.
func NewHandler(s store.Store, kinds *kind.Registry, u snapshot.Uploader, apiKey, version, build string) *Handler {
	if u == nil {
		u = &snapshot.NoopUploader{}
	}
	return &Handler{
		store:    s,
		kinds:    kinds,
		uploader: u,
		apiKey:   apiKey,
		version:  version,
		build:    build,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, syncapi.HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Build:       h.build,
		RecordCount: stats.RecordCount,
	})
}

// Snapshot handles GET /api/v1/sync/snapshot. With object storage configured
// the caller is redirected to a pre-signed URL, otherwise the local snapshot
// file is streamed.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	url, _, err := h.uploader.PresignedURL(r.Context())
	if err == nil {
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}
	if !errors.Is(err, snapshot.ErrNotConfigured) {
		slog.Warn("presign snapshot failed, serving local copy",
			"component", "api",
			"action", "snapshot_presign_failed",
			"error", err,
		)
	}

	rc, err := h.store.GetSnapshot(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", `attachment; filename="herdsync-snapshot.db"`)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("snapshot stream interrupted", "component", "api", "error", err)
	}
}
