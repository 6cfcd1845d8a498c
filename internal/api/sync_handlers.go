package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/herdsync/internal/types"
	"github.com/hyperengineering/herdsync/internal/validation"
	"github.com/hyperengineering/herdsync/pkg/syncapi"
)

const (
	// DefaultDownloadLimit is the page size when the caller sends none.
	DefaultDownloadLimit = 500

	// MaxDownloadLimit caps the download page size.
	MaxDownloadLimit = 1000

	// DefaultHistoryLimit and MaxHistoryLimit bound the history page size.
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100

	// maxClockSkew is how far ahead of the server clock a device timestamp
	// may be before the record is rejected.
	maxClockSkew = 24 * time.Hour

	maxRecordIDLength = 64
)

// SyncUpload handles POST /api/v1/sync/upload
func (h *Handler) SyncUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	// 1. Parse request
	var req syncapi.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	// 2. Validate request structure (rejects the entire request)
	if errs := h.validateUploadRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	deviceID := DeviceIDFromContext(ctx)
	if deviceID == "" && req.DeviceInfo != nil {
		deviceID = req.DeviceInfo.DeviceID
	}

	// 3. Validate each record (partial acceptance)
	now := h.now()
	incoming := make([]types.IncomingRecord, len(req.Records))
	for i, rec := range req.Records {
		incoming[i] = h.toIncoming(req.Type, rec, now)
	}

	// 4. Open session
	session := &types.SyncSession{Type: req.Type, DeviceID: deviceID}
	if req.DeviceInfo != nil {
		session.DeviceInfo, _ = json.Marshal(req.DeviceInfo)
	}
	if err := h.store.CreateSession(ctx, session); err != nil {
		slog.Error("create session failed", "component", "api", "device_id", deviceID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	// 5. Apply records
	result, err := h.store.ApplyUpload(ctx, deviceID, incoming)
	if err != nil {
		slog.Error("upload failed",
			"component", "api",
			"action", "sync_upload_failed",
			"sync_id", session.ID,
			"device_id", deviceID,
			"error", err,
		)
		if ferr := h.store.FailSession(ctx, session.ID, err.Error()); ferr != nil {
			slog.Warn("fail session failed", "component", "api", "sync_id", session.ID, "error", ferr)
		}
		WriteProblem(w, r, http.StatusInternalServerError, "Upload failed")
		return
	}

	// 6. Close session
	if err := h.store.CompleteSession(ctx, session.ID, result); err != nil {
		slog.Error("complete session failed", "component", "api", "sync_id", session.ID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	// 7. Return response
	resp := syncapi.UploadResponse{
		SyncID:           session.ID,
		Status:           syncapi.SessionCompleted,
		RecordsProcessed: result.Processed,
		RecordsCreated:   result.Created,
		RecordsUpdated:   result.Updated,
		RecordsFailed:    result.Failed,
		Results:          make([]syncapi.UploadResult, len(result.Results)),
	}
	for i, ar := range result.Results {
		resp.Results[i] = syncapi.UploadResult{
			ID:      ar.ID,
			Kind:    ar.Kind,
			Outcome: string(ar.Outcome),
			Version: ar.Version,
			Error:   ar.Error,
		}
	}
	writeJSON(w, http.StatusOK, resp)

	slog.Info("upload completed",
		"component", "api",
		"action", "sync_upload",
		"sync_id", session.ID,
		"device_id", deviceID,
		"type", req.Type,
		"processed", result.Processed,
		"created", result.Created,
		"updated", result.Updated,
		"failed", result.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (h *Handler) validateUploadRequest(req syncapi.UploadRequest) []validation.ValidationError {
	c := &validation.Collector{}
	c.Add(validation.ValidateEnum("type", req.Type, append(h.kinds.Names(), syncapi.TypeAll)))
	switch {
	case len(req.Records) == 0:
		c.Add(&validation.ValidationError{Field: "records", Message: "must contain at least one record"})
	case len(req.Records) > syncapi.MaxUploadBatch:
		c.Add(&validation.ValidationError{
			Field:   "records",
			Message: fmt.Sprintf("exceeds maximum of %d records", syncapi.MaxUploadBatch),
		})
	}
	return c.Errors()
}

// toIncoming converts a wire record and runs per-record validation. A
// failure is carried in Invalid so the record is reported without aborting
// the upload.
func (h *Handler) toIncoming(uploadType string, rec syncapi.Record, now time.Time) types.IncomingRecord {
	kindName := rec.Kind
	if kindName == "" && uploadType != syncapi.TypeAll {
		kindName = uploadType
	}
	in := types.IncomingRecord{
		Kind:           kindName,
		ID:             rec.ID,
		Payload:        rec.Payload,
		CreatedAt:      rec.CreatedAt,
		LastModifiedAt: rec.LastModifiedAt,
	}

	c := &validation.Collector{}
	c.Add(validation.ValidateRequired("id", rec.ID))
	c.Add(validation.ValidateMaxLength("id", rec.ID, maxRecordIDLength))
	c.Add(validation.ValidateNoNullBytes("id", rec.ID))
	c.Add(validation.ValidateTimestamp("lastModifiedAt", rec.LastModifiedAt, now, maxClockSkew))
	if uploadType != syncapi.TypeAll && kindName != uploadType {
		c.Add(&validation.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("must match upload type %q", uploadType),
		})
	}

	k, err := h.kinds.Get(kindName)
	if err != nil {
		c.Add(&validation.ValidationError{Field: "kind", Message: err.Error()})
	}
	if jsonErr := validation.ValidateJSONObject("payload", rec.Payload); jsonErr != nil {
		c.Add(jsonErr)
	} else if k != nil {
		for _, e := range k.Validate(rec.Payload) {
			c.Add(&e)
		}
	}

	if c.HasErrors() {
		in.Invalid = c.Summary()
	}
	return in
}

// SyncDownload handles GET /api/v1/sync/download
func (h *Handler) SyncDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	// 1. Validate parameters
	kindName := q.Get("type")
	if _, err := h.kinds.Get(kindName); err != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("must be one of: %v", h.kinds.Names()),
		}})
		return
	}

	limit, err := intParam(q.Get("limit"), DefaultDownloadLimit)
	if err != nil || limit < 1 {
		WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > MaxDownloadLimit {
		limit = MaxDownloadLimit
	}

	var after int64
	if raw := q.Get("after"); raw != "" {
		after, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			WriteProblem(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
	}

	var since time.Time
	if raw := q.Get("lastSyncTimestamp"); raw != "" && q.Get("after") == "" {
		since, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "lastSyncTimestamp must be an RFC 3339 timestamp")
			return
		}
	}

	// 2. Fetch one row past the page to learn whether more remain
	downloadAt := h.now()
	var records []types.Record
	if since.IsZero() {
		records, err = h.store.RecordsAfter(ctx, kindName, after, limit+1)
	} else {
		records, err = h.store.RecordsModifiedSince(ctx, kindName, since, limit+1)
	}
	if err != nil {
		slog.Error("download failed", "component", "api", "kind", kindName, "error", err)
		MapStoreError(w, r, err)
		return
	}
	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	latest, err := h.store.LatestVersion(ctx, kindName)
	if err != nil {
		slog.Error("latest version failed", "component", "api", "kind", kindName, "error", err)
		MapStoreError(w, r, err)
		return
	}

	// 3. Build response
	resp := syncapi.DownloadResponse{
		Type:              kindName,
		Records:           make([]syncapi.Record, len(records)),
		LastVersion:       after,
		LatestVersion:     latest,
		HasMore:           hasMore,
		DownloadTimestamp: downloadAt,
	}
	for i, rec := range records {
		resp.Records[i] = toWireRecord(rec)
		if rec.Version > resp.LastVersion {
			resp.LastVersion = rec.Version
		}
	}
	writeJSON(w, http.StatusOK, resp)

	slog.Debug("download served",
		"component", "api",
		"action", "sync_download",
		"kind", kindName,
		"device_id", DeviceIDFromContext(ctx),
		"after", after,
		"records", len(records),
		"has_more", hasMore,
	)
}

// SyncStatus handles GET /api/v1/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := DeviceIDFromContext(ctx)

	lastSync, err := h.store.LastSyncByType(ctx, deviceID)
	if err != nil {
		slog.Error("status failed", "component", "api", "device_id", deviceID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	resp := syncapi.StatusResponse{
		DeviceID:   deviceID,
		Types:      make([]syncapi.TypeStatus, 0, len(h.kinds.Names())),
		ServerTime: h.now(),
	}
	// Display only: the server cannot verify what the device holds.
	if n, err := strconv.Atoi(r.Header.Get(syncapi.HeaderPendingOps)); err == nil && n >= 0 {
		resp.PendingOps = n
	}

	for _, name := range h.kinds.Names() {
		latest, err := h.store.LatestVersion(ctx, name)
		if err != nil {
			slog.Error("status failed", "component", "api", "kind", name, "error", err)
			MapStoreError(w, r, err)
			return
		}
		ts := syncapi.TypeStatus{Type: name, LatestVersion: latest}
		// An "all" upload counts as a sync of every kind.
		last, ok := lastSync[name]
		if all, okAll := lastSync[syncapi.TypeAll]; okAll && (!ok || all.After(last)) {
			last, ok = all, true
		}
		if ok {
			ts.LastSyncAt = &last
		}
		resp.Types = append(resp.Types, ts)
	}

	writeJSON(w, http.StatusOK, resp)
}

// SyncHistory handles GET /api/v1/sync/history
func (h *Handler) SyncHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		WriteProblem(w, r, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	limit, err := intParam(q.Get("limit"), DefaultHistoryLimit)
	if err != nil || limit < 1 {
		WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	filter := types.SessionFilter{DeviceID: deviceFilter(r), Page: page, Limit: limit}
	sessions, total, err := h.store.ListSessions(r.Context(), filter)
	if err != nil {
		slog.Error("history failed", "component", "api", "error", err)
		MapStoreError(w, r, err)
		return
	}

	resp := syncapi.HistoryResponse{
		Sessions: make([]syncapi.Session, len(sessions)),
		Page:     page,
		Limit:    limit,
		Total:    total,
	}
	for i, s := range sessions {
		resp.Sessions[i] = syncapi.Session{
			ID:               s.ID,
			Type:             s.Type,
			DeviceID:         s.DeviceID,
			Status:           string(s.Status),
			RecordsProcessed: s.RecordsProcessed,
			RecordsCreated:   s.RecordsCreated,
			RecordsUpdated:   s.RecordsUpdated,
			RecordsFailed:    s.RecordsFailed,
			Error:            s.Error,
			StartedAt:        s.StartedAt,
			CompletedAt:      s.CompletedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncStats handles GET /api/v1/sync/stats
func (h *Handler) SyncStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.SessionStats(r.Context(), deviceFilter(r))
	if err != nil {
		slog.Error("stats failed", "component", "api", "error", err)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, syncapi.StatsResponse{
		TotalSessions:     stats.Total,
		CompletedSessions: stats.Completed,
		FailedSessions:    stats.Failed,
		RecordsProcessed:  stats.RecordsProcessed,
		RecordsCreated:    stats.RecordsCreated,
		RecordsUpdated:    stats.RecordsUpdated,
		RecordsFailed:     stats.RecordsFailed,
		ByType:            stats.ByType,
		LastSyncAt:        stats.LastSyncAt,
	})
}

// deviceFilter scopes history and stats: an explicit deviceId query
// parameter wins, otherwise the calling device. "*" lists every device.
func deviceFilter(r *http.Request) string {
	if id := r.URL.Query().Get("deviceId"); id != "" {
		if id == "*" {
			return ""
		}
		return id
	}
	return DeviceIDFromContext(r.Context())
}

func toWireRecord(rec types.Record) syncapi.Record {
	return syncapi.Record{
		ID:             rec.ID,
		Kind:           rec.Kind,
		Payload:        rec.Payload,
		CreatedAt:      rec.CreatedAt,
		LastModifiedAt: rec.LastModifiedAt,
		Version:        rec.Version,
		DeviceID:       rec.DeviceID,
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
