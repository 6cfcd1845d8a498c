// Package syncapi defines the wire types of the herdsync reconciliation
// protocol. Both the sync server and the offline client library use them.
package syncapi

import (
	"encoding/json"
	"time"
)

// Entity kinds carried by the protocol.
const (
	KindAnimals         = "animals"
	KindIdentifications = "identifications"
	KindCorrections     = "corrections"
	KindLearning        = "learning"

	// TypeAll is accepted by upload (records carry their own kind) and
	// status; download requires a concrete kind.
	TypeAll = "all"
)

// Kinds lists every entity kind in a stable order.
var Kinds = []string{KindAnimals, KindIdentifications, KindCorrections, KindLearning}

// ParentField returns the payload field holding the parent reference for
// kind, or "" when the kind has no parent.
func ParentField(kind string) string {
	switch kind {
	case KindIdentifications, KindCorrections:
		return "animalId"
	case KindLearning:
		return "moduleId"
	default:
		return ""
	}
}

// Protocol headers.
const (
	HeaderDeviceID   = "X-Device-ID"
	HeaderPendingOps = "X-Pending-Ops"
)

// MaxUploadBatch is the largest number of records accepted in one upload.
const MaxUploadBatch = 1000

// Upload outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

// Session statuses.
const (
	SessionProcessing = "processing"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
)

// Record is a single entity as exchanged with the server.
type Record struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
	Version        int64           `json:"version,omitempty"`
	DeviceID       string          `json:"deviceId,omitempty"`
}

// DeviceInfo describes the uploading device.
type DeviceInfo struct {
	DeviceID    string `json:"deviceId"`
	Platform    string `json:"platform,omitempty"`
	AppVersion  string `json:"appVersion,omitempty"`
	NetworkType string `json:"networkType,omitempty"`
}

// UploadRequest is the body of POST /api/v1/sync/upload.
type UploadRequest struct {
	Type       string      `json:"type"`
	Records    []Record    `json:"records"`
	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`
}

// UploadResult reports what happened to one uploaded record.
type UploadResult struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
	Version int64  `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UploadResponse is returned by POST /api/v1/sync/upload. A response with
// failed records is still a 200.
type UploadResponse struct {
	SyncID           string         `json:"syncId"`
	Status           string         `json:"status"`
	RecordsProcessed int            `json:"recordsProcessed"`
	RecordsCreated   int            `json:"recordsCreated"`
	RecordsUpdated   int            `json:"recordsUpdated"`
	RecordsFailed    int            `json:"recordsFailed"`
	Results          []UploadResult `json:"results"`
}

// DownloadResponse is returned by GET /api/v1/sync/download. LastVersion
// is the continuation cursor in both query modes: while HasMore is set, the
// next page is requested with after=LastVersion, including pages of a
// lastSyncTimestamp query. DownloadTimestamp is the server time of the
// request, for use as the next lastSyncTimestamp once HasMore is false.
type DownloadResponse struct {
	Type              string    `json:"type"`
	Records           []Record  `json:"records"`
	LastVersion       int64     `json:"lastVersion"`
	LatestVersion     int64     `json:"latestVersion"`
	HasMore           bool      `json:"hasMore"`
	DownloadTimestamp time.Time `json:"downloadTimestamp"`
}

// TypeStatus is the per-kind section of a status response.
type TypeStatus struct {
	Type          string     `json:"type"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
	LatestVersion int64      `json:"latestVersion"`
}

// StatusResponse is returned by GET /api/v1/sync/status. PendingOps echoes
// the X-Pending-Ops header sent by the caller and is informational only.
type StatusResponse struct {
	DeviceID   string       `json:"deviceId,omitempty"`
	Types      []TypeStatus `json:"types"`
	PendingOps int          `json:"pendingOps"`
	ServerTime time.Time    `json:"serverTime"`
}

// Session is a sync session as listed by the history endpoint.
type Session struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	DeviceID         string     `json:"deviceId"`
	Status           string     `json:"status"`
	RecordsProcessed int        `json:"recordsProcessed"`
	RecordsCreated   int        `json:"recordsCreated"`
	RecordsUpdated   int        `json:"recordsUpdated"`
	RecordsFailed    int        `json:"recordsFailed"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// HistoryResponse is returned by GET /api/v1/sync/history.
type HistoryResponse struct {
	Sessions []Session `json:"sessions"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	Total    int       `json:"total"`
}

// StatsResponse is returned by GET /api/v1/sync/stats.
type StatsResponse struct {
	TotalSessions     int            `json:"totalSessions"`
	CompletedSessions int            `json:"completedSessions"`
	FailedSessions    int            `json:"failedSessions"`
	RecordsProcessed  int            `json:"recordsProcessed"`
	RecordsCreated    int            `json:"recordsCreated"`
	RecordsUpdated    int            `json:"recordsUpdated"`
	RecordsFailed     int            `json:"recordsFailed"`
	ByType            map[string]int `json:"byType"`
	LastSyncAt        *time.Time     `json:"lastSyncAt,omitempty"`
}

// HealthResponse is returned by GET /api/v1/health. Build identifies the
// deployed release; clients compare it to detect updates.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Build       string `json:"build"`
	RecordCount int64  `json:"recordCount"`
}
