package types

import (
	"encoding/json"
	"time"
)

// Record is the authoritative copy of an entity held by the server.
type Record struct {
	Kind           string          `json:"kind"`
	ID             string          `json:"id"`
	Payload        json.RawMessage `json:"payload"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
	Version        int64           `json:"version"`
	DeviceID       string          `json:"device_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IncomingRecord is one record of an upload after decoding.
type IncomingRecord struct {
	Kind           string
	ID             string
	Payload        json.RawMessage
	CreatedAt      time.Time
	LastModifiedAt time.Time

	// Invalid carries the validation failure found by the handler. Invalid
	// records are counted as failed without touching the store.
	Invalid string
}

// Upload outcomes reported per record.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// ApplyResult is the outcome of applying a single uploaded record.
type ApplyResult struct {
	Kind    string
	ID      string
	Outcome Outcome
	Version int64
	Error   string
}

// UploadResult summarizes an applied upload.
type UploadResult struct {
	Processed int
	Created   int
	Updated   int
	Failed    int
	Results   []ApplyResult
}

// Tally recomputes the counters from Results. Unchanged records count as
// updated so that Processed == Created + Updated + Failed always holds.
func (u *UploadResult) Tally() {
	u.Processed, u.Created, u.Updated, u.Failed = len(u.Results), 0, 0, 0
	for _, r := range u.Results {
		switch r.Outcome {
		case OutcomeCreated:
			u.Created++
		case OutcomeUpdated, OutcomeUnchanged:
			u.Updated++
		default:
			u.Failed++
		}
	}
}

// SessionStatus is the lifecycle state of a sync session.
type SessionStatus string

const (
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// SyncSession records one upload from one device.
type SyncSession struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	DeviceID         string          `json:"device_id"`
	DeviceInfo       json.RawMessage `json:"device_info,omitempty"`
	Status           SessionStatus   `json:"status"`
	RecordsProcessed int             `json:"records_processed"`
	RecordsCreated   int             `json:"records_created"`
	RecordsUpdated   int             `json:"records_updated"`
	RecordsFailed    int             `json:"records_failed"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	DeviceID string
	Page     int
	Limit    int
}

// SessionStats aggregates sync sessions.
type SessionStats struct {
	Total            int
	Completed        int
	Failed           int
	Processing       int
	RecordsProcessed int
	RecordsCreated   int
	RecordsUpdated   int
	RecordsFailed    int
	ByType           map[string]int
	LastSyncAt       *time.Time
}

// StoreStats contains authoritative store statistics.
type StoreStats struct {
	RecordCount      int64            `json:"record_count"`
	RecordsByKind    map[string]int64 `json:"records_by_kind"`
	LatestVersion    int64            `json:"latest_version"`
	LastSnapshotAt   *time.Time       `json:"last_snapshot_at,omitempty"`
	SnapshotSizeByte int64            `json:"snapshot_size_bytes"`
}

// ChangeLogEntry is one write in the server change log. Its Sequence is the
// server version assigned to the write.
type ChangeLogEntry struct {
	Sequence   int64           `json:"sequence"`
	Kind       string          `json:"kind"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DeviceID   string          `json:"device_id"`
	CreatedAt  time.Time       `json:"created_at"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Change log operations.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
)
