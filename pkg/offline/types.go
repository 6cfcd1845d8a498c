package offline

import (
	"encoding/json"
	"net/http"
	"time"
)

// Config holds the offline client configuration.
type Config struct {
	APIBaseURL string // Sync server base URL
	APIKey     string // Bearer token for the sync server
	DeviceID   string // Generated and persisted when empty
	DBPath     string // Local database path

	QuotaBytes      int64         // Storage quota, 0 disables the check
	EvictThreshold  float64       // Fraction of quota that triggers eviction (default: 0.9)
	RetentionWindow time.Duration // Synced records younger than this are never evicted (default: 90 days)

	MaxAttempts int           // Transient failures before an op is dead-lettered (default: 5)
	DrainLease  time.Duration // Cross-process drain lease TTL (default: 30s)

	APICacheMaxAge     time.Duration // default: 24h
	APICacheMaxEntries int           // default: 100
	APIReadPrefixes    []string      // default: ["/api/v1/"]
	StaticManifest     []string      // Paths served cache-first
	BuildToken         string        // Active build, names the cache partitions

	ProbeInterval   time.Duration // Connectivity probe period (default: 30s)
	UploadBatchSize int           // Records per upload request (default: 100)

	// Transport is the network transport under the interceptor. Defaults
	// to http.DefaultTransport.
	Transport http.RoundTripper
}

func (c *Config) setDefaults() {
	if c.EvictThreshold == 0 {
		c.EvictThreshold = 0.9
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = 90 * 24 * time.Hour
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.DrainLease == 0 {
		c.DrainLease = 30 * time.Second
	}
	if c.APICacheMaxAge == 0 {
		c.APICacheMaxAge = 24 * time.Hour
	}
	if c.APICacheMaxEntries == 0 {
		c.APICacheMaxEntries = 100
	}
	if len(c.APIReadPrefixes) == 0 {
		c.APIReadPrefixes = []string{"/api/v1/"}
	}
	if c.BuildToken == "" {
		c.BuildToken = "dev"
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.UploadBatchSize == 0 {
		c.UploadBatchSize = 100
	}
	if c.Transport == nil {
		c.Transport = http.DefaultTransport
	}
}

// SyncStatus is the local sync state of a record.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Record is a locally held entity. LastModifiedAt doubles as the record's
// version: acknowledgements and queued operations refer to it.
type Record struct {
	Kind           string          `json:"kind"`
	ID             string          `json:"id"`
	ServerVersion  int64           `json:"serverVersion"`
	Payload        json.RawMessage `json:"payload"`
	ParentID       string          `json:"parentId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
	SyncStatus     SyncStatus      `json:"syncStatus"`
	SyncedAt       *time.Time      `json:"syncedAt,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
}

// OpState is the queue state of an operation.
type OpState string

const (
	OpQueued OpState = "queued"
	OpDead   OpState = "dead"
)

// RecordRef links a queued operation to the record version it carries.
type RecordRef struct {
	Kind    string
	ID      string
	Version time.Time
}

// QueuedOperation is a mutating request that could not reach the server.
type QueuedOperation struct {
	Seq          int64
	TargetURL    string
	Method       string
	Header       http.Header
	Body         []byte
	EnqueuedAt   time.Time
	AttemptCount int
	State        OpState
	LastError    string
	Record       *RecordRef
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Succeeded    int  `json:"succeeded"`
	Failed       int  `json:"failed"`
	DeadLettered int  `json:"deadLettered"`
	Remaining    int  `json:"remaining"`
	Stopped      bool `json:"stopped"`
}

// StoreStats describes the local store.
type StoreStats struct {
	Records    int                `json:"records"`
	ByKind     map[string]int     `json:"byKind"`
	ByStatus   map[SyncStatus]int `json:"byStatus"`
	UsageBytes int64              `json:"usageBytes"`
	QuotaBytes int64              `json:"quotaBytes"`
}
