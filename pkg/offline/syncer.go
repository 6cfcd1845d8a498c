package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/herdsync/pkg/syncapi"
)

const (
	defaultGetRetries   = 3
	defaultRetryBackoff = 200 * time.Millisecond
	downloadPageSize    = 500
	cursorPrefix        = "cursor:"
)

// UploadSummary reports one Upload call.
type UploadSummary struct {
	Sent   int `json:"sent"`
	Synced int `json:"synced"`
	Failed int `json:"failed"`
	Stale  int `json:"stale"`
}

// DownloadSummary reports one Download call.
type DownloadSummary struct {
	Received    int   `json:"received"`
	Applied     int   `json:"applied"`
	LastVersion int64 `json:"lastVersion"`
}

// KindSummary is the result of syncing one kind.
type KindSummary struct {
	Kind     string          `json:"kind"`
	Upload   UploadSummary   `json:"upload"`
	Download DownloadSummary `json:"download"`
}

// Syncer reconciles the local store with the sync server.
type Syncer struct {
	client    *http.Client
	baseURL   string
	deviceID  string
	store     *Store
	queue     *Queue
	batchSize int

	retries uint64
	backoff time.Duration
}

// NewSyncer creates a syncer. client must not route through the
// Interceptor: uploads are retried from the store, not from the queue.
func NewSyncer(client *http.Client, baseURL, deviceID string, s *Store, q *Queue, batchSize int) *Syncer {
	if batchSize < 1 || batchSize > syncapi.MaxUploadBatch {
		batchSize = 100
	}
	return &Syncer{
		client:    client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		deviceID:  deviceID,
		store:     s,
		queue:     q,
		batchSize: batchSize,
		retries:   defaultGetRetries,
		backoff:   defaultRetryBackoff,
	}
}

// Upload sends the pending records of kind in batches. Each record is
// acknowledged at the version captured before sending, so a record edited
// during the upload stays pending. A transport failure returns the batch
// to pending and fails with ErrOffline.
func (s *Syncer) Upload(ctx context.Context, kind string) (UploadSummary, error) {
	var sum UploadSummary

	pending, err := s.store.ListByStatus(ctx, kind, StatusPending)
	if err != nil {
		return sum, err
	}

	for start := 0; start < len(pending); start += s.batchSize {
		end := min(start+s.batchSize, len(pending))
		if err := s.uploadBatch(ctx, kind, pending[start:end], &sum); err != nil {
			return sum, err
		}
	}

	if sum.Sent > 0 {
		slog.Info("upload completed",
			"component", "offline",
			"action", "upload",
			"kind", kind,
			"sent", sum.Sent,
			"synced", sum.Synced,
			"failed", sum.Failed,
			"stale", sum.Stale,
		)
	}
	return sum, nil
}

func (s *Syncer) uploadBatch(ctx context.Context, kind string, batch []Record, sum *UploadSummary) error {
	// 1. Claim records still at the listed version
	versions := make(map[string]time.Time, len(batch))
	req := syncapi.UploadRequest{
		Type:       kind,
		Records:    make([]syncapi.Record, 0, len(batch)),
		DeviceInfo: &syncapi.DeviceInfo{DeviceID: s.deviceID},
	}
	for _, rec := range batch {
		ok, err := s.store.MarkSyncing(ctx, kind, rec.ID, rec.LastModifiedAt)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		versions[rec.ID] = rec.LastModifiedAt
		req.Records = append(req.Records, syncapi.Record{
			ID:             rec.ID,
			Kind:           kind,
			Payload:        rec.Payload,
			CreatedAt:      rec.CreatedAt,
			LastModifiedAt: rec.LastModifiedAt,
			DeviceID:       s.deviceID,
		})
	}
	if len(req.Records) == 0 {
		return nil
	}
	sum.Sent += len(req.Records)

	// 2. Send
	resp, err := s.postUpload(ctx, req)
	if err != nil {
		if !IsPermanent(err) {
			s.release(ctx, kind, versions)
			return err
		}
		for id, v := range versions {
			if _, ferr := s.store.MarkFailed(ctx, kind, id, v, err.Error()); ferr != nil {
				return ferr
			}
		}
		sum.Failed += len(versions)
		return err
	}

	// 3. Settle each record
	for _, r := range resp.Results {
		v, ok := versions[r.ID]
		if !ok {
			continue
		}
		delete(versions, r.ID)

		if r.Outcome == syncapi.OutcomeFailed {
			if _, err := s.store.MarkFailed(ctx, kind, r.ID, v, r.Error); err != nil {
				return err
			}
			sum.Failed++
			continue
		}
		synced, err := s.store.MarkSynced(ctx, kind, r.ID, v, r.Version)
		if err != nil {
			return err
		}
		if synced {
			sum.Synced++
		} else {
			sum.Stale++
		}
	}

	// Records the server did not report on go back to pending.
	s.release(ctx, kind, versions)
	return nil
}

func (s *Syncer) release(ctx context.Context, kind string, versions map[string]time.Time) {
	for id, v := range versions {
		if _, err := s.store.MarkPending(ctx, kind, id, v); err != nil {
			slog.Warn("failed to release record", "component", "offline", "kind", kind, "record_id", id, "error", err)
		}
	}
}

func (s *Syncer) postUpload(ctx context.Context, body syncapi.UploadRequest) (*syncapi.UploadResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/sync/upload", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if cerr := Classify(resp, err); cerr != nil {
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		return nil, offlineErr(cerr)
	}
	defer resp.Body.Close()

	var out syncapi.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &out, nil
}

// Download pulls every record of kind the server has after the stored
// cursor and applies it locally.
func (s *Syncer) Download(ctx context.Context, kind string) (DownloadSummary, error) {
	var sum DownloadSummary

	cursor, err := s.cursor(ctx, kind)
	if err != nil {
		return sum, err
	}
	sum.LastVersion = cursor

	for {
		q := url.Values{}
		q.Set("type", kind)
		q.Set("after", strconv.FormatInt(cursor, 10))
		q.Set("limit", strconv.Itoa(downloadPageSize))

		var page syncapi.DownloadResponse
		if err := s.getJSON(ctx, "/api/v1/sync/download?"+q.Encode(), nil, &page); err != nil {
			return sum, err
		}

		for _, rec := range page.Records {
			applied, err := s.store.ApplyRemote(ctx, kind, rec)
			if err != nil {
				return sum, fmt.Errorf("apply %s/%s: %w", kind, rec.ID, err)
			}
			sum.Received++
			if applied {
				sum.Applied++
			}
		}

		if page.LastVersion > cursor {
			cursor = page.LastVersion
			if err := s.store.SetMeta(ctx, cursorPrefix+kind, strconv.FormatInt(cursor, 10)); err != nil {
				return sum, err
			}
		}
		sum.LastVersion = cursor

		if !page.HasMore || len(page.Records) == 0 {
			break
		}
	}

	if sum.Received > 0 {
		slog.Info("download completed",
			"component", "offline",
			"action", "download",
			"kind", kind,
			"received", sum.Received,
			"applied", sum.Applied,
			"last_version", sum.LastVersion,
		)
	}
	return sum, nil
}

func (s *Syncer) cursor(ctx context.Context, kind string) (int64, error) {
	v, ok, err := s.store.GetMeta(ctx, cursorPrefix+kind)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s cursor %q: %w", kind, v, err)
	}
	return n, nil
}

// Status fetches the server's view of this device's sync state.
func (s *Syncer) Status(ctx context.Context) (*syncapi.StatusResponse, error) {
	header := make(http.Header)
	if s.queue != nil {
		n, err := s.queue.Len(ctx)
		if err != nil {
			return nil, err
		}
		header.Set(syncapi.HeaderPendingOps, strconv.Itoa(n))
	}

	var out syncapi.StatusResponse
	if err := s.getJSON(ctx, "/api/v1/sync/status", header, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncAll uploads then downloads every kind. It stops at the first error.
func (s *Syncer) SyncAll(ctx context.Context) ([]KindSummary, error) {
	out := make([]KindSummary, 0, len(syncapi.Kinds))
	for _, kind := range syncapi.Kinds {
		ks := KindSummary{Kind: kind}
		var err error
		if ks.Upload, err = s.Upload(ctx, kind); err != nil {
			return out, fmt.Errorf("upload %s: %w", kind, err)
		}
		if ks.Download, err = s.Download(ctx, kind); err != nil {
			return out, fmt.Errorf("download %s: %w", kind, err)
		}
		out = append(out, ks)
	}
	return out, nil
}

// getJSON performs a GET, retrying transient failures with exponential
// backoff, and decodes the body into out.
func (s *Syncer) getJSON(ctx context.Context, path string, header http.Header, out any) error {
	b := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		for k, vs := range header {
			req.Header[k] = vs
		}

		resp, err := s.client.Do(req)
		if cerr := Classify(resp, err); cerr != nil {
			if resp != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
			if IsPermanent(cerr) {
				return cerr
			}
			return retry.RetryableError(cerr)
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	})
	return offlineErr(err)
}

// offlineErr marks transport failures with ErrOffline.
func offlineErr(err error) error {
	var re *ReplayError
	if errors.As(err, &re) && re.StatusCode == 0 {
		return fmt.Errorf("%w: %w", ErrOffline, err)
	}
	return err
}
