package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hyperengineering/herdsync/pkg/syncapi"
)

const reconnectTimeout = 5 * time.Minute

// ClientStatus is the local view shown by the offline banner.
type ClientStatus struct {
	DeviceID        string      `json:"deviceId"`
	Online          bool        `json:"online"`
	UpdateAvailable bool        `json:"updateAvailable"`
	PendingBuild    string      `json:"pendingBuild,omitempty"`
	ActiveBuild     string      `json:"activeBuild"`
	QueuedOps       int         `json:"queuedOps"`
	DeadLetters     int         `json:"deadLetters"`
	Store           *StoreStats `json:"store"`
}

// Client composes the offline layer of one device: local store, operation
// queue, intercepting transport, connectivity monitor, prober and syncer.
// Use one Client per database per process.
type Client struct {
	cfg         Config
	store       *Store
	queue       *Queue
	interceptor *Interceptor
	monitor     *Monitor
	prober      *Prober
	syncer      *Syncer
	replayer    *HTTPReplayer
	httpClient  *http.Client

	mu           sync.RWMutex
	closed       bool
	unsubscribe  func()
	reconnecting sync.WaitGroup
}

// New opens the local database and wires the offline layer. Coming back
// online drains the queue, then revalidates cached API responses.
func New(cfg Config) (*Client, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("DBPath is required")
	}
	if cfg.APIBaseURL == "" {
		return nil, errors.New("APIBaseURL is required")
	}
	cfg.setDefaults()

	store, err := NewStore(cfg.DBPath, StoreOptions{
		QuotaBytes:      cfg.QuotaBytes,
		EvictThreshold:  cfg.EvictThreshold,
		RetentionWindow: cfg.RetentionWindow,
	})
	if err != nil {
		return nil, err
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID, err = store.DeviceID(context.Background())
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	// Requests sent directly, bypassing the interceptor: replays, probes
	// and sync calls.
	direct := &authTransport{next: cfg.Transport, apiKey: cfg.APIKey, deviceID: cfg.DeviceID}
	raw := &http.Client{Transport: direct}

	c := &Client{
		cfg:      cfg,
		store:    store,
		queue:    NewQueue(store, QueueOptions{MaxAttempts: cfg.MaxAttempts, LeaseTTL: cfg.DrainLease}),
		replayer: &HTTPReplayer{Client: raw},
	}
	c.monitor = NewMonitor(func(ctx context.Context, token string) error {
		return c.interceptor.Activate(ctx, token)
	})
	c.interceptor = NewInterceptor(direct, store, InterceptorConfig{
		StaticManifest:     cfg.StaticManifest,
		APIReadPrefixes:    cfg.APIReadPrefixes,
		APICacheMaxAge:     cfg.APICacheMaxAge,
		APICacheMaxEntries: cfg.APICacheMaxEntries,
		BuildToken:         cfg.BuildToken,
		Queue:              c.queue,
		OnNetwork:          c.monitor.SetOnline,
	})
	c.prober = NewProber(raw, cfg.APIBaseURL, c.monitor, c.interceptor.BuildToken, cfg.ProbeInterval)
	c.syncer = NewSyncer(raw, cfg.APIBaseURL, cfg.DeviceID, store, c.queue, cfg.UploadBatchSize)
	c.httpClient = &http.Client{Transport: c.interceptor}
	c.unsubscribe = c.monitor.Subscribe(EventOnline, c.onOnline)

	slog.Info("offline client ready",
		"component", "offline",
		"device_id", cfg.DeviceID,
		"db_path", cfg.DBPath,
		"build", cfg.BuildToken,
	)
	return c, nil
}

// HTTPClient returns a client whose requests go through the interceptor.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// Store returns the local record store.
func (c *Client) Store() *Store { return c.store }

// Queue returns the pending-operation queue.
func (c *Client) Queue() *Queue { return c.queue }

// Interceptor returns the intercepting transport.
func (c *Client) Interceptor() *Interceptor { return c.interceptor }

// Monitor returns the connectivity and update monitor.
func (c *Client) Monitor() *Monitor { return c.monitor }

// Syncer returns the record syncer.
func (c *Client) Syncer() *Syncer { return c.syncer }

// DeviceID returns the id this device syncs as.
func (c *Client) DeviceID() string { return c.cfg.DeviceID }

// Run probes the server until ctx is cancelled. Operations left from an
// earlier run are replayed once the server answers.
func (c *Client) Run(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := c.prober.Probe(ctx); err == nil {
		c.reconnect(ctx)
	}
	c.prober.Run(ctx)
	return nil
}

// Drain replays the queue now.
func (c *Client) Drain(ctx context.Context) (DrainResult, error) {
	if err := c.checkOpen(); err != nil {
		return DrainResult{}, err
	}
	return c.queue.Drain(ctx, c.replayer.Replay)
}

// Sync replays the queue, then uploads and downloads every kind.
func (c *Client) Sync(ctx context.Context) ([]KindSummary, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := c.queue.Drain(ctx, c.replayer.Replay); err != nil && !errors.Is(err, ErrDrainInProgress) {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	return c.syncer.SyncAll(ctx)
}

// RemoteStatus fetches the server's sync status for this device.
func (c *Client) RemoteStatus(ctx context.Context) (*syncapi.StatusResponse, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.syncer.Status(ctx)
}

// Status returns the local status.
func (c *Client) Status(ctx context.Context) (*ClientStatus, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	queued, err := c.queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	dead, err := c.queue.DeadLetterCount(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	state := c.monitor.State()
	return &ClientStatus{
		DeviceID:        c.cfg.DeviceID,
		Online:          state.Online,
		UpdateAvailable: state.UpdateAvailable,
		PendingBuild:    state.PendingBuild,
		ActiveBuild:     c.interceptor.BuildToken(),
		QueuedOps:       queued,
		DeadLetters:     dead,
		Store:           stats,
	}, nil
}

// Activate switches to a waiting build. It returns false when there is
// none.
func (c *Client) Activate(ctx context.Context) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	return c.monitor.Activate(ctx)
}

// Close waits for background work and closes the database.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.unsubscribe()
	c.mu.Unlock()

	c.reconnecting.Wait()
	c.interceptor.Wait()
	return c.store.Close()
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Client) onOnline(Event) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.reconnecting.Add(1)
	c.mu.RUnlock()

	go func() {
		defer c.reconnecting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
		defer cancel()
		c.reconnect(ctx)
	}()
}

// reconnect drains the queue, then refreshes the api cache.
func (c *Client) reconnect(ctx context.Context) {
	_, err := c.queue.Drain(ctx, c.replayer.Replay)
	switch {
	case errors.Is(err, ErrDrainInProgress):
		slog.Debug("drain already running", "component", "offline", "action", "reconnect")
	case err != nil:
		slog.Warn("drain after reconnect failed", "component", "offline", "action", "reconnect", "error", err)
	}

	n, err := c.interceptor.Revalidate(ctx)
	if err != nil {
		slog.Warn("cache revalidation failed", "component", "offline", "action", "revalidate", "error", err)
		return
	}
	slog.Debug("cache revalidated", "component", "offline", "action", "revalidate", "count", n)
}

// authTransport adds the API key and device id to outgoing requests. It sits
// below the interceptor so credentials are never written to the queue.
type authTransport struct {
	next     http.RoundTripper
	apiKey   string
	deviceID string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	needAuth := t.apiKey != "" && req.Header.Get("Authorization") == ""
	needDevice := t.deviceID != "" && req.Header.Get(syncapi.HeaderDeviceID) == ""
	if needAuth || needDevice {
		req = req.Clone(req.Context())
		if needAuth {
			req.Header.Set("Authorization", "Bearer "+t.apiKey)
		}
		if needDevice {
			req.Header.Set(syncapi.HeaderDeviceID, t.deviceID)
		}
	}
	return t.next.RoundTrip(req)
}
