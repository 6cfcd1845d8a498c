package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hyperengineering/herdsync/pkg/syncapi"
)

const probeTimeout = 10 * time.Second

// Prober periodically checks that the sync server is reachable and whether
// it runs a newer build.
type Prober struct {
	client   *http.Client
	baseURL  string
	monitor  *Monitor
	build    func() string
	interval time.Duration
}

// NewProber creates a prober. build returns the active build token.
func NewProber(client *http.Client, baseURL string, m *Monitor, build func() string, interval time.Duration) *Prober {
	return &Prober{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		monitor:  m,
		build:    build,
		interval: interval,
	}
}

// Run starts the probe loop. Blocks until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	if _, err := p.Probe(ctx); err != nil && ctx.Err() == nil {
		slog.Debug("probe failed", "component", "offline", "action", "probe", "error", err)
	}
}

// Probe checks the health endpoint once and updates the monitor. Any HTTP
// response counts as reachable.
func (p *Prober) Probe(ctx context.Context) (*syncapi.HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/v1/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if !errors.Is(ctx.Err(), context.Canceled) {
			p.monitor.SetOnline(false)
		}
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()
	p.monitor.SetOnline(true)

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}

	var health syncapi.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	if health.Build != "" && health.Build != p.build() {
		p.monitor.SetUpdateAvailable(health.Build)
	}
	return &health, nil
}
