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
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Request headers linking a mutation to a local record. They are stripped
// before the request leaves the device.
const (
	HeaderRecordKind    = "X-Offline-Record-Kind"
	HeaderRecordID      = "X-Offline-Record-Id"
	HeaderRecordVersion = "X-Offline-Record-Version" // RFC 3339 with nanoseconds
)

// HeaderSource marks responses not served by the network: "cache" or
// "offline".
const HeaderSource = "X-Offline-Source"

const revalidateTimeout = 30 * time.Second

var staticExtensions = map[string]bool{
	".js": true, ".css": true, ".ico": true, ".png": true, ".jpg": true,
	".jpeg": true, ".svg": true, ".webp": true, ".woff2": true,
}

// Strategy is how a request is served.
type Strategy int

const (
	StrategyCacheFirst Strategy = iota
	StrategyNetworkFirst
	StrategyStaleWhileRevalidate
	StrategyMutation
)

func (s Strategy) String() string {
	switch s {
	case StrategyCacheFirst:
		return "cache-first"
	case StrategyNetworkFirst:
		return "network-first"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "mutation"
	}
}

// InterceptorConfig configures an Interceptor.
type InterceptorConfig struct {
	StaticManifest     []string
	APIReadPrefixes    []string
	APICacheMaxAge     time.Duration
	APICacheMaxEntries int
	BuildToken         string

	// Queue receives mutations that could not be sent. Without a queue the
	// transport error is returned.
	Queue *Queue

	// OnNetwork is told whether each network attempt reached the server.
	OnNetwork func(reachable bool)
}

// Interceptor is an http.RoundTripper that keeps the application usable
// offline. Static assets are served cache-first, API reads network-first,
// other reads stale-while-revalidate, and mutations that cannot be sent
// are queued for replay.
type Interceptor struct {
	next     http.RoundTripper
	store    *Store
	cache    *responseCache
	queue    *Queue
	cfg      InterceptorConfig
	manifest map[string]bool

	mu    sync.RWMutex
	build string

	group singleflight.Group
	wg    sync.WaitGroup
}

// NewInterceptor wraps next with the offline strategies. Responses are
// cached in the store's database.
func NewInterceptor(next http.RoundTripper, s *Store, cfg InterceptorConfig) *Interceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	if cfg.BuildToken == "" {
		cfg.BuildToken = "dev"
	}
	manifest := make(map[string]bool, len(cfg.StaticManifest))
	for _, p := range cfg.StaticManifest {
		manifest[p] = true
	}
	return &Interceptor{
		next:     next,
		store:    s,
		cache:    &responseCache{db: s.db, now: func() time.Time { return s.now() }},
		queue:    cfg.Queue,
		cfg:      cfg,
		manifest: manifest,
		build:    cfg.BuildToken,
	}
}

// Strategy classifies req. The decision depends on method and path only.
func (i *Interceptor) Strategy(req *http.Request) Strategy {
	if req.Method != http.MethodGet {
		return StrategyMutation
	}
	p := req.URL.Path
	if i.isStatic(p) {
		return StrategyCacheFirst
	}
	for _, prefix := range i.cfg.APIReadPrefixes {
		if strings.HasPrefix(p, prefix) {
			return StrategyNetworkFirst
		}
	}
	return StrategyStaleWhileRevalidate
}

func (i *Interceptor) isStatic(p string) bool {
	if i.manifest[p] {
		return true
	}
	base := path.Base(p)
	if base == "manifest.json" || strings.HasSuffix(base, ".webmanifest") {
		return true
	}
	return staticExtensions[strings.ToLower(path.Ext(base))]
}

// BuildToken returns the active build token.
func (i *Interceptor) BuildToken() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.build
}

// PartitionName returns the stored name of p for the active build.
func (i *Interceptor) PartitionName(p Partition) string {
	return string(p) + "-" + i.BuildToken()
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	switch i.Strategy(req) {
	case StrategyCacheFirst:
		return i.cacheFirst(req)
	case StrategyNetworkFirst:
		return i.networkFirst(req)
	case StrategyStaleWhileRevalidate:
		return i.staleWhileRevalidate(req)
	default:
		return i.mutation(req)
	}
}

func (i *Interceptor) cacheFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	part, key := i.PartitionName(PartitionStatic), cacheKey(req)

	if e := i.lookup(ctx, part, key); e != nil {
		return e.response(req), nil
	}

	resp, err := i.fetch(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return syntheticResponse(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8",
			"Offline content not available"), nil
	}
	return i.keep(ctx, part, key, req, resp), nil
}

func (i *Interceptor) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	part, key := i.PartitionName(PartitionAPI), cacheKey(req)

	resp, err := i.fetch(req)
	if err == nil {
		resp = i.keep(ctx, part, key, req, resp)
		if isSuccess(resp.StatusCode) {
			if _, err := i.cache.prune(ctx, part, i.cfg.APICacheMaxAge, i.cfg.APICacheMaxEntries); err != nil {
				slog.Warn("api cache prune failed", "component", "offline", "error", err)
			}
		}
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	if e := i.lookup(ctx, part, key); e != nil && !i.expired(ctx, e) {
		return e.response(req), nil
	}
	return syntheticResponse(req, http.StatusServiceUnavailable, "application/json",
		`{"error":"offline","message":"Please check your internet connection"}`), nil
}

func (i *Interceptor) staleWhileRevalidate(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	part, key := i.PartitionName(PartitionDynamic), cacheKey(req)

	if e := i.lookup(ctx, part, key); e != nil {
		i.revalidateInBackground(req, part, key)
		return e.response(req), nil
	}

	resp, err := i.fetch(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return syntheticResponse(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8",
			"Offline content not available"), nil
	}
	return i.keep(ctx, part, key, req, resp), nil
}

// revalidateInBackground refreshes a cached entry. Concurrent refreshes
// of one key share a single network request.
func (i *Interceptor) revalidateInBackground(req *http.Request, part, key string) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		_, _, _ = i.group.Do(part+" "+key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), revalidateTimeout)
			defer cancel()

			out := req.Clone(ctx)
			resp, err := i.fetch(out)
			if err != nil {
				return nil, err
			}
			resp = i.keep(ctx, part, key, out, resp)
			resp.Body.Close()
			return nil, nil
		})
	}()
}

func (i *Interceptor) mutation(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	ref := recordRef(req.Header)
	out := req.Clone(ctx)
	out.Header.Del(HeaderRecordKind)
	out.Header.Del(HeaderRecordID)
	out.Header.Del(HeaderRecordVersion)

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }

	resp, err := i.fetch(out)
	if err == nil {
		if ref != nil {
			i.acknowledge(ctx, ref, Classify(resp, nil))
		}
		return resp, nil
	}
	if ctx.Err() != nil || i.queue == nil {
		return resp, err
	}

	op := &QueuedOperation{
		TargetURL: out.URL.String(),
		Method:    out.Method,
		Header:    out.Header.Clone(),
		Body:      body,
		Record:    ref,
	}
	seq, qerr := i.queue.Enqueue(context.WithoutCancel(ctx), op)
	if qerr != nil {
		return nil, fmt.Errorf("queue %s %s after %v: %w", out.Method, out.URL, err, qerr)
	}

	payload, _ := json.Marshal(map[string]any{"status": "queued", "seq": seq})
	return syntheticResponse(req, http.StatusAccepted, "application/json", string(payload)), nil
}

// acknowledge settles the linked record after the server answered: synced
// on success, failed on a permanent rejection. Transient statuses leave it
// pending.
func (i *Interceptor) acknowledge(ctx context.Context, ref *RecordRef, outcome error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	switch {
	case outcome == nil:
		_, err = i.store.MarkSynced(ctx, ref.Kind, ref.ID, ref.Version, 0)
	case IsPermanent(outcome):
		_, err = i.store.MarkFailed(ctx, ref.Kind, ref.ID, ref.Version, outcome.Error())
	}
	if err != nil {
		slog.Warn("record acknowledgement failed",
			"component", "offline",
			"kind", ref.Kind,
			"id", ref.ID,
			"error", err,
		)
	}
}

// Activate switches the cache to buildToken and deletes every partition
// of other builds.
func (i *Interceptor) Activate(ctx context.Context, buildToken string) error {
	i.mu.Lock()
	i.build = buildToken
	i.mu.Unlock()

	keep := []string{
		i.PartitionName(PartitionStatic),
		i.PartitionName(PartitionDynamic),
		i.PartitionName(PartitionAPI),
	}
	n, err := i.cache.deleteExcept(ctx, keep)
	if err != nil {
		return err
	}
	slog.Info("cache partitions activated",
		"component", "offline",
		"action", "activate",
		"build", buildToken,
		"entries_deleted", n,
	)
	return nil
}

// Partitions lists the stored partition names.
func (i *Interceptor) Partitions(ctx context.Context) ([]string, error) {
	return i.cache.partitions(ctx)
}

// PruneAPI applies the age and size limits to the api partition.
func (i *Interceptor) PruneAPI(ctx context.Context) (int64, error) {
	return i.cache.prune(ctx, i.PartitionName(PartitionAPI), i.cfg.APICacheMaxAge, i.cfg.APICacheMaxEntries)
}

// Revalidate refetches every entry of the api partition. It stops at the
// first transport failure and returns how many entries were refreshed.
func (i *Interceptor) Revalidate(ctx context.Context) (int, error) {
	part := i.PartitionName(PartitionAPI)
	entries, err := i.cache.urls(ctx, part)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for key, url := range entries {
		if !strings.HasPrefix(key, http.MethodGet+" ") {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		resp, err := i.fetch(req)
		if err != nil {
			return refreshed, fmt.Errorf("%w: %v", ErrOffline, err)
		}
		resp = i.keep(ctx, part, key, req, resp)
		resp.Body.Close()
		if isSuccess(resp.StatusCode) {
			refreshed++
		}
	}
	return refreshed, nil
}

// Wait blocks until background revalidations finish.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

func (i *Interceptor) fetch(req *http.Request) (*http.Response, error) {
	resp, err := i.next.RoundTrip(req)
	if i.cfg.OnNetwork != nil && req.Context().Err() == nil {
		i.cfg.OnNetwork(err == nil)
	}
	return resp, err
}

func (i *Interceptor) lookup(ctx context.Context, part, key string) *CacheEntry {
	e, err := i.cache.get(ctx, part, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("cache lookup failed", "component", "offline", "partition", part, "error", err)
		}
		return nil
	}
	return e
}

// expired reports whether an api entry is past its maximum age. Entries
// found expired are pruned.
func (i *Interceptor) expired(ctx context.Context, e *CacheEntry) bool {
	maxAge := i.cfg.APICacheMaxAge
	if maxAge <= 0 || i.cache.now().Sub(e.StoredAt) <= maxAge {
		return false
	}
	if _, err := i.cache.prune(ctx, e.Partition, maxAge, 0); err != nil {
		slog.Warn("api cache prune failed", "component", "offline", "error", err)
	}
	return true
}

// keep stores a successful response and returns it with a replayable body.
func (i *Interceptor) keep(ctx context.Context, part, key string, req *http.Request, resp *http.Response) *http.Response {
	if !isSuccess(resp.StatusCode) {
		return resp
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		slog.Warn("read response for cache failed", "component", "offline", "url", req.URL.String(), "error", err)
		return resp
	}

	err = i.cache.put(ctx, &CacheEntry{
		Partition:  part,
		Key:        key,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	})
	if err != nil {
		slog.Warn("cache store failed", "component", "offline", "partition", part, "error", err)
	}
	return resp
}

func (e *CacheEntry) response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(HeaderSource, "cache")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func syntheticResponse(req *http.Request, status int, contentType, body string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set(HeaderSource, "offline")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// recordRef reads the record linkage headers. Incomplete or malformed
// linkage is ignored.
func recordRef(h http.Header) *RecordRef {
	kind, id, version := h.Get(HeaderRecordKind), h.Get(HeaderRecordID), h.Get(HeaderRecordVersion)
	if kind == "" || id == "" || version == "" {
		return nil
	}
	v, err := time.Parse(time.RFC3339Nano, version)
	if err != nil {
		slog.Warn("ignoring malformed record version header", "component", "offline", "value", version)
		return nil
	}
	return &RecordRef{Kind: kind, ID: id, Version: v.UTC()}
}

func cacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
