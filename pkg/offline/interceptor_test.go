package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/herdsync/pkg/syncapi"
)

// upstream serves "v<generation> <path>" for GETs and echoes mutations.
// POST /reject answers 422, GET /missing.js answers 404.
type upstream struct {
	generation atomic.Int32
}

func newUpstream() *upstream {
	u := &upstream{}
	u.generation.Store(1)
	return u
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/missing.js":
		http.NotFound(w, r)
	case r.URL.Path == "/reject":
		w.WriteHeader(http.StatusUnprocessableEntity)
	case r.Method != http.MethodGet:
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(b)
	default:
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "v%d %s", u.generation.Load(), r.URL.Path)
	}
}

type interceptorFixture struct {
	store       *Store
	queue       *Queue
	transport   *fakeTransport
	upstream    *upstream
	interceptor *Interceptor
	client      *http.Client
}

func newInterceptorFixture(t *testing.T, cfg InterceptorConfig) *interceptorFixture {
	t.Helper()
	f := &interceptorFixture{
		store:    newTestStore(t, StoreOptions{}),
		upstream: newUpstream(),
	}
	f.queue = NewQueue(f.store, QueueOptions{})
	f.transport = newFakeTransport(f.upstream)
	if cfg.APIReadPrefixes == nil {
		cfg.APIReadPrefixes = []string{"/api/v1/"}
	}
	if cfg.Queue == nil {
		cfg.Queue = f.queue
	}
	f.interceptor = NewInterceptor(f.transport, f.store, cfg)
	f.client = &http.Client{Transport: f.interceptor}
	t.Cleanup(f.interceptor.Wait)
	return f
}

func (f *interceptorFixture) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := f.client.Get("http://app.test" + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	return resp, readBody(t, resp)
}

func TestInterceptor_Strategy(t *testing.T) {
	i := NewInterceptor(newFakeTransport(http.NotFoundHandler()), newTestStore(t, StoreOptions{}), InterceptorConfig{
		StaticManifest:  []string{"/index.html", "/app"},
		APIReadPrefixes: []string{"/api/v1/"},
	})

	tests := []struct {
		method string
		path   string
		want   Strategy
	}{
		{http.MethodGet, "/app.js", StrategyCacheFirst},
		{http.MethodGet, "/styles/site.CSS", StrategyCacheFirst},
		{http.MethodGet, "/icons/cow.svg", StrategyCacheFirst},
		{http.MethodGet, "/fonts/inter.woff2", StrategyCacheFirst},
		{http.MethodGet, "/manifest.json", StrategyCacheFirst},
		{http.MethodGet, "/site.webmanifest", StrategyCacheFirst},
		{http.MethodGet, "/index.html", StrategyCacheFirst},
		{http.MethodGet, "/app", StrategyCacheFirst},
		{http.MethodGet, "/data/herd.json", StrategyStaleWhileRevalidate},
		{http.MethodGet, "/api/v1/sync/status", StrategyNetworkFirst},
		{http.MethodGet, "/api/v1/icon.png", StrategyCacheFirst},
		{http.MethodGet, "/herd", StrategyStaleWhileRevalidate},
		{http.MethodPost, "/api/v1/sync/upload", StrategyMutation},
		{http.MethodPut, "/logo.png", StrategyMutation},
		{http.MethodDelete, "/api/v1/animals/1", StrategyMutation},
		{http.MethodPatch, "/herd", StrategyMutation},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, "http://app.test"+tt.path, nil)
			if got := i.Strategy(req); got != tt.want {
				t.Errorf("Strategy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInterceptor_CacheFirst(t *testing.T) {
	f := newInterceptorFixture(t, InterceptorConfig{})

	// Given a static asset fetched once
	_, body := f.get(t, "/app.js")
	if body != "v1 /app.js" {
		t.Fatalf("first body = %q", body)
	}

	// When it changes upstream and is requested again
	f.upstream.generation.Store(2)
	resp, body := f.get(t, "/app.js")

	// Then the cached copy is served without touching the network
	if body != "v1 /app.js" || resp.Header.Get(HeaderSource) != "cache" {
		t.Errorf("second response = %q (source %q), want cached v1", body, resp.Header.Get(HeaderSource))
	}
	if n := len(f.transport.requests()); n != 1 {
		t.Errorf("network requests = %d, want 1", n)
	}

	// And an uncached asset while offline is a synthetic 503
	f.transport.setDown(true)
	resp, body = f.get(t, "/other.css")
	if resp.StatusCode != http.StatusServiceUnavailable || body != "Offline content not available" {
		t.Errorf("offline miss = %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderSource) != "offline" {
		t.Errorf("source = %q, want offline", resp.Header.Get(HeaderSource))
	}
}

func TestInterceptor_ErrorResponsesAreNotCached(t *testing.T) {
	f := newInterceptorFixture(t, InterceptorConfig{})

	f.get(t, "/missing.js")
	resp, _ := f.get(t, "/missing.js")

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if n := len(f.transport.requests()); n != 2 {
		t.Errorf("network requests = %d, want 2", n)
	}
}

func TestInterceptor_NetworkFirst(t *testing.T) {
	f := newInterceptorFixture(t, InterceptorConfig{APICacheMaxAge: time.Hour})
	advance := fixedClock(f.store, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	// Online: every read goes to the network
	f.get(t, "/api/v1/herd")
	f.upstream.generation.Store(2)
	_, body := f.get(t, "/api/v1/herd")
	if body != "v2 /api/v1/herd" {
		t.Fatalf("online body = %q, want fresh v2", body)
	}

	// Offline: the last good copy is served
	f.transport.setDown(true)
	resp, body := f.get(t, "/api/v1/herd")
	if body != "v2 /api/v1/herd" || resp.Header.Get(HeaderSource) != "cache" {
		t.Errorf("offline body = %q (source %q)", body, resp.Header.Get(HeaderSource))
	}

	// Offline without a copy: synthetic JSON 503
	resp, body = f.get(t, "/api/v1/never-seen")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var problem map[string]string
	if err := json.Unmarshal([]byte(body), &problem); err != nil || problem["error"] != "offline" {
		t.Errorf("body = %q, want {\"error\":\"offline\"}", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	// Offline past the max age: the old copy is evicted, not served
	advance(48 * time.Hour)
	resp, body = f.get(t, "/api/v1/herd")
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get(HeaderSource) != "offline" {
		t.Errorf("expired entry = %d (source %q) %q, want offline 503", resp.StatusCode, resp.Header.Get(HeaderSource), body)
	}
	var n int
	f.store.db.QueryRow(`SELECT COUNT(*) FROM cache_entries WHERE partition = ?`, f.interceptor.PartitionName(PartitionAPI)).Scan(&n)
	if n != 0 {
		t.Errorf("api entries after expiry = %d, want 0", n)
	}
}

func TestInterceptor_StaleWhileRevalidate(t *testing.T) {
	f := newInterceptorFixture(t, InterceptorConfig{})

	// Given a page fetched once
	f.get(t, "/herd")
	f.upstream.generation.Store(2)

	// When it is requested again, the stale copy comes back at once
	resp, body := f.get(t, "/herd")
	if body != "v1 /herd" || resp.Header.Get(HeaderSource) != "cache" {
		t.Fatalf("second body = %q (source %q), want stale v1", body, resp.Header.Get(HeaderSource))
	}

	// And the background refresh updates the cache
	f.interceptor.Wait()
	_, body = f.get(t, "/herd")
	if body != "v2 /herd" {
		t.Errorf("after revalidation body = %q, want v2", body)
	}

	// Offline with no copy is a synthetic 503
	f.interceptor.Wait()
	f.transport.setDown(true)
	resp, _ = f.get(t, "/never-seen")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("offline miss status = %d, want 503", resp.StatusCode)
	}
}

func TestInterceptor_RevalidationIsDeduplicated(t *testing.T) {
	// Given a cached page and a slow upstream
	f := newInterceptorFixture(t, InterceptorConfig{})
	f.get(t, "/herd")

	gate := make(chan struct{})
	var hits atomic.Int32
	f.transport.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		fmt.Fprint(w, "fresh")
	})

	// When many readers hit the stale entry at once
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.client.Get("http://app.test/herd")
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)
	close(gate)
	f.interceptor.Wait()

	// Then revalidations in flight together share one network request
	if n := hits.Load(); n != 1 {
		t.Errorf("revalidation requests = %d, want 1", n)
	}
}

func TestInterceptor_MutationOnline(t *testing.T) {
	f := newInterceptorFixture(t, InterceptorConfig{})

	rec := mustPut(t, f.store, syncapi.KindAnimals, animal("angus"))

	// When a mutation carrying record linkage is sent online
	req, _ := http.NewRequest(http.MethodPost, "http://app.test/api/v1/animals", strings.NewReader(`{"breedId":"angus"}`))
	req.Header.Set(HeaderRecordKind, rec.Kind)
	req.Header.Set(HeaderRecordID, rec.ID)
	req.Header.Set(HeaderRecordVersion, rec.LastModifiedAt.Format(time.RFC3339Nano))
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	// Then it passes through with the linkage headers stripped
	if resp.StatusCode != http.StatusCreated || readBody(t, resp) != `{"breedId":"angus"}` {
		t.Errorf("response = %d", resp.StatusCode)
	}
	seen := f.transport.requests()[0]
	for _, h := range []string{HeaderRecordKind, HeaderRecordID, HeaderRecordVersion} {
		if seen.Header.Get(h) != "" {
			t.Errorf("header %s reached the server", h)
		}
	}

	// And the acknowledged record is synced
	if got := mustGet(t, f.store, rec.Kind, rec.ID); got.SyncStatus != StatusSynced {
		t.Errorf("record status = %q, want synced", got.SyncStatus)
	}

	// A linked mutation the server rejects marks the record failed
	other := mustPut(t, f.store, syncapi.KindAnimals, animal("hereford"))
	req, _ = http.NewRequest(http.MethodPost, "http://app.test/reject", strings.NewReader(`{}`))
	req.Header.Set(HeaderRecordKind, other.Kind)
	req.Header.Set(HeaderRecordID, other.ID)
	req.Header.Set(HeaderRecordVersion, other.LastModifiedAt.Format(time.RFC3339Nano))
	resp, err = f.client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if got := mustGet(t, f.store, other.Kind, other.ID); got.SyncStatus != StatusFailed || got.LastError == "" {
		t.Errorf("rejected record = %q (%q), want failed", got.SyncStatus, got.LastError)
	}

	// And HTTP errors are returned, not queued
	resp, err = f.client.Post("http://app.test/reject", "application/json", strings.NewReader(`{}`))
	if err != nil || resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("POST /reject = %v, %v", resp, err)
	}
	resp.Body.Close()
	if n, _ := f.queue.Len(context.Background()); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestInterceptor_MutationOfflineIsQueued(t *testing.T) {
	f := newInterceptorFixture(t, InterceptorConfig{})
	f.transport.setDown(true)
	version := time.Date(2026, 3, 1, 10, 0, 0, 42, time.UTC)

	// When a mutation fails to reach the server
	req, _ := http.NewRequest(http.MethodPut, "http://app.test/api/v1/animals/cow-1", strings.NewReader(`{"breedId":"angus"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRecordKind, syncapi.KindAnimals)
	req.Header.Set(HeaderRecordID, "cow-1")
	req.Header.Set(HeaderRecordVersion, version.Format(time.RFC3339Nano))
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	// Then a synthetic 202 reports the queue position
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
		Seq    int64  `json:"seq"`
	}
	if err := json.Unmarshal([]byte(readBody(t, resp)), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "queued" || body.Seq != 1 {
		t.Errorf("body = %+v", body)
	}

	// And the request is queued without linkage headers but with its record
	ops, _ := f.queue.Pending(context.Background())
	if len(ops) != 1 {
		t.Fatalf("queued ops = %d, want 1", len(ops))
	}
	op := ops[0]
	if op.Method != http.MethodPut || op.TargetURL != "http://app.test/api/v1/animals/cow-1" || string(op.Body) != `{"breedId":"angus"}` {
		t.Errorf("op = %+v", op)
	}
	if op.Header.Get("Content-Type") != "application/json" || op.Header.Get(HeaderRecordID) != "" {
		t.Errorf("op header = %v", op.Header)
	}
	if op.Record == nil || op.Record.ID != "cow-1" || !op.Record.Version.Equal(version) {
		t.Errorf("op record = %+v", op.Record)
	}
}

func TestInterceptor_MalformedLinkageIsIgnored(t *testing.T) {
	f := newInterceptorFixture(t, InterceptorConfig{})
	f.transport.setDown(true)

	req, _ := http.NewRequest(http.MethodPost, "http://app.test/x", strings.NewReader(`{}`))
	req.Header.Set(HeaderRecordKind, syncapi.KindAnimals)
	req.Header.Set(HeaderRecordID, "cow-1")
	req.Header.Set(HeaderRecordVersion, "yesterday")
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	ops, _ := f.queue.Pending(context.Background())
	if len(ops) != 1 || ops[0].Record != nil {
		t.Errorf("ops = %+v, want one op without record", ops)
	}
}

func TestInterceptor_MutationWithoutQueueFails(t *testing.T) {
	s := newTestStore(t, StoreOptions{})
	ft := newFakeTransport(newUpstream())
	ft.setDown(true)
	client := &http.Client{Transport: NewInterceptor(ft, s, InterceptorConfig{})}

	_, err := client.Post("http://app.test/x", "application/json", strings.NewReader(`{}`))
	if !errors.Is(err, errConnRefused) {
		t.Errorf("Post() error = %v, want the transport error", err)
	}
}

func TestInterceptor_ActivateDropsOtherBuilds(t *testing.T) {
	ctx := context.Background()
	f := newInterceptorFixture(t, InterceptorConfig{BuildToken: "b1"})

	// Given entries cached under build b1
	f.get(t, "/app.js")
	f.get(t, "/api/v1/herd")
	parts, _ := f.interceptor.Partitions(ctx)
	if strings.Join(parts, ",") != "api-b1,static-b1" {
		t.Fatalf("partitions = %v", parts)
	}

	// When build b2 is activated
	if err := f.interceptor.Activate(ctx, "b2"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	// Then b1 partitions are gone and new entries land in b2
	if parts, _ := f.interceptor.Partitions(ctx); len(parts) != 0 {
		t.Errorf("partitions after activate = %v, want none", parts)
	}
	f.get(t, "/app.js")
	if parts, _ := f.interceptor.Partitions(ctx); strings.Join(parts, ",") != "static-b2" {
		t.Errorf("partitions = %v, want [static-b2]", parts)
	}
	if f.interceptor.BuildToken() != "b2" {
		t.Errorf("BuildToken() = %q", f.interceptor.BuildToken())
	}
}

func TestInterceptor_APICacheLimits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreOptions{})
	advance := fixedClock(store, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	i := NewInterceptor(newFakeTransport(newUpstream()), store, InterceptorConfig{
		APIReadPrefixes:    []string{"/api/v1/"},
		APICacheMaxEntries: 2,
		APICacheMaxAge:     24 * time.Hour,
	})
	client := &http.Client{Transport: i}

	count := func() int {
		var n int
		store.db.QueryRow(`SELECT COUNT(*) FROM cache_entries WHERE partition = ?`, i.PartitionName(PartitionAPI)).Scan(&n)
		return n
	}

	// Given three API reads
	for _, p := range []string{"/api/v1/a", "/api/v1/b", "/api/v1/c"} {
		resp, err := client.Get("http://app.test" + p)
		if err != nil {
			t.Fatalf("GET %s: %v", p, err)
		}
		resp.Body.Close()
		advance(time.Minute)
	}

	// Then only the newest two are kept
	if n := count(); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}

	// And expired entries go on prune
	advance(25 * time.Hour)
	if _, err := i.PruneAPI(ctx); err != nil {
		t.Fatalf("PruneAPI() error = %v", err)
	}
	if n := count(); n != 0 {
		t.Errorf("entries after expiry = %d, want 0", n)
	}
}

func TestInterceptor_Revalidate(t *testing.T) {
	ctx := context.Background()
	f := newInterceptorFixture(t, InterceptorConfig{})
	f.get(t, "/api/v1/a")
	f.get(t, "/api/v1/b")

	// When the server changes and the api cache is revalidated
	f.upstream.generation.Store(2)
	n, err := f.interceptor.Revalidate(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Revalidate() = %d, %v, want 2", n, err)
	}

	// Then offline reads see the refreshed copies
	f.transport.setDown(true)
	if _, body := f.get(t, "/api/v1/a"); body != "v2 /api/v1/a" {
		t.Errorf("body = %q, want v2", body)
	}

	// And revalidating offline reports ErrOffline
	if _, err := f.interceptor.Revalidate(ctx); !errors.Is(err, ErrOffline) {
		t.Errorf("Revalidate() offline error = %v, want ErrOffline", err)
	}
}

func TestInterceptor_ReportsNetworkReachability(t *testing.T) {
	var mu sync.Mutex
	var reports []bool
	f := newInterceptorFixture(t, InterceptorConfig{OnNetwork: func(ok bool) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, ok)
	}})

	f.get(t, "/api/v1/a")
	f.transport.setDown(true)
	f.get(t, "/api/v1/a")

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(reports) != "[true false]" {
		t.Errorf("reports = %v, want [true false]", reports)
	}
}
