package offline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestClient(t *testing.T, baseURL string, transport http.RoundTripper) *Client {
	t.Helper()
	c, err := New(Config{
		APIBaseURL:    baseURL,
		APIKey:        testAPIKey,
		DBPath:        filepath.Join(t.TempDir(), "client.db"),
		BuildToken:    testBuild,
		ProbeInterval: time.Hour,
		Transport:     transport,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestProxy(t *testing.T) (*Client, *fakeTransport, http.Handler) {
	t.Helper()
	ft := newFakeTransport(newUpstream())
	c := newTestClient(t, "http://sync.test", ft)
	h, err := NewProxyHandler(c)
	if err != nil {
		t.Fatalf("NewProxyHandler() error = %v", err)
	}
	return c, ft, h
}

func proxyDo(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestProxy_ForwardsWithCredentials(t *testing.T) {
	c, ft, h := newTestProxy(t)

	w := proxyDo(h, http.MethodGet, "/api/v1/herd?page=2", "")

	if w.Code != http.StatusOK || w.Body.String() != "v1 /api/v1/herd" {
		t.Fatalf("response = %d %q", w.Code, w.Body.String())
	}
	seen := ft.requests()
	if len(seen) != 1 {
		t.Fatalf("upstream requests = %d", len(seen))
	}
	if seen[0].URL != "http://sync.test/api/v1/herd?page=2" {
		t.Errorf("upstream URL = %q", seen[0].URL)
	}
	if seen[0].Header.Get("Authorization") != "Bearer "+testAPIKey {
		t.Errorf("Authorization = %q", seen[0].Header.Get("Authorization"))
	}
	if seen[0].Header.Get("X-Device-ID") != c.DeviceID() {
		t.Errorf("X-Device-ID = %q, want %q", seen[0].Header.Get("X-Device-ID"), c.DeviceID())
	}
}

func TestProxy_OfflineMutationShowsInStatus(t *testing.T) {
	_, ft, h := newTestProxy(t)
	ft.setDown(true)

	// When a write is made while the server is unreachable
	w := proxyDo(h, http.MethodPost, "/api/v1/animals", `{"breedId":"angus"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", w.Code)
	}

	// Then the status endpoint shows the offline banner data
	w = proxyDo(h, http.MethodGet, "/_offline/status", "")
	var st ClientStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Online || st.QueuedOps != 1 || st.ActiveBuild != testBuild || st.Store == nil {
		t.Errorf("status = %+v", st)
	}
}

func TestProxy_DeadLetters(t *testing.T) {
	ctx := context.Background()
	c, _, h := newTestProxy(t)

	// Given a dead-lettered operation
	seq := enqueue(t, c.Queue(), "/api/v1/animals", nil)
	r := &scriptedReplay{failures: map[int64]error{seq: permanentErr}}
	if _, err := c.Queue().Drain(ctx, r.replay); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	// It is listed
	w := proxyDo(h, http.MethodGet, "/_offline/deadletters", "")
	var list struct {
		DeadLetters []deadLetterView `json:"deadLetters"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.DeadLetters) != 1 || list.DeadLetters[0].Seq != seq || list.DeadLetters[0].LastError == "" {
		t.Fatalf("dead letters = %+v", list.DeadLetters)
	}

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/_offline/deadletters/abc/requeue", http.StatusBadRequest},
		{http.MethodPost, "/_offline/deadletters/1/requeue", http.StatusNoContent},
		{http.MethodPost, "/_offline/deadletters/1/requeue", http.StatusNotFound},
		{http.MethodDelete, "/_offline/deadletters/1", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := proxyDo(h, tt.method, tt.path, ""); w.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, w.Code, tt.want)
		}
	}
	if n, _ := c.Queue().Len(ctx); n != 1 {
		t.Errorf("queue length after requeue = %d, want 1", n)
	}
}

func TestProxy_DiscardDeadLetter(t *testing.T) {
	ctx := context.Background()
	c, _, h := newTestProxy(t)
	seq := enqueue(t, c.Queue(), "/x", nil)
	r := &scriptedReplay{failures: map[int64]error{seq: permanentErr}}
	c.Queue().Drain(ctx, r.replay)

	if w := proxyDo(h, http.MethodDelete, "/_offline/deadletters/1", ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", w.Code)
	}
	if n, _ := c.Queue().DeadLetterCount(ctx); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestProxy_Activate(t *testing.T) {
	c, _, h := newTestProxy(t)

	// Nothing waiting
	w := proxyDo(h, http.MethodPost, "/_offline/activate", "")
	if !strings.Contains(w.Body.String(), `"activated":false`) {
		t.Errorf("body = %s", w.Body.String())
	}

	// An update waiting
	c.Monitor().SetUpdateAvailable("b2")
	w = proxyDo(h, http.MethodPost, "/_offline/activate", "")
	var body struct {
		Activated   bool   `json:"activated"`
		ActiveBuild string `json:"activeBuild"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Activated || body.ActiveBuild != "b2" {
		t.Errorf("activate = %+v", body)
	}
}

func TestProxy_EventStream(t *testing.T) {
	c, _, h := newTestProxy(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	// Given a websocket subscriber
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/_offline/events", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// When connectivity drops
	c.Monitor().SetOnline(false)

	// Then the subscriber receives the event
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if e.Kind != EventOffline {
		t.Errorf("event = %+v, want offline", e)
	}
}
