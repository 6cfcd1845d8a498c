package offline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:443: connect: connection refused")

// newTestStore opens a store in a temp directory.
func newTestStore(t *testing.T, opts StoreOptions) *Store {
	t.Helper()
	return openTestStore(t, filepath.Join(t.TempDir(), "offline.db"), opts)
}

func openTestStore(t *testing.T, path string, opts StoreOptions) *Store {
	t.Helper()
	s, err := NewStore(path, opts)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedClock makes s report now and returns a function that moves it.
func fixedClock(s *Store, now time.Time) func(time.Duration) {
	s.now = func() time.Time { return now }
	return func(d time.Duration) {
		now = now.Add(d)
	}
}

func animal(breed string) json.RawMessage {
	return json.RawMessage(`{"breedId":"` + breed + `","confidence":0.9}`)
}

func mustPut(t *testing.T, s *Store, kind string, payload json.RawMessage) *Record {
	t.Helper()
	rec, err := s.Put(context.Background(), kind, payload)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return rec
}

func mustGet(t *testing.T, s *Store, kind, id string) *Record {
	t.Helper()
	rec, err := s.Get(context.Background(), kind, id)
	if err != nil {
		t.Fatalf("Get(%s, %s) error = %v", kind, id, err)
	}
	return rec
}

// seenRequest is what a fakeTransport received.
type seenRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   string
}

// fakeTransport serves requests from handler in process, or fails them
// like an unreachable server while down.
type fakeTransport struct {
	handler http.Handler

	mu   sync.Mutex
	down bool
	seen []seenRequest
}

func newFakeTransport(h http.Handler) *fakeTransport {
	return &fakeTransport{handler: h}
}

func (f *fakeTransport) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeTransport) requests() []seenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]seenRequest(nil), f.seen...)
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		req.Body.Close()
		body = string(b)
		req.Body = io.NopCloser(strings.NewReader(body))
	}

	f.mu.Lock()
	down := f.down
	if !down {
		f.seen = append(f.seen, seenRequest{
			Method: req.Method,
			URL:    req.URL.String(),
			Header: req.Header.Clone(),
			Body:   body,
		})
	}
	f.mu.Unlock()

	if down {
		return nil, errConnRefused
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}
