package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		err           error
		wantNil       bool
		wantPermanent bool
	}{
		{"transport error", 0, errConnRefused, false, false},
		{"200", http.StatusOK, nil, true, false},
		{"201", http.StatusCreated, nil, true, false},
		{"304", http.StatusNotModified, nil, true, false},
		{"400", http.StatusBadRequest, nil, false, true},
		{"401", http.StatusUnauthorized, nil, false, true},
		{"404", http.StatusNotFound, nil, false, true},
		{"408", http.StatusRequestTimeout, nil, false, false},
		{"409", http.StatusConflict, nil, false, true},
		{"422", http.StatusUnprocessableEntity, nil, false, true},
		{"425", http.StatusTooEarly, nil, false, false},
		{"429", http.StatusTooManyRequests, nil, false, false},
		{"500", http.StatusInternalServerError, nil, false, false},
		{"503", http.StatusServiceUnavailable, nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.err == nil {
				resp = &http.Response{StatusCode: tt.status}
			}

			err := Classify(resp, tt.err)

			if tt.wantNil {
				if err != nil {
					t.Fatalf("Classify() = %v, want nil", err)
				}
				return
			}
			var re *ReplayError
			if !errors.As(err, &re) {
				t.Fatalf("Classify() = %v, want *ReplayError", err)
			}
			if re.Permanent != tt.wantPermanent || IsPermanent(err) != tt.wantPermanent {
				t.Errorf("Permanent = %v, want %v", re.Permanent, tt.wantPermanent)
			}
			if re.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", re.StatusCode, tt.status)
			}
			if IsTransport(err) != (tt.err != nil) {
				t.Errorf("IsTransport() = %v", IsTransport(err))
			}
		})
	}
}

func TestClassify_WrapsTransportError(t *testing.T) {
	err := Classify(nil, errConnRefused)
	if !errors.Is(err, errConnRefused) {
		t.Errorf("Classify() = %v, want it to wrap the transport error", err)
	}
}

func TestHTTPReplayer_RebuildsRequest(t *testing.T) {
	// Given a server recording what it receives
	var gotMethod, gotBody, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Custom")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	// When a queued op is replayed
	r := &HTTPReplayer{Client: srv.Client()}
	err := r.Replay(context.Background(), QueuedOperation{
		TargetURL: srv.URL + "/api/v1/animals/cow-1",
		Method:    http.MethodPatch,
		Header:    http.Header{"X-Custom": {"yes"}},
		Body:      []byte(`{"breedId":"angus"}`),
	})

	// Then the original request is sent
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if gotMethod != http.MethodPatch || gotHeader != "yes" || gotBody != `{"breedId":"angus"}` {
		t.Errorf("server saw %s %q %q", gotMethod, gotHeader, gotBody)
	}
}

func TestHTTPReplayer_ClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	r := &HTTPReplayer{Client: srv.Client()}
	err := r.Replay(context.Background(), QueuedOperation{TargetURL: srv.URL, Method: http.MethodPost})
	if !IsPermanent(err) {
		t.Errorf("Replay() error = %v, want permanent", err)
	}
}

func TestHTTPReplayer_InvalidURLIsPermanent(t *testing.T) {
	r := &HTTPReplayer{Client: http.DefaultClient}
	err := r.Replay(context.Background(), QueuedOperation{TargetURL: "://bad", Method: http.MethodPost})
	if !IsPermanent(err) {
		t.Errorf("Replay() error = %v, want permanent", err)
	}
}
