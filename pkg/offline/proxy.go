package offline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type proxyHandler struct {
	client *Client
}

// NewProxyHandler returns a local HTTP handler that forwards every request
// to the sync server through the client's interceptor. Local endpoints under
// /_offline/ expose status, the dead-letter list, build activation and a
// websocket stream of monitor events.
func NewProxyHandler(c *Client) (http.Handler, error) {
	target, err := url.Parse(c.cfg.APIBaseURL)
	if err != nil {
		return nil, err
	}
	p := &proxyHandler{client: c}

	forward := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
		},
		Transport: c.interceptor,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("proxy request failed", "component", "offline", "method", r.Method, "path", r.URL.Path, "error", err)
			writeLocalError(w, http.StatusBadGateway, err.Error())
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/_offline", func(r chi.Router) {
		r.Get("/status", p.status)
		r.Get("/deadletters", p.deadLetters)
		r.Post("/deadletters/{seq}/requeue", p.requeue)
		r.Delete("/deadletters/{seq}", p.discard)
		r.Post("/activate", p.activate)
		r.Get("/events", p.events)
	})
	r.Handle("/*", forward)

	return r, nil
}

func (p *proxyHandler) status(w http.ResponseWriter, r *http.Request) {
	st, err := p.client.Status(r.Context())
	if err != nil {
		writeLocalError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeLocalJSON(w, http.StatusOK, st)
}

// deadLetterView is the JSON form of a dead-lettered operation. Bodies are
// left out.
type deadLetterView struct {
	Seq          int64     `json:"seq"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	AttemptCount int       `json:"attemptCount"`
	LastError    string    `json:"lastError"`
	RecordKind   string    `json:"recordKind,omitempty"`
	RecordID     string    `json:"recordId,omitempty"`
}

func (p *proxyHandler) deadLetters(w http.ResponseWriter, r *http.Request) {
	ops, err := p.client.queue.DeadLetters(r.Context())
	if err != nil {
		writeLocalError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]deadLetterView, 0, len(ops))
	for _, op := range ops {
		v := deadLetterView{
			Seq:          op.Seq,
			Method:       op.Method,
			URL:          op.TargetURL,
			EnqueuedAt:   op.EnqueuedAt,
			AttemptCount: op.AttemptCount,
			LastError:    op.LastError,
		}
		if op.Record != nil {
			v.RecordKind, v.RecordID = op.Record.Kind, op.Record.ID
		}
		views = append(views, v)
	}
	writeLocalJSON(w, http.StatusOK, map[string]any{"deadLetters": views})
}

func (p *proxyHandler) requeue(w http.ResponseWriter, r *http.Request) {
	p.deadLetterAction(w, r, p.client.queue.Requeue)
}

func (p *proxyHandler) discard(w http.ResponseWriter, r *http.Request) {
	p.deadLetterAction(w, r, p.client.queue.Discard)
}

func (p *proxyHandler) deadLetterAction(w http.ResponseWriter, r *http.Request, action func(context.Context, int64) error) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq < 1 {
		writeLocalError(w, http.StatusBadRequest, "seq must be a positive integer")
		return
	}
	if err := action(r.Context(), seq); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeLocalError(w, http.StatusNotFound, "no dead-lettered operation with that seq")
			return
		}
		writeLocalError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *proxyHandler) activate(w http.ResponseWriter, r *http.Request) {
	activated, err := p.client.Activate(r.Context())
	if err != nil {
		writeLocalError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeLocalJSON(w, http.StatusOK, map[string]any{
		"activated":   activated,
		"activeBuild": p.client.interceptor.BuildToken(),
	})
}

// events streams monitor events as JSON text messages until the peer
// disconnects.
func (p *proxyHandler) events(w http.ResponseWriter, r *http.Request) {
	ch := make(chan Event, 16)
	send := func(e Event) {
		select {
		case ch <- e:
		default:
			slog.Warn("event subscriber too slow, dropping event", "component", "offline", "event", e.Kind)
		}
	}
	for _, kind := range []EventKind{EventOnline, EventOffline, EventUpdateAvailable, EventActivated} {
		cancel := p.client.monitor.Subscribe(kind, send)
		defer cancel()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// Reads only detect the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e := <-ch:
			msg, _ := json.Marshal(e)
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func writeLocalJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeLocalError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
