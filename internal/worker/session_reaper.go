package worker

import (
	"context"
	"log/slog"
	"time"
)

// SessionStore defines the store operations needed by the session reaper.
type SessionStore interface {
	FailStaleSessions(ctx context.Context, olderThan time.Time) (int64, error)
}

// SessionReaper fails sync sessions left in processing state, e.g. by a
// request that died mid-upload.
type SessionReaper struct {
	store    SessionStore
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewSessionReaper creates a reaper that runs every interval and fails
// sessions processing for longer than timeout.
func NewSessionReaper(store SessionStore, interval, timeout time.Duration) *SessionReaper {
	return &SessionReaper{
		store:    store,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *SessionReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.reap(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reap(ctx)
		}
	}
}

func (w *SessionReaper) reap(ctx context.Context) {
	n, err := w.store.FailStaleSessions(ctx, w.now().Add(-w.timeout))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("failed to reap stale sessions",
			"component", "worker",
			"worker", "session-reaper",
			"error", err,
		)
		return
	}
	if n > 0 {
		slog.Warn("stale sync sessions failed",
			"component", "worker",
			"worker", "session-reaper",
			"action", "sessions_reaped",
			"count", n,
		)
	}
}
