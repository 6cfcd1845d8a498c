package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockSnapshotStore implements the SnapshotStore interface for testing.
type mockSnapshotStore struct {
	mu            sync.Mutex
	generateCalls int
	generateErr   error
	path          string
}

func (m *mockSnapshotStore) GenerateSnapshot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateCalls++
	return m.generateErr
}

func (m *mockSnapshotStore) GetSnapshotPath(ctx context.Context) (string, error) {
	return m.path, nil
}

func (m *mockSnapshotStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateCalls
}

type mockUploader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (m *mockUploader) Upload(ctx context.Context, filePath string, takenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, filePath)
	return m.err
}

func (m *mockUploader) uploads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

func runFor(t *testing.T, run func(context.Context), d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		run(ctx)
		close(done)
	}()
	time.Sleep(d)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestSnapshotWorker_GeneratesAndUploadsOnStart(t *testing.T) {
	store := &mockSnapshotStore{path: "/data/snapshots/current.db"}
	up := &mockUploader{}
	worker := NewSnapshotWorker(store, up, time.Hour)

	runFor(t, worker.Run, 50*time.Millisecond)

	if store.calls() != 1 {
		t.Errorf("GenerateSnapshot calls = %d, want 1", store.calls())
	}
	if got := up.uploads(); len(got) != 1 || got[0] != store.path {
		t.Errorf("uploads = %v, want [%s]", got, store.path)
	}
}

func TestSnapshotWorker_GeneratesOnInterval(t *testing.T) {
	store := &mockSnapshotStore{path: "p"}
	worker := NewSnapshotWorker(store, &mockUploader{}, 20*time.Millisecond)

	runFor(t, worker.Run, 110*time.Millisecond)

	if store.calls() < 3 {
		t.Errorf("GenerateSnapshot calls = %d, want at least 3", store.calls())
	}
}

func TestSnapshotWorker_SkipsUploadWhenGenerationFails(t *testing.T) {
	store := &mockSnapshotStore{generateErr: errors.New("disk full")}
	up := &mockUploader{}
	worker := NewSnapshotWorker(store, up, time.Hour)

	runFor(t, worker.Run, 30*time.Millisecond)

	if len(up.uploads()) != 0 {
		t.Errorf("uploads = %v, want none after failed generation", up.uploads())
	}
}

func TestSnapshotWorker_UploadErrorDoesNotStopWorker(t *testing.T) {
	store := &mockSnapshotStore{path: "p"}
	up := &mockUploader{err: errors.New("bucket unreachable")}
	worker := NewSnapshotWorker(store, up, 20*time.Millisecond)

	runFor(t, worker.Run, 70*time.Millisecond)

	if len(up.uploads()) < 2 {
		t.Errorf("uploads = %d, want retries on following ticks", len(up.uploads()))
	}
}
