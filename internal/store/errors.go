package store

import "errors"

var (
	ErrNotFound             = errors.New("record not found")
	ErrSessionNotFound      = errors.New("sync session not found")
	ErrSessionTerminal      = errors.New("sync session already finished")
	ErrSnapshotNotAvailable = errors.New("snapshot not available")
	ErrSnapshotInProgress   = errors.New("snapshot generation in progress")
)
