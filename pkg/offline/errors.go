package offline

import "errors"

var (
	// ErrNotFound is returned when a record, operation or cache entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned when a write does not fit in the storage
	// quota even after evicting old synced records.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrDrainInProgress is returned when another drain holds the queue,
	// in this process or in another one sharing the database.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrOffline is returned when the sync server cannot be reached.
	ErrOffline = errors.New("sync server unreachable")

	// ErrInvalidPayload is returned when a payload or patch is not a JSON object.
	ErrInvalidPayload = errors.New("payload must be a JSON object")

	// ErrClosed is returned by a Client after Close.
	ErrClosed = errors.New("client is closed")
)
