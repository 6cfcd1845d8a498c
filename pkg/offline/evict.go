package offline

import (
	"context"
	"fmt"
	"log/slog"
)

// UsageEstimator reports how many bytes the local database occupies.
type UsageEstimator func(ctx context.Context) (int64, error)

// evictBatch is how many records one eviction round deletes before the
// usage is measured again.
const evictBatch = 100

// sqliteUsage estimates usage from the pages in use.
func (s *Store) sqliteUsage(ctx context.Context) (int64, error) {
	var pageCount, freePages, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freePages); err != nil {
		return 0, fmt.Errorf("freelist count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("page size: %w", err)
	}
	return (pageCount - freePages) * pageSize, nil
}

func (s *Store) overThreshold(usage int64) bool {
	return float64(usage) > s.opts.EvictThreshold*float64(s.opts.QuotaBytes)
}

// Evict relieves storage pressure. While usage exceeds the eviction
// threshold it deletes synced records last modified before the retention
// window, oldest first. Pending, syncing and failed records are never
// touched. Returns the number of records deleted.
func (s *Store) Evict(ctx context.Context) (int64, error) {
	if s.opts.QuotaBytes <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-s.opts.RetentionWindow).UnixNano()
	var total int64
	for {
		usage, err := s.usage(ctx)
		if err != nil {
			return total, err
		}
		if !s.overThreshold(usage) {
			break
		}

		res, err := s.db.ExecContext(ctx, `
			DELETE FROM records WHERE rowid IN (
				SELECT rowid FROM records
				WHERE sync_status = ? AND last_modified_at < ?
				ORDER BY last_modified_at ASC
				LIMIT ?
			)
		`, StatusSynced, cutoff, evictBatch)
		if err != nil {
			return total, fmt.Errorf("evict records: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
		if n == 0 {
			break
		}
	}

	if total > 0 {
		slog.Info("evicted synced records",
			"component", "offline",
			"action", "evict",
			"count", total,
		)
	}
	return total, nil
}

// ensureCapacity evicts when a write of incoming bytes would cross the
// threshold and fails with ErrQuotaExceeded when it still does not fit.
func (s *Store) ensureCapacity(ctx context.Context, incoming int64) error {
	if s.opts.QuotaBytes <= 0 {
		return nil
	}
	usage, err := s.usage(ctx)
	if err != nil {
		return err
	}
	if !s.overThreshold(usage + incoming) {
		return nil
	}
	if _, err := s.Evict(ctx); err != nil {
		return err
	}
	usage, err = s.usage(ctx)
	if err != nil {
		return err
	}
	if usage+incoming > s.opts.QuotaBytes {
		return fmt.Errorf("%w: %d of %d bytes used", ErrQuotaExceeded, usage, s.opts.QuotaBytes)
	}
	return nil
}
