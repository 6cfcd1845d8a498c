package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang/snappy"
)

// Partition is a cache partition family. Stored partitions are named
// "<partition>-<buildToken>".
type Partition string

const (
	PartitionStatic  Partition = "static"
	PartitionDynamic Partition = "dynamic"
	PartitionAPI     Partition = "api"
)

// CacheEntry is a stored response.
type CacheEntry struct {
	Partition  string
	Key        string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// responseCache persists responses in the local database. Bodies are
// snappy-compressed.
type responseCache struct {
	db  *sql.DB
	now func() time.Time
}

func (c *responseCache) get(ctx context.Context, partition, key string) (*CacheEntry, error) {
	var e CacheEntry
	var header string
	var body []byte
	var stored int64
	err := c.db.QueryRowContext(ctx, `
		SELECT partition, key, url, status_code, header, body, stored_at
		FROM cache_entries WHERE partition = ? AND key = ?
	`, partition, key).Scan(&e.Partition, &e.Key, &e.URL, &e.StatusCode, &header, &body, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	e.Body, err = snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("decompress cached body: %w", err)
	}
	e.StoredAt = fromNanos(stored)
	return &e, nil
}

func (c *responseCache) put(ctx context.Context, e *CacheEntry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = c.now()
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (partition, key, url, status_code, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(partition, key) DO UPDATE SET
			url = excluded.url,
			status_code = excluded.status_code,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at
	`, e.Partition, e.Key, e.URL, e.StatusCode, string(header), snappy.Encode(nil, e.Body), e.StoredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// urls maps the keys of a partition to their URLs.
func (c *responseCache) urls(ctx context.Context, partition string) (map[string]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT key, url FROM cache_entries WHERE partition = ? ORDER BY stored_at ASC
	`, partition)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, url string
		if err := rows.Scan(&key, &url); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out[key] = url
	}
	return out, rows.Err()
}

// partitions returns the names of every stored partition.
func (c *responseCache) partitions(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT partition FROM cache_entries ORDER BY partition`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// deleteExcept removes every partition not named in keep.
func (c *responseCache) deleteExcept(ctx context.Context, keep []string) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
	args := make([]any, len(keep))
	for i, k := range keep {
		args[i] = k
	}
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE partition NOT IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete stale partitions: %w", err)
	}
	return res.RowsAffected()
}

// prune drops entries of partition older than maxAge, then the oldest
// entries beyond maxEntries.
func (c *responseCache) prune(ctx context.Context, partition string, maxAge time.Duration, maxEntries int) (int64, error) {
	var total int64
	if maxAge > 0 {
		res, err := c.db.ExecContext(ctx, `
			DELETE FROM cache_entries WHERE partition = ? AND stored_at < ?
		`, partition, c.now().Add(-maxAge).UnixNano())
		if err != nil {
			return 0, fmt.Errorf("prune expired entries: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if maxEntries > 0 {
		res, err := c.db.ExecContext(ctx, `
			DELETE FROM cache_entries WHERE partition = ? AND key NOT IN (
				SELECT key FROM cache_entries WHERE partition = ?
				ORDER BY stored_at DESC, key DESC LIMIT ?
			)
		`, partition, partition, maxEntries)
		if err != nil {
			return total, fmt.Errorf("prune excess entries: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
