package offline

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// lease is a named, expiring lock row shared by every process using the
// database. A holder that dies releases it by letting it expire.
type lease struct {
	db     *sql.DB
	name   string
	holder string
	ttl    time.Duration
	now    func() time.Time
}

// acquire takes the lease if it is free, expired or already ours.
func (l *lease) acquire(ctx context.Context) (bool, error) {
	now := l.now()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at < ?
	`, l.name, l.holder, now.Add(l.ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// renew extends a lease we hold. It returns false when the lease was lost.
func (l *lease) renew(ctx context.Context) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ? WHERE name = ? AND holder = ?
	`, l.now().Add(l.ttl).UnixNano(), l.name, l.holder)
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", l.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (l *lease) release(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, l.name, l.holder); err != nil {
		return fmt.Errorf("release lease %s: %w", l.name, err)
	}
	return nil
}
