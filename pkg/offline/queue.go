package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

const opColumns = `seq, target_url, method, header, body, record_kind, record_id, record_version,
	enqueued_at, attempt_count, state, last_error`

// QueueOptions tunes replay.
type QueueOptions struct {
	MaxAttempts int           // Transient failures before an op is dead-lettered
	LeaseTTL    time.Duration // Cross-process drain lease
}

// Queue is the durable FIFO of mutating requests that failed to reach the
// server. At most one drain runs per database.
type Queue struct {
	store       *Store
	db          *sql.DB
	maxAttempts int
	lease       *lease
	draining    atomic.Bool
	now         func() time.Time
}

// NewQueue creates a queue over the store's database.
func NewQueue(s *Store, opts QueueOptions) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	return &Queue{
		store:       s,
		db:          s.db,
		maxAttempts: opts.MaxAttempts,
		lease:       &lease{db: s.db, name: "drain", holder: ulid.Make().String(), ttl: opts.LeaseTTL, now: s.now},
		now:         s.now,
	}
}

// Enqueue appends op and returns its sequence number. Operations are never
// deduplicated.
func (q *Queue) Enqueue(ctx context.Context, op *QueuedOperation) (int64, error) {
	header, err := json.Marshal(op.Header)
	if err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}
	op.EnqueuedAt = q.now()
	op.State = OpQueued
	op.AttemptCount = 0

	var kind, id string
	var version int64
	if op.Record != nil {
		kind, id, version = op.Record.Kind, op.Record.ID, op.Record.Version.UnixNano()
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_ops (target_url, method, header, body, record_kind, record_id, record_version,
		                         enqueued_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.TargetURL, op.Method, string(header), op.Body, kind, id, version, op.EnqueuedAt.UnixNano(), OpQueued)
	if err != nil {
		return 0, fmt.Errorf("enqueue operation: %w", err)
	}
	op.Seq, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	slog.Info("operation queued",
		"component", "offline",
		"action", "enqueue",
		"seq", op.Seq,
		"method", op.Method,
		"url", op.TargetURL,
	)
	return op.Seq, nil
}

// Drain replays queued operations in FIFO order.
//
// A success deletes the op and acknowledges the linked record at the
// version captured when it was queued. A permanent failure dead-letters
// the op and draining continues. A transient failure increments the
// attempt count: the op is dead-lettered once it reaches the maximum,
// otherwise draining stops so later ops never overtake it.
//
// An operation being replayed is never cancelled: ctx is only consulted
// between operations.
func (q *Queue) Drain(ctx context.Context, replay ReplayFunc) (DrainResult, error) {
	var res DrainResult
	if !q.draining.CompareAndSwap(false, true) {
		return res, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	work := context.WithoutCancel(ctx)
	acquired, err := q.lease.acquire(work)
	if err != nil {
		return res, err
	}
	if !acquired {
		return res, ErrDrainInProgress
	}
	defer func() {
		if err := q.lease.release(work); err != nil {
			slog.Warn("failed to release drain lease", "component", "offline", "error", err)
		}
	}()

	var last int64
	for {
		if ctx.Err() != nil {
			res.Stopped = true
			break
		}

		op, err := q.next(work, last)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return res, err
		}
		last = op.Seq

		if held, err := q.lease.renew(work); err != nil || !held {
			slog.Warn("drain lease lost", "component", "offline", "seq", op.Seq, "error", err)
			res.Stopped = true
			break
		}

		stop, err := q.settle(work, op, replay(work, *op), &res)
		if err != nil {
			return res, err
		}
		if stop {
			res.Stopped = true
			break
		}
	}

	remaining, err := q.Len(work)
	if err != nil {
		return res, err
	}
	res.Remaining = remaining

	slog.Info("drain completed",
		"component", "offline",
		"action", "drain",
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"dead_lettered", res.DeadLettered,
		"remaining", res.Remaining,
		"stopped", res.Stopped,
	)
	return res, nil
}

// settle records the outcome of one replay. It reports whether draining
// must stop.
func (q *Queue) settle(ctx context.Context, op *QueuedOperation, replayErr error, res *DrainResult) (bool, error) {
	if replayErr == nil {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE seq = ?`, op.Seq); err != nil {
			return false, fmt.Errorf("delete operation: %w", err)
		}
		if op.Record != nil {
			if _, err := q.store.MarkSynced(ctx, op.Record.Kind, op.Record.ID, op.Record.Version, 0); err != nil {
				return false, err
			}
		}
		res.Succeeded++
		return false, nil
	}

	res.Failed++
	attempts := op.AttemptCount + 1
	permanent := IsPermanent(replayErr)

	if !permanent && attempts < q.maxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE pending_ops SET attempt_count = ?, last_error = ? WHERE seq = ?
		`, attempts, replayErr.Error(), op.Seq)
		if err != nil {
			return false, fmt.Errorf("record attempt: %w", err)
		}
		slog.Warn("replay failed, will retry",
			"component", "offline",
			"action", "replay_retry",
			"seq", op.Seq,
			"attempt", attempts,
			"error", replayErr,
		)
		return true, nil
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE pending_ops SET attempt_count = ?, last_error = ?, state = ? WHERE seq = ?
	`, attempts, replayErr.Error(), OpDead, op.Seq)
	if err != nil {
		return false, fmt.Errorf("dead-letter operation: %w", err)
	}
	if op.Record != nil {
		if _, err := q.store.MarkFailed(ctx, op.Record.Kind, op.Record.ID, op.Record.Version, replayErr.Error()); err != nil {
			return false, err
		}
	}
	res.DeadLettered++
	slog.Warn("operation dead-lettered",
		"component", "offline",
		"action", "dead_letter",
		"seq", op.Seq,
		"attempts", attempts,
		"permanent", permanent,
		"error", replayErr,
	)
	return false, nil
}

func (q *Queue) next(ctx context.Context, after int64) (*QueuedOperation, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+opColumns+` FROM pending_ops
		WHERE state = ? AND seq > ?
		ORDER BY seq ASC LIMIT 1
	`, OpQueued, after)
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next operation: %w", err)
	}
	return op, nil
}

// Pending returns the queued operations in replay order.
func (q *Queue) Pending(ctx context.Context) ([]QueuedOperation, error) {
	return q.list(ctx, OpQueued)
}

// DeadLetters returns the dead-lettered operations in queue order.
func (q *Queue) DeadLetters(ctx context.Context) ([]QueuedOperation, error) {
	return q.list(ctx, OpDead)
}

func (q *Queue) list(ctx context.Context, state OpState) ([]QueuedOperation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+opColumns+` FROM pending_ops WHERE state = ? ORDER BY seq ASC
	`, state)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	ops := make([]QueuedOperation, 0)
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// Requeue puts a dead-lettered operation back in the queue with a fresh
// attempt count. It keeps its original position.
func (q *Queue) Requeue(ctx context.Context, seq int64) error {
	return q.deadLetterExec(ctx, `
		UPDATE pending_ops SET state = ?, attempt_count = 0, last_error = '' WHERE seq = ? AND state = ?
	`, OpQueued, seq, OpDead)
}

// Discard deletes a dead-lettered operation.
func (q *Queue) Discard(ctx context.Context, seq int64) error {
	return q.deadLetterExec(ctx, `DELETE FROM pending_ops WHERE seq = ? AND state = ?`, seq, OpDead)
}

func (q *Queue) deadLetterExec(ctx context.Context, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.count(ctx, OpQueued)
}

// DeadLetterCount returns the number of dead-lettered operations.
func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	return q.count(ctx, OpDead)
}

func (q *Queue) count(ctx context.Context, state OpState) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_ops WHERE state = ?`, state).Scan(&n); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}

func scanOp(scanner interface{ Scan(...any) error }) (*QueuedOperation, error) {
	var op QueuedOperation
	var header, kind, id string
	var version, enqueued int64

	if err := scanner.Scan(&op.Seq, &op.TargetURL, &op.Method, &header, &op.Body, &kind, &id, &version,
		&enqueued, &op.AttemptCount, &op.State, &op.LastError); err != nil {
		return nil, err
	}
	op.Header = make(http.Header)
	if err := json.Unmarshal([]byte(header), &op.Header); err != nil {
		return nil, fmt.Errorf("decode header of op %d: %w", op.Seq, err)
	}
	op.EnqueuedAt = fromNanos(enqueued)
	if kind != "" {
		op.Record = &RecordRef{Kind: kind, ID: id, Version: fromNanos(version)}
	}
	return &op, nil
}
