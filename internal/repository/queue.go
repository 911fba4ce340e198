package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

const recordColumns = `id, payload, status, attempts, COALESCE(last_error, ''), next_attempt_at,
	COALESCE(leased_by, ''), leased_at, retry_of, created_at, updated_at`

// QueueRepository wraps all SQL for the report_queue table.
type QueueRepository struct {
	pool     *pgxpool.Pool
	workerID string
	now      func() time.Time
}

// NewQueueRepository constructs a repository. workerID is stamped on leased
// records so an operator can tell which process held them.
func NewQueueRepository(pool *pgxpool.Pool, workerID string) *QueueRepository {
	return &QueueRepository{
		pool:     pool,
		workerID: workerID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Push inserts a queued record.
func (r *QueueRepository) Push(ctx context.Context, payload []byte) error {
	now := r.now()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO report_queue (payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
	`, payload, model.StatusQueued, now)
	if err != nil {
		return fmt.Errorf("insert queue record: %w", err)
	}
	return nil
}

// Lease moves the oldest queued record to processing. The row lock taken by
// the subquery keeps two concurrent leases from picking the same record;
// SKIP LOCKED is deliberately not used because it would let a second caller
// jump past the head of the queue.
func (r *QueueRepository) Lease(ctx context.Context, now time.Time) (*model.QueueRecord, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE report_queue
		SET status = $1,
			attempts = attempts + 1,
			leased_by = $2,
			leased_at = $3,
			updated_at = $3
		WHERE id = (
			SELECT id FROM report_queue
			WHERE status = $4
			ORDER BY id
			LIMIT 1
			FOR UPDATE
		)
		AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
		RETURNING `+recordColumns,
		model.StatusProcessing, r.workerID, now.UTC(), model.StatusQueued)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease queue record: %w", err)
	}
	return rec, nil
}

// Commit marks a processing record done.
func (r *QueueRepository) Commit(ctx context.Context, id int64) error {
	return r.transition(ctx, id, model.StatusProcessing, model.StatusDone, nil, nil)
}

// Fail marks a processing record failed. Failed records are terminal.
func (r *QueueRepository) Fail(ctx context.Context, id int64, reason string) error {
	return r.transition(ctx, id, model.StatusProcessing, model.StatusFailed, &reason, nil)
}

// Release puts a processing record back in the queue, not to be leased before
// retryAt.
func (r *QueueRepository) Release(ctx context.Context, id int64, retryAt time.Time, reason string) error {
	at := retryAt.UTC()
	return r.transition(ctx, id, model.StatusProcessing, model.StatusQueued, &reason, &at)
}

func (r *QueueRepository) transition(ctx context.Context, id int64, from, to model.RecordStatus, reason *string, retryAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE report_queue
		SET status = $1,
			last_error = COALESCE($2, last_error),
			next_attempt_at = $3,
			leased_by = NULL,
			leased_at = NULL,
			updated_at = $4
		WHERE id = $5 AND status = $6
	`, to, reason, retryAt, r.now(), id, from)
	if err != nil {
		return fmt.Errorf("update queue record %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.missOrWrongState(ctx, id, from, to)
}

// missOrWrongState tells an unknown id apart from a record in another state.
func (r *QueueRepository) missOrWrongState(ctx context.Context, id int64, from, to model.RecordStatus) error {
	var current model.RecordStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM report_queue WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("queue record %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select queue record %d: %w", id, err)
	}
	return fmt.Errorf("queue record %d is %s, want %s for %s: %w", id, current, from, to, model.ErrInvalidTransition)
}

// RecoverStale returns every processing record to the queue. Callers hold the
// drain lock, so a record found in processing was orphaned by a crash.
func (r *QueueRepository) RecoverStale(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE report_queue
		SET status = $1, leased_by = NULL, leased_at = NULL, updated_at = $2
		WHERE status = $3
	`, model.StatusQueued, r.now(), model.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("recover stale records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts records per status.
func (r *QueueRepository) Stats(ctx context.Context) (model.QueueStats, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM report_queue GROUP BY status`)
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("count queue records: %w", err)
	}
	defer rows.Close()

	var stats model.QueueStats
	for rows.Next() {
		var (
			status model.RecordStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return model.QueueStats{}, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case model.StatusQueued:
			stats.Queued = count
		case model.StatusProcessing:
			stats.Processing = count
		case model.StatusDone:
			stats.Done = count
		case model.StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return model.QueueStats{}, fmt.Errorf("iterate queue stats: %w", err)
	}
	return stats, nil
}

// Get returns a record by id.
func (r *QueueRepository) Get(ctx context.Context, id int64) (*model.QueueRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM report_queue WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("queue record %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select queue record %d: %w", id, err)
	}
	return rec, nil
}

// ListFailed returns up to limit dead-lettered records, oldest first.
func (r *QueueRepository) ListFailed(ctx context.Context, limit int) ([]model.QueueRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM report_queue
		WHERE status = $1
		ORDER BY id
		LIMIT $2
	`, model.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed records: %w", err)
	}
	defer rows.Close()

	var out []model.QueueRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed records: %w", err)
	}
	return out, nil
}

// Retry re-submits a failed record as a fresh queued copy at the tail of the
// queue. The failed record keeps its state; each failed record can be retried
// once.
func (r *QueueRepository) Retry(ctx context.Context, id int64) (int64, error) {
	var newID int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var status model.RecordStatus
		err := tx.QueryRow(ctx, `SELECT status FROM report_queue WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("queue record %d: %w", id, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select queue record %d: %w", id, err)
		}
		if status != model.StatusFailed {
			return fmt.Errorf("queue record %d is %s, only failed records can be retried: %w", id, status, model.ErrInvalidTransition)
		}
		now := r.now()
		err = tx.QueryRow(ctx, `
			INSERT INTO report_queue (payload, status, attempts, retry_of, created_at, updated_at)
			SELECT payload, $1::text, 0, id, $2::timestamptz, $2::timestamptz FROM report_queue WHERE id = $3
			RETURNING id
		`, model.StatusQueued, now, id).Scan(&newID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("queue record %d: %w", id, model.ErrAlreadyRetried)
			}
			return fmt.Errorf("insert retry of %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newID, nil
}

// PurgeDone deletes delivered records last updated before olderThan.
func (r *QueueRepository) PurgeDone(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM report_queue WHERE status = $1 AND updated_at < $2
	`, model.StatusDone, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge done records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the pool for the readiness probe.
func (r *QueueRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (*model.QueueRecord, error) {
	var rec model.QueueRecord
	if err := row.Scan(
		&rec.ID,
		&rec.Payload,
		&rec.Status,
		&rec.Attempts,
		&rec.LastError,
		&rec.NextAttemptAt,
		&rec.LeasedBy,
		&rec.LeasedAt,
		&rec.RetryOf,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
