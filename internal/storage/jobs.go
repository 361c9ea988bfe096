package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"telegram-ai-assistant/internal/models"
)

const jobColumns = `id, kind, chat_id, message, cron_pattern, execute_at, created_at,
    state, attempts, max_attempts, backoff_ms, last_run_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (models.QueuedJob, error) {
	var (
		q                            models.QueuedJob
		executeAt, createdAt, lastAt int64
	)
	err := s.Scan(&q.ID, &q.Kind, &q.ChatID, &q.Message, &q.CronPattern, &executeAt, &createdAt,
		&q.State, &q.Attempts, &q.MaxAttempts, &q.BackoffMs, &lastAt)
	q.ExecuteAt = fromMs(executeAt)
	q.CreatedAt = fromMs(createdAt)
	q.LastRunAt = fromMs(lastAt)
	return q, err
}

// InsertJob stores a single-fire job and assigns its id. Ids come from an
// AUTOINCREMENT sequence so they stay short and are never handed out twice.
func (d *DB) InsertJob(ctx context.Context, q *models.QueuedJob) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        INSERT INTO jobs (id, kind, chat_id, message, cron_pattern, execute_at, created_at,
            state, attempts, max_attempts, backoff_ms, last_run_at, updated_at)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		"pending-"+uuid.NewString(), q.Kind, q.ChatID, q.Message, q.CronPattern,
		ms(q.ExecuteAt), ms(q.CreatedAt), q.State, q.Attempts, q.MaxAttempts, q.BackoffMs,
		ms(q.LastRunAt), time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	id := strconv.FormatInt(seq, 10)
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET id=? WHERE seq=?`, id, seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	q.ID = id
	return nil
}

// UpsertJob stores a job under its own id, replacing any previous record.
func (d *DB) UpsertJob(ctx context.Context, q models.QueuedJob) error {
	_, err := d.ExecContext(ctx, `
        INSERT INTO jobs (id, kind, chat_id, message, cron_pattern, execute_at, created_at,
            state, attempts, max_attempts, backoff_ms, last_run_at, updated_at)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET kind=excluded.kind,
            chat_id=excluded.chat_id,
            message=excluded.message,
            cron_pattern=excluded.cron_pattern,
            execute_at=excluded.execute_at,
            created_at=excluded.created_at,
            state=excluded.state,
            attempts=excluded.attempts,
            max_attempts=excluded.max_attempts,
            backoff_ms=excluded.backoff_ms,
            last_run_at=excluded.last_run_at,
            updated_at=excluded.updated_at
    `, q.ID, q.Kind, q.ChatID, q.Message, q.CronPattern, ms(q.ExecuteAt), ms(q.CreatedAt),
		q.State, q.Attempts, q.MaxAttempts, q.BackoffMs, ms(q.LastRunAt), time.Now().UnixMilli())
	return err
}

// GetJob returns nil when no record exists.
func (d *DB) GetJob(ctx context.Context, id string) (*models.QueuedJob, error) {
	q, err := scanJob(d.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// SetJobState records the outcome of an execution attempt.
func (d *DB) SetJobState(ctx context.Context, id string, state models.JobState, attempts int, lastRunAt time.Time) error {
	_, err := d.ExecContext(ctx, `
        UPDATE jobs SET state=?, attempts=?, last_run_at=?, updated_at=?
        WHERE id=?`, state, attempts, ms(lastRunAt), time.Now().UnixMilli(), id)
	return err
}

// DeleteJob reports whether a record was removed.
func (d *DB) DeleteJob(ctx context.Context, id string) (bool, error) {
	res, err := d.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListJobs returns jobs in the given states, all jobs when none are given.
func (d *DB) ListJobs(ctx context.Context, states ...models.JobState) ([]models.QueuedJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	query += ` ORDER BY seq`

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []models.QueuedJob
	for rows.Next() {
		q, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// DeleteFinishedJobs removes completed and failed jobs whose last run is before the cutoff.
func (d *DB) DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.ExecContext(ctx, `
        DELETE FROM jobs WHERE state IN (?,?) AND last_run_at < ?`,
		models.JobCompleted, models.JobFailed, ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
