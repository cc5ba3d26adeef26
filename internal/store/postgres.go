package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"docjobs/internal/task"
)

const createSchemaQuery = `
CREATE TABLE IF NOT EXISTS docjobs_task (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	data        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS docjobs_task_status_idx ON docjobs_task (status, created_at);
CREATE TABLE IF NOT EXISTS docjobs_idempotency (
	key        TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS docjobs_progress (
	task_id TEXT PRIMARY KEY,
	data    JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS docjobs_schedule (
	name        TEXT PRIMARY KEY,
	last_run_at TIMESTAMPTZ NOT NULL
)`

const insertTaskQuery = `INSERT INTO docjobs_task (id, queue, status, created_at, finished_at, data)
	                     VALUES ($1, $2, $3, $4, $5, $6)
	                ON CONFLICT (id) DO NOTHING`

const lockTaskQuery = `SELECT data FROM docjobs_task WHERE id = $1 FOR UPDATE`

const updateTaskQuery = `UPDATE docjobs_task
	                        SET queue = $2, status = $3, finished_at = $4, data = $5
	                      WHERE id = $1`

const listTasksQuery = `SELECT data FROM docjobs_task
	                     WHERE ($1 = '' OR queue = $1)
	                  ORDER BY created_at, id`

const purgeTasksQuery = `WITH purged AS (
	                        DELETE FROM docjobs_task
	                         WHERE status IN ('succeeded', 'failed', 'cancelled')
	                           AND finished_at < $1
	                     RETURNING id)
	                     DELETE FROM docjobs_progress WHERE task_id IN (SELECT id FROM purged)`

const countPurgeQuery = `SELECT count(*) FROM docjobs_task
	                      WHERE status IN ('succeeded', 'failed', 'cancelled')
	                        AND finished_at < $1`

const claimKeyQuery = `INSERT INTO docjobs_idempotency (key, task_id, expires_at)
	                   VALUES ($1, $2, $3)
	              ON CONFLICT (key) DO UPDATE
	                      SET task_id = EXCLUDED.task_id, expires_at = EXCLUDED.expires_at
	                    WHERE docjobs_idempotency.expires_at <= $4
	                RETURNING task_id`

const ownerKeyQuery = `SELECT task_id FROM docjobs_idempotency WHERE key = $1`

const releaseKeyQuery = `DELETE FROM docjobs_idempotency WHERE key = $1 AND task_id = $2`

const setProgressQuery = `INSERT INTO docjobs_progress (task_id, data) VALUES ($1, $2)
	                 ON CONFLICT (task_id) DO UPDATE SET data = EXCLUDED.data`

const getProgressQuery = `SELECT data FROM docjobs_progress WHERE task_id = $1`

const lastRunQuery = `SELECT last_run_at FROM docjobs_schedule WHERE name = $1`

const insertRunQuery = `INSERT INTO docjobs_schedule (name, last_run_at) VALUES ($1, $2)
	               ON CONFLICT (name) DO NOTHING`

const advanceRunQuery = `UPDATE docjobs_schedule SET last_run_at = $3
	                      WHERE name = $1 AND last_run_at = $2`

// Postgres is a Store backed by PostgreSQL through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to dsn and creates the schema if needed.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("can't create pgx pool: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("can't ping db: %w", err)
	}

	if _, err := pool.Exec(ctx, createSchemaQuery); err != nil {
		pool.Close()
		return nil, fmt.Errorf("can't create schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) CreateTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	tag, err := p.pool.Exec(ctx, insertTaskQuery, t.ID, t.Queue, string(t.Status), t.CreatedAt, t.FinishedAt, data)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM docjobs_task WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return decodeTask(data)
}

func (p *Postgres) UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	var updated *task.Task
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var data []byte
		if err := tx.QueryRow(ctx, lockTaskQuery, id).Scan(&data); errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		t, err := decodeTask(data)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		out, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode task: %w", err)
		}
		if _, err := tx.Exec(ctx, updateTaskQuery, id, t.Queue, string(t.Status), t.FinishedAt, out); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *Postgres) ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	rows, err := p.pool.Query(ctx, listTasksQuery, filter.Queue)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	blobs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	var out []*task.Task
	for _, data := range blobs {
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		if filter.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (p *Postgres) PurgeTasks(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, countPurgeQuery, before).Scan(&n); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, purgeTasksQuery, before)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}
	_, _ = p.pool.Exec(ctx, `DELETE FROM docjobs_idempotency WHERE expires_at <= $1`, time.Now())
	return n, nil
}

func (p *Postgres) ClaimKey(ctx context.Context, key, taskID string, ttl time.Duration) (string, bool, error) {
	now := time.Now()
	var owner string
	err := p.pool.QueryRow(ctx, claimKeyQuery, key, taskID, now.Add(ttl), now).Scan(&owner)
	if err == nil {
		return owner, owner == taskID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if err := p.pool.QueryRow(ctx, ownerKeyQuery, key).Scan(&owner); err != nil {
		return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return owner, false, nil
}

func (p *Postgres) ReleaseKey(ctx context.Context, key, taskID string) error {
	if _, err := p.pool.Exec(ctx, releaseKeyQuery, key, taskID); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (p *Postgres) SetProgress(ctx context.Context, pr task.Progress) error {
	data, err := json.Marshal(pr)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, setProgressQuery, pr.TaskID, data); err != nil {
		return fmt.Errorf("failed to set progress for %s: %w", pr.TaskID, err)
	}
	return nil
}

func (p *Postgres) GetProgress(ctx context.Context, taskID string) (*task.Progress, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, getProgressQuery, taskID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get progress for %s: %w", taskID, err)
	}
	var pr task.Progress
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return &pr, nil
}

func (p *Postgres) LastRun(ctx context.Context, name string) (time.Time, error) {
	var t time.Time
	err := p.pool.QueryRow(ctx, lastRunQuery, name).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last run of %s: %w", name, err)
	}
	return t, nil
}

func (p *Postgres) AdvanceLastRun(ctx context.Context, name string, prev, next time.Time) (bool, error) {
	var advanced bool
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if prev.IsZero() {
			tag, err := tx.Exec(ctx, insertRunQuery, name, next)
			advanced = err == nil && tag.RowsAffected() == 1
			return err
		}
		tag, err := tx.Exec(ctx, advanceRunQuery, name, prev, next)
		advanced = err == nil && tag.RowsAffected() == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to advance last run of %s: %w", name, err)
	}
	return advanced, nil
}
