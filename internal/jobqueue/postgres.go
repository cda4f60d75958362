package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresQueueName    = "default"
	postgresQueryTimeout = 5 * time.Second
	postgresPollInterval = 250 * time.Millisecond
)

const postgresQueueSchema = `
CREATE TABLE IF NOT EXISTS aadsync_jobs (
	job_id      TEXT PRIMARY KEY,
	queue_name  TEXT NOT NULL,
	seq         BIGSERIAL,
	payload     JSONB NOT NULL,
	not_before  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	lease_until TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS aadsync_jobs_ready_idx ON aadsync_jobs (queue_name, not_before, seq);`

// PostgresQueue shares jobs between every serve process on one database.
// A claim sets lease_until on the row; Ack deletes it and Release clears the
// lease, so a row is only gone once its job is done.
type PostgresQueue struct {
	db           *sql.DB
	name         string
	capacity     int
	lease        time.Duration
	pollInterval time.Duration

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewPostgresQueue does not connect; the table is created on first use.
func NewPostgresQueue(dsn string, capacity int) (*PostgresQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &PostgresQueue{
		db:           db,
		name:         postgresQueueName,
		capacity:     capacity,
		lease:        DefaultLease,
		pollInterval: postgresPollInterval,
	}, nil
}

// prepare creates the table. A failure is retried on the next call.
func (q *PostgresQueue) prepare(ctx context.Context) error {
	q.schemaMu.Lock()
	defer q.schemaMu.Unlock()
	if q.schemaReady {
		return nil
	}
	if _, err := q.db.ExecContext(ctx, postgresQueueSchema); err != nil {
		return fmt.Errorf("create job table: %w", err)
	}
	q.schemaReady = true
	return nil
}

// withTx runs fn in a transaction on a prepared schema.
func (q *PostgresQueue) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := q.prepare(ctx); err != nil {
		return err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

var errQueueFull = errors.New("queue full")

func (q *PostgresQueue) TryEnqueue(job Job) bool {
	if strings.TrimSpace(job.ID) == "" {
		return false
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()
	err = q.withTx(ctx, func(tx *sql.Tx) error {
		// Serialize the capacity check between processes.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('aadsync_jobs:' || $1))`, q.name); err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM aadsync_jobs WHERE job_id = $1)`, job.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return nil
		}
		var depth int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM aadsync_jobs WHERE queue_name = $1`, q.name,
		).Scan(&depth); err != nil {
			return err
		}
		if depth >= q.capacity {
			return errQueueFull
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO aadsync_jobs (job_id, queue_name, payload, not_before)
			VALUES ($1, $2, $3::jsonb, COALESCE($4::timestamptz, NOW()))`,
			job.ID, q.name, string(payload), nullableTime(job.NotBefore))
		return err
	})
	return err == nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job Job) bool {
	return enqueueWithPoll(ctx, q, job, q.pollInterval)
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (Job, bool) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		if job, ok := q.claim(ctx); ok {
			return job, true
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-ticker.C:
		}
	}
}

// claim leases the oldest ready row. Rows locked by a concurrent claim are
// skipped rather than waited on.
func (q *PostgresQueue) claim(ctx context.Context) (Job, bool) {
	if err := q.prepare(ctx); err != nil {
		return Job{}, false
	}
	var (
		id      string
		payload []byte
	)
	err := q.db.QueryRowContext(ctx, `
		UPDATE aadsync_jobs
		SET lease_until = NOW() + $2::interval
		WHERE job_id = (
			SELECT job_id FROM aadsync_jobs
			WHERE queue_name = $1
			  AND not_before <= NOW()
			  AND (lease_until IS NULL OR lease_until <= NOW())
			ORDER BY not_before, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id, payload`,
		q.name, fmt.Sprintf("%d milliseconds", q.lease.Milliseconds()),
	).Scan(&id, &payload)
	if err != nil {
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		// A row no worker can decode would otherwise come back after every lease.
		_, _ = q.db.ExecContext(ctx, `DELETE FROM aadsync_jobs WHERE job_id = $1`, id)
		return Job{}, false
	}
	return job, true
}

func (q *PostgresQueue) Ack(job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()
	return q.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM aadsync_jobs WHERE queue_name = $1 AND job_id = $2`, q.name, job.ID)
		return expectOneRow(res, err)
	})
}

func (q *PostgresQueue) Release(job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()
	return q.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE aadsync_jobs
			SET payload = $3::jsonb,
			    not_before = COALESCE($4::timestamptz, NOW()),
			    lease_until = NULL
			WHERE queue_name = $1 AND job_id = $2`,
			q.name, job.ID, string(payload), nullableTime(job.NotBefore))
		return expectOneRow(res, err)
	})
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (q *PostgresQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()
	if err := q.prepare(ctx); err != nil {
		return 0
	}
	var depth int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM aadsync_jobs WHERE queue_name = $1`, q.name).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresQueue) Snapshot() []Job {
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()
	if err := q.prepare(ctx); err != nil {
		return nil
	}
	rows, err := q.db.QueryContext(ctx, `SELECT payload FROM aadsync_jobs WHERE queue_name = $1 ORDER BY not_before, seq`, q.name)
	if err != nil {
		return nil
	}
	defer rows.Close()
	jobs := []Job{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return jobs
		}
		var job Job
		if err := json.Unmarshal(payload, &job); err == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (q *PostgresQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}
