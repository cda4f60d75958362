package userstore

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

const (
	postgresLockName      = "aadsync_users_sync"
	postgresUnlockTimeout = 5 * time.Second
)

var postgresDialect = &sqlDialect{
	name:     "postgres",
	driver:   "postgres",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS aadsync_users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL,
			username TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			CONSTRAINT aadsync_users_email_key UNIQUE (email),
			CONSTRAINT aadsync_users_username_key UNIQUE (username)
		)`,
		`CREATE TABLE IF NOT EXISTS aadsync_profiles (
			user_id BIGINT PRIMARY KEY REFERENCES aadsync_users (id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			job_title TEXT NOT NULL DEFAULT '',
			department TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS aadsync_social_accounts (
			user_id BIGINT NOT NULL REFERENCES aadsync_users (id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			uid TEXT NOT NULL,
			CONSTRAINT aadsync_social_accounts_provider_uid_key UNIQUE (provider, uid)
		)`,
		`CREATE TABLE IF NOT EXISTS aadsync_countries (
			name_key TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			code TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS aadsync_cursors (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			url TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS aadsync_runs (
			run_id TEXT PRIMARY KEY,
			trigger_source TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL DEFAULT '',
			stop_reason TEXT NOT NULL DEFAULT '',
			pages INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			created INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS aadsync_runs_started_at_idx ON aadsync_runs (started_at)`,
	},
	uniqueError: postgresUniqueViolation,
	lock:        postgresAdvisoryLock,
}

// NewPostgresStore opens a Store on Postgres. Tables are created on first use.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, postgresDialect)
}

func postgresUniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return "", false
	}
	if string(pqErr.Code) != pgerrcode.UniqueViolation {
		return "", false
	}
	return pqErr.Constraint, true
}

// postgresAdvisoryLock holds a session level advisory lock on a dedicated
// connection, so runs in different processes exclude each other.
func postgresAdvisoryLock(ctx context.Context, s *SQLStore) (func(), error) {
	release, err := processLock(ctx, s)
	if err != nil {
		return nil, err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		release()
		return nil, err
	}
	key := postgresLockKey(postgresLockName)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		release()
		return nil, err
	}
	if !acquired {
		_ = conn.Close()
		release()
		return nil, ErrLocked
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), postgresUnlockTimeout)
			defer cancel()
			_, _ = conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", key)
			_ = conn.Close()
			release()
		})
	}, nil
}

func postgresLockKey(name string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(name))
	return int64(hasher.Sum64())
}
