package userstore

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteDialect = &sqlDialect{
	name:       "sqlite",
	driver:     "sqlite",
	singleConn: true,
	schema: []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS aadsync_users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS aadsync_profiles (
			user_id INTEGER PRIMARY KEY REFERENCES aadsync_users (id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			job_title TEXT NOT NULL DEFAULT '',
			department TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS aadsync_social_accounts (
			user_id INTEGER NOT NULL REFERENCES aadsync_users (id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			uid TEXT NOT NULL,
			UNIQUE (provider, uid)
		)`,
		`CREATE TABLE IF NOT EXISTS aadsync_countries (
			name_key TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			code TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS aadsync_cursors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
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
	uniqueError: sqliteUniqueViolation,
	lock:        processLock,
}

// NewSQLiteStore opens a Store on an SQLite database file, or an in-memory
// database for ":memory:". Only one run per process can hold the lock.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return newSQLStore(path, sqliteDialect)
}

// sqliteUniqueViolation reports the failing "table.column" list from
// messages like "UNIQUE constraint failed: aadsync_users.email".
func sqliteUniqueViolation(err error) (string, bool) {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return "", false
	}
	if sqliteErr.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE && sqliteErr.Code() != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return "", false
	}
	msg := sqliteErr.Error()
	if i := strings.LastIndex(msg, "constraint failed:"); i >= 0 {
		msg = msg[i+len("constraint failed:"):]
	}
	return strings.TrimSpace(msg), true
}
