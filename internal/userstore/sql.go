package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	sqlTimeLayout     = "2006-01-02T15:04:05.000000000Z07:00"
	sqlEmailChunkSize = 500
	sqlInitTimeout    = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures what differs between the SQL engines behind SQLStore.
type sqlDialect struct {
	name        string
	driver      string
	numbered    bool
	schema      []string
	singleConn  bool
	uniqueError func(error) (string, bool)
	lock        func(ctx context.Context, s *SQLStore) (func(), error)
}

// SQLStore implements Store on database/sql. Postgres and SQLite share it
// and differ only in their dialect.
type SQLStore struct {
	dsn     string
	dialect *sqlDialect
	openDB  sqlOpenFunc
	now     func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	runLock sync.Mutex
}

func newSQLStore(dsn string, dialect *sqlDialect) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:     dsn,
		dialect: dialect,
		openDB:  sql.Open,
		now:     time.Now,
	}, nil
}

func (s *SQLStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.singleConn {
			db.SetMaxOpenConns(1)
		}
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlInitTimeout)
		defer cancel()
		for _, stmt := range s.dialect.schema {
			if _, err := db.ExecContext(initCtx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("%s schema: %w", s.dialect.name, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

// rebind rewrites ? placeholders to $n for engines that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) classify(err error) error {
	if err == nil {
		return nil
	}
	constraint, ok := s.dialect.uniqueError(err)
	if !ok {
		return err
	}
	switch {
	case strings.Contains(constraint, "email"):
		return ErrDuplicateEmail
	case strings.Contains(constraint, "username"):
		return ErrDuplicateUsername
	case strings.Contains(constraint, "provider"), strings.Contains(constraint, "uid"):
		return ErrDuplicateAccount
	default:
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
}

func (s *SQLStore) UsersByEmail(ctx context.Context, emails []string) (map[string]UserRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]UserRecord, len(emails))
	for start := 0; start < len(emails); start += sqlEmailChunkSize {
		end := start + sqlEmailChunkSize
		if end > len(emails) {
			end = len(emails)
		}
		chunk := emails[start:end]
		args := make([]any, len(chunk))
		for i, email := range chunk {
			args[i] = email
		}
		query := s.rebind(`
			SELECT u.id, u.email, u.username, u.first_name, u.last_name,
				p.user_id, p.name, p.job_title, p.department, p.country
			FROM aadsync_users u
			LEFT JOIN aadsync_profiles p ON p.user_id = u.id
			WHERE u.email IN (` + placeholders(len(chunk)) + `)`)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var rec UserRecord
			var profileUserID sql.NullInt64
			var name, jobTitle, department, country sql.NullString
			if err := rows.Scan(&rec.User.ID, &rec.User.Email, &rec.User.Username, &rec.User.FirstName, &rec.User.LastName,
				&profileUserID, &name, &jobTitle, &department, &country); err != nil {
				_ = rows.Close()
				return nil, err
			}
			if profileUserID.Valid {
				rec.Profile = &Profile{
					UserID:     profileUserID.Int64,
					Name:       name.String,
					JobTitle:   jobTitle.String,
					Department: department.String,
					Country:    country.String,
				}
			}
			out[rec.User.Email] = rec
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, in NewUser) (UserRecord, error) {
	if strings.TrimSpace(in.User.Email) == "" || strings.TrimSpace(in.User.Username) == "" {
		return UserRecord{}, ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return UserRecord{}, err
	}
	provider := in.Account.Provider
	if provider == "" {
		provider = ProviderAzure
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UserRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	user := in.User
	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO aadsync_users (email, username, first_name, last_name)
		VALUES (?, ?, ?, ?)
		RETURNING id`), user.Email, user.Username, user.FirstName, user.LastName).Scan(&user.ID)
	if err != nil {
		return UserRecord{}, s.classify(err)
	}
	profile := in.Profile
	profile.UserID = user.ID
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO aadsync_profiles (user_id, name, job_title, department, country)
		VALUES (?, ?, ?, ?, ?)`), profile.UserID, profile.Name, profile.JobTitle, profile.Department, profile.Country); err != nil {
		return UserRecord{}, s.classify(err)
	}
	if in.Account.UID != "" {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO aadsync_social_accounts (user_id, provider, uid)
			VALUES (?, ?, ?)`), user.ID, provider, in.Account.UID); err != nil {
			return UserRecord{}, s.classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return UserRecord{}, s.classify(err)
	}
	return UserRecord{User: user, Profile: &profile}, nil
}

func (s *SQLStore) UpdateUser(ctx context.Context, rec UserRecord) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE aadsync_users SET first_name = ?, last_name = ? WHERE id = ?`),
		rec.User.FirstName, rec.User.LastName, rec.User.ID)
	if err != nil {
		return s.classify(err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	if rec.Profile != nil {
		p := rec.Profile
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO aadsync_profiles (user_id, name, job_title, department, country)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				name = excluded.name,
				job_title = excluded.job_title,
				department = excluded.department,
				country = excluded.country`),
			rec.User.ID, p.Name, p.JobTitle, p.Department, p.Country); err != nil {
			return s.classify(err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) CountryByName(ctx context.Context, name string) (Country, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Country{}, err
	}
	var country Country
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT name, code FROM aadsync_countries WHERE name_key = ?`), countryKey(name)).
		Scan(&country.Name, &country.Code)
	if errors.Is(err, sql.ErrNoRows) {
		return Country{}, ErrNotFound
	}
	if err != nil {
		return Country{}, err
	}
	return country, nil
}

func (s *SQLStore) UpsertCountry(ctx context.Context, country Country) error {
	key := countryKey(country.Name)
	if key == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO aadsync_countries (name_key, name, code)
		VALUES (?, ?, ?)
		ON CONFLICT (name_key) DO UPDATE SET name = excluded.name, code = excluded.code`),
		key, strings.TrimSpace(country.Name), country.Code)
	return err
}

func (s *SQLStore) LatestCursor(ctx context.Context) (Cursor, bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Cursor{}, false, err
	}
	var (
		cursor  Cursor
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, url, created_at FROM aadsync_cursors ORDER BY id DESC LIMIT 1`).
		Scan(&cursor.ID, &cursor.Kind, &cursor.URL, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	cursor.CreatedAt = parseSQLTime(created)
	return cursor, true, nil
}

func (s *SQLStore) SaveCursor(ctx context.Context, kind, url string) error {
	if strings.TrimSpace(url) == "" || (kind != CursorKindDelta && kind != CursorKindNext) {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO aadsync_cursors (kind, url, created_at) VALUES (?, ?, ?)`),
		kind, url, formatSQLTime(s.now()))
	return err
}

func (s *SQLStore) DeleteCursors(ctx context.Context) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM aadsync_cursors`)
	return err
}

func (s *SQLStore) RecordRun(ctx context.Context, run RunRecord) error {
	if strings.TrimSpace(run.RunID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO aadsync_runs (run_id, trigger_source, started_at, finished_at, stop_reason,
			pages, processed, created, updated, skipped, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			stop_reason = excluded.stop_reason,
			pages = excluded.pages,
			processed = excluded.processed,
			created = excluded.created,
			updated = excluded.updated,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error = excluded.error`),
		run.RunID, run.Trigger, formatSQLTime(run.StartedAt), formatSQLTime(run.FinishedAt), run.StopReason,
		run.Pages, run.Processed, run.Created, run.Updated, run.Skipped, run.Failed, run.Error); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM aadsync_runs WHERE run_id NOT IN (
			SELECT run_id FROM aadsync_runs ORDER BY started_at DESC LIMIT ?
		)`), maxStoredRuns); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxStoredRuns {
		limit = maxStoredRuns
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT run_id, trigger_source, started_at, finished_at, stop_reason,
			pages, processed, created, updated, skipped, failed, error
		FROM aadsync_runs
		ORDER BY started_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		var started, finished string
		if err := rows.Scan(&run.RunID, &run.Trigger, &started, &finished, &run.StopReason,
			&run.Pages, &run.Processed, &run.Created, &run.Updated, &run.Skipped, &run.Failed, &run.Error); err != nil {
			return nil, err
		}
		run.StartedAt = parseSQLTime(started)
		run.FinishedAt = parseSQLTime(finished)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLStore) Lock(ctx context.Context) (func(), error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	return s.dialect.lock(ctx, s)
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// processLock guards a run inside this process only.
func processLock(_ context.Context, s *SQLStore) (func(), error) {
	if !s.runLock.TryLock() {
		return nil, ErrLocked
	}
	var once sync.Once
	return func() { once.Do(s.runLock.Unlock) }, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatSQLTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(sqlTimeLayout)
}

func parseSQLTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(sqlTimeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
