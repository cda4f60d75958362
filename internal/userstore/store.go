package userstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotImplemented    = errors.New("not implemented")
	ErrDuplicateUsername = errors.New("duplicate username")
	ErrDuplicateEmail    = errors.New("duplicate email")
	ErrDuplicateAccount  = errors.New("duplicate social account")
	ErrLocked            = errors.New("sync already running")
)

const (
	ProviderAzure = "azure"

	CursorKindDelta = "delta"
	CursorKindNext  = "next"
)

type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Profile fields are empty when unset.
type Profile struct {
	UserID     int64  `json:"userId"`
	Name       string `json:"name"`
	JobTitle   string `json:"jobTitle"`
	Department string `json:"department"`
	Country    string `json:"country,omitempty"`
}

type SocialAccount struct {
	UserID   int64  `json:"userId"`
	Provider string `json:"provider"`
	UID      string `json:"uid"`
}

type Country struct {
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

type UserRecord struct {
	User    User     `json:"user"`
	Profile *Profile `json:"profile,omitempty"`
}

type NewUser struct {
	User    User
	Profile Profile
	Account SocialAccount
}

type Cursor struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

type RunRecord struct {
	RunID      string    `json:"runId"`
	Trigger    string    `json:"trigger,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	StopReason string    `json:"stopReason"`
	Pages      int       `json:"pages"`
	Processed  int       `json:"processed"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// Store persists synchronized directory users, the resumable cursors and the
// run history. CreateUser and UpdateUser are atomic: either every row of the
// record is written or none is.
type Store interface {
	UsersByEmail(ctx context.Context, emails []string) (map[string]UserRecord, error)
	CreateUser(ctx context.Context, in NewUser) (UserRecord, error)
	UpdateUser(ctx context.Context, rec UserRecord) error

	CountryByName(ctx context.Context, name string) (Country, error)
	UpsertCountry(ctx context.Context, country Country) error

	LatestCursor(ctx context.Context) (Cursor, bool, error)
	SaveCursor(ctx context.Context, kind, url string) error
	DeleteCursors(ctx context.Context) error

	RecordRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// Lock takes the exclusive sync lock without waiting. It returns
	// ErrLocked while another run holds it.
	Lock(ctx context.Context) (func(), error)
	Close() error
}

const maxStoredRuns = 200
