package userstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryState struct {
	UserSeq   int64              `json:"userSeq"`
	CursorSeq int64              `json:"cursorSeq"`
	Users     map[int64]User     `json:"users"`
	Profiles  map[int64]Profile  `json:"profiles"`
	Accounts  []SocialAccount    `json:"accounts"`
	Countries map[string]Country `json:"countries"`
	Cursors   []Cursor           `json:"cursors"`
	Runs      []RunRecord        `json:"runs"`

	byEmail    map[string]int64
	byUsername map[string]int64
}

func newMemoryState() *memoryState {
	st := &memoryState{
		Users:     map[int64]User{},
		Profiles:  map[int64]Profile{},
		Countries: map[string]Country{},
	}
	st.reindex()
	return st
}

func (st *memoryState) normalize() {
	if st.Users == nil {
		st.Users = map[int64]User{}
	}
	if st.Profiles == nil {
		st.Profiles = map[int64]Profile{}
	}
	if st.Countries == nil {
		st.Countries = map[string]Country{}
	}
	st.reindex()
}

func (st *memoryState) reindex() {
	st.byEmail = make(map[string]int64, len(st.Users))
	st.byUsername = make(map[string]int64, len(st.Users))
	for id, u := range st.Users {
		st.byEmail[u.Email] = id
		st.byUsername[u.Username] = id
	}
}

func (st *memoryState) clone() *memoryState {
	next := &memoryState{
		UserSeq:    st.UserSeq,
		CursorSeq:  st.CursorSeq,
		Users:      make(map[int64]User, len(st.Users)),
		Profiles:   make(map[int64]Profile, len(st.Profiles)),
		Accounts:   append([]SocialAccount(nil), st.Accounts...),
		Countries:  make(map[string]Country, len(st.Countries)),
		Cursors:    append([]Cursor(nil), st.Cursors...),
		Runs:       append([]RunRecord(nil), st.Runs...),
		byEmail:    make(map[string]int64, len(st.byEmail)),
		byUsername: make(map[string]int64, len(st.byUsername)),
	}
	for k, v := range st.Users {
		next.Users[k] = v
	}
	for k, v := range st.Profiles {
		next.Profiles[k] = v
	}
	for k, v := range st.Countries {
		next.Countries[k] = v
	}
	for k, v := range st.byEmail {
		next.byEmail[k] = v
	}
	for k, v := range st.byUsername {
		next.byUsername[k] = v
	}
	return next
}

// MemoryStore keeps everything in process memory. It backs the memory://
// DSN and, with a persist hook, the JSON file store.
type MemoryStore struct {
	mu      sync.Mutex
	state   *memoryState
	persist func(*memoryState) error

	// refresh replaces the cached state with the durable copy before every
	// read and mutation. It returns current when nothing changed.
	refresh   func(current *memoryState) (*memoryState, error)
	// exclusive serializes mutations with other writers of the durable copy.
	exclusive func() (func(), error)

	runLock sync.Mutex
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: newMemoryState(),
		now:   time.Now,
	}
}

func (s *MemoryStore) read(fn func(st *memoryState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reload(); err != nil {
		return err
	}
	fn(s.state)
	return nil
}

func (s *MemoryStore) mutate(fn func(st *memoryState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exclusive != nil {
		unlock, err := s.exclusive()
		if err != nil {
			return err
		}
		defer unlock()
	}
	if err := s.reload(); err != nil {
		return err
	}
	next := s.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist(next); err != nil {
			return err
		}
	}
	s.state = next
	return nil
}

// reload must be called with s.mu held.
func (s *MemoryStore) reload() error {
	if s.refresh == nil {
		return nil
	}
	state, err := s.refresh(s.state)
	if err != nil {
		return err
	}
	s.state = state
	return nil
}

func (s *MemoryStore) UsersByEmail(ctx context.Context, emails []string) (map[string]UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]UserRecord, len(emails))
	err := s.read(func(st *memoryState) {
		for _, email := range emails {
			id, ok := st.byEmail[email]
			if !ok {
				continue
			}
			rec := UserRecord{User: st.Users[id]}
			if p, ok := st.Profiles[id]; ok {
				profile := p
				rec.Profile = &profile
			}
			out[email] = rec
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, in NewUser) (UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return UserRecord{}, err
	}
	if strings.TrimSpace(in.User.Email) == "" || strings.TrimSpace(in.User.Username) == "" {
		return UserRecord{}, ErrInvalidInput
	}
	provider := in.Account.Provider
	if provider == "" {
		provider = ProviderAzure
	}
	var rec UserRecord
	err := s.mutate(func(st *memoryState) error {
		if _, exists := st.byEmail[in.User.Email]; exists {
			return ErrDuplicateEmail
		}
		if _, exists := st.byUsername[in.User.Username]; exists {
			return ErrDuplicateUsername
		}
		if in.Account.UID != "" {
			for _, acct := range st.Accounts {
				if acct.Provider == provider && acct.UID == in.Account.UID {
					return ErrDuplicateAccount
				}
			}
		}
		st.UserSeq++
		user := in.User
		user.ID = st.UserSeq
		profile := in.Profile
		profile.UserID = user.ID
		st.Users[user.ID] = user
		st.Profiles[user.ID] = profile
		st.byEmail[user.Email] = user.ID
		st.byUsername[user.Username] = user.ID
		if in.Account.UID != "" {
			st.Accounts = append(st.Accounts, SocialAccount{UserID: user.ID, Provider: provider, UID: in.Account.UID})
		}
		rec = UserRecord{User: user, Profile: &profile}
		return nil
	})
	if err != nil {
		return UserRecord{}, err
	}
	return rec, nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, rec UserRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mutate(func(st *memoryState) error {
		current, ok := st.Users[rec.User.ID]
		if !ok {
			return ErrNotFound
		}
		current.FirstName = rec.User.FirstName
		current.LastName = rec.User.LastName
		st.Users[current.ID] = current
		if rec.Profile != nil {
			profile := *rec.Profile
			profile.UserID = current.ID
			st.Profiles[current.ID] = profile
		}
		return nil
	})
}

func (s *MemoryStore) CountryByName(ctx context.Context, name string) (Country, error) {
	if err := ctx.Err(); err != nil {
		return Country{}, err
	}
	var (
		country Country
		found   bool
	)
	err := s.read(func(st *memoryState) {
		country, found = st.Countries[countryKey(name)]
	})
	if err != nil {
		return Country{}, err
	}
	if !found {
		return Country{}, ErrNotFound
	}
	return country, nil
}

func (s *MemoryStore) UpsertCountry(ctx context.Context, country Country) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := countryKey(country.Name)
	if key == "" {
		return ErrInvalidInput
	}
	country.Name = strings.TrimSpace(country.Name)
	return s.mutate(func(st *memoryState) error {
		st.Countries[key] = country
		return nil
	})
}

func (s *MemoryStore) LatestCursor(ctx context.Context) (Cursor, bool, error) {
	if err := ctx.Err(); err != nil {
		return Cursor{}, false, err
	}
	var (
		cursor Cursor
		found  bool
	)
	err := s.read(func(st *memoryState) {
		if n := len(st.Cursors); n > 0 {
			cursor, found = st.Cursors[n-1], true
		}
	})
	return cursor, found, err
}

func (s *MemoryStore) SaveCursor(ctx context.Context, kind, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(url) == "" || (kind != CursorKindDelta && kind != CursorKindNext) {
		return ErrInvalidInput
	}
	now := s.now().UTC()
	return s.mutate(func(st *memoryState) error {
		st.CursorSeq++
		st.Cursors = append(st.Cursors, Cursor{ID: st.CursorSeq, Kind: kind, URL: url, CreatedAt: now})
		return nil
	})
}

func (s *MemoryStore) DeleteCursors(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mutate(func(st *memoryState) error {
		st.Cursors = nil
		return nil
	})
}

func (s *MemoryStore) RecordRun(ctx context.Context, run RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(run.RunID) == "" {
		return ErrInvalidInput
	}
	return s.mutate(func(st *memoryState) error {
		st.Runs = append(st.Runs, run)
		if len(st.Runs) > maxStoredRuns {
			st.Runs = append([]RunRecord(nil), st.Runs[len(st.Runs)-maxStoredRuns:]...)
		}
		return nil
	})
}

func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var runs []RunRecord
	err := s.read(func(st *memoryState) {
		runs = append([]RunRecord(nil), st.Runs...)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) Lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.runLock.TryLock() {
		return nil, ErrLocked
	}
	var once sync.Once
	return func() { once.Do(s.runLock.Unlock) }, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func countryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
