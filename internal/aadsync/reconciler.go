package aadsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/unicef/INVENT/internal/directory"
	"github.com/unicef/INVENT/internal/userstore"
)

var DefaultAllowedDomains = []string{"unicef.org"}

type SkipReason string

const (
	SkipMissingMail       SkipReason = "missing_mail"
	SkipDomainNotAllowed  SkipReason = "domain_not_allowed"
	SkipRemoved           SkipReason = "removed"
	SkipInvalidRecord     SkipReason = "invalid_record"
	SkipDuplicateUsername SkipReason = "duplicate_username"
	SkipDuplicateEmail    SkipReason = "duplicate_email"
	SkipDuplicateAccount  SkipReason = "duplicate_account"
)

// Change is the before and after value of one field.
type Change struct {
	Previous string `json:"previous"`
	Updated  string `json:"updated"`
}

type CreatedUser struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

type UpdatedUser struct {
	ID      int64             `json:"id"`
	Email   string            `json:"email"`
	Changes map[string]Change `json:"changes"`
}

type SkippedRecord struct {
	ID     string     `json:"id,omitempty"`
	Mail   string     `json:"mail,omitempty"`
	Reason SkipReason `json:"reason"`
}

type BatchResult struct {
	Created []CreatedUser   `json:"created"`
	Updated []UpdatedUser   `json:"updated"`
	Skipped []SkippedRecord `json:"skipped"`
	Failed  int             `json:"failed"`
}

func (r *BatchResult) merge(other BatchResult) {
	r.Created = append(r.Created, other.Created...)
	r.Updated = append(r.Updated, other.Updated...)
	r.Skipped = append(r.Skipped, other.Skipped...)
	r.Failed += other.Failed
}

type ReconcilerOptions struct {
	AllowedDomains []string
	Logger         *zap.Logger
}

// Reconciler upserts directory records into the user store, keyed by email.
type Reconciler struct {
	store     userstore.Store
	validator *recordValidator
	logger    *zap.Logger

	mu      sync.RWMutex
	domains []string
}

func NewReconciler(store userstore.Store, opts ReconcilerOptions) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("user store is required")
	}
	validator, err := newRecordValidator()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		store:     store,
		validator: validator,
		logger:    logger.Named("reconciler"),
	}
	r.SetAllowedDomains(opts.AllowedDomains)
	return r, nil
}

// SetAllowedDomains replaces the mail domains accepted for sync. An empty
// list restores the default.
func (r *Reconciler) SetAllowedDomains(domains []string) {
	cleaned := make([]string, 0, len(domains))
	for _, domain := range domains {
		domain = normalizeEmail(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
		if domain != "" {
			cleaned = append(cleaned, domain)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultAllowedDomains...)
	}
	r.mu.Lock()
	r.domains = cleaned
	r.mu.Unlock()
}

func (r *Reconciler) AllowedDomains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.domains...)
}

type candidate struct {
	email string
	user  directory.User
}

// SaveBatch reconciles one page of raw directory records. Records that
// cannot be synced are reported in Skipped; store failures on a single
// record are counted in Failed. The error is non-nil only when the batch as
// a whole could not be looked up.
func (r *Reconciler) SaveBatch(ctx context.Context, records []json.RawMessage) (BatchResult, error) {
	var result BatchResult
	domains := r.AllowedDomains()

	candidates := make([]candidate, 0, len(records))
	emails := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, raw := range records {
		var user directory.User
		if err := r.validator.Validate(raw); err != nil {
			_ = json.Unmarshal(raw, &user)
			r.logger.Warn("invalid directory record", zap.String("id", user.ID), zap.Error(err))
			result.Skipped = append(result.Skipped, SkippedRecord{ID: user.ID, Mail: deref(user.Mail), Reason: SkipInvalidRecord})
			continue
		}
		if err := json.Unmarshal(raw, &user); err != nil {
			result.Skipped = append(result.Skipped, SkippedRecord{Reason: SkipInvalidRecord})
			continue
		}
		mail := strings.TrimSpace(deref(user.Mail))
		if mail == "" {
			result.Skipped = append(result.Skipped, SkippedRecord{ID: user.ID, Reason: SkipMissingMail})
			continue
		}
		email := normalizeEmail(mail)
		if !domainAllowed(email, domains) {
			result.Skipped = append(result.Skipped, SkippedRecord{ID: user.ID, Mail: mail, Reason: SkipDomainNotAllowed})
			continue
		}
		if user.IsRemoved() {
			result.Skipped = append(result.Skipped, SkippedRecord{ID: user.ID, Mail: mail, Reason: SkipRemoved})
			continue
		}
		candidates = append(candidates, candidate{email: email, user: user})
		if _, dup := seen[email]; !dup {
			seen[email] = struct{}{}
			emails = append(emails, email)
		}
	}

	existing := map[string]userstore.UserRecord{}
	if len(emails) > 0 {
		found, err := r.store.UsersByEmail(ctx, emails)
		if err != nil {
			return BatchResult{}, fmt.Errorf("look up users by email: %w", err)
		}
		existing = found
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if rec, ok := existing[c.email]; ok {
			updated, rec, err := r.updateUser(ctx, rec, c.user)
			if err != nil {
				result.Failed++
				r.logger.Error("update user failed", zap.Int64("user_id", rec.User.ID), zap.String("email", c.email), zap.Error(err))
				continue
			}
			if updated != nil {
				existing[c.email] = rec
				result.Updated = append(result.Updated, *updated)
			}
			continue
		}
		rec, err := r.createUser(ctx, c.email, c.user)
		if err != nil {
			if reason, ok := duplicateReason(err); ok {
				r.logger.Warn("skipping conflicting directory record", zap.String("id", c.user.ID), zap.String("email", c.email), zap.Error(err))
				result.Skipped = append(result.Skipped, SkippedRecord{ID: c.user.ID, Mail: c.email, Reason: reason})
				continue
			}
			result.Failed++
			r.logger.Error("create user failed", zap.String("id", c.user.ID), zap.String("email", c.email), zap.Error(err))
			continue
		}
		existing[c.email] = rec
		result.Created = append(result.Created, CreatedUser{ID: rec.User.ID, Email: rec.User.Email})
	}

	r.logger.Info("saved directory batch",
		zap.Int("records", len(records)),
		zap.Int("created", len(result.Created)),
		zap.Int("updated", len(result.Updated)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func duplicateReason(err error) (SkipReason, bool) {
	switch {
	case errors.Is(err, userstore.ErrDuplicateUsername):
		return SkipDuplicateUsername, true
	case errors.Is(err, userstore.ErrDuplicateAccount):
		return SkipDuplicateAccount, true
	case errors.Is(err, userstore.ErrDuplicateEmail):
		return SkipDuplicateEmail, true
	default:
		return "", false
	}
}

func (r *Reconciler) createUser(ctx context.Context, email string, in directory.User) (userstore.UserRecord, error) {
	profile := userstore.Profile{
		Name:       truncateRunes(deref(in.DisplayName), maxProfileTextLen),
		JobTitle:   truncateRunes(deref(in.JobTitle), maxProfileTextLen),
		Department: truncateRunes(deref(in.Department), maxProfileTextLen),
	}
	if country, ok := r.knownCountry(ctx, in.Country); ok {
		profile.Country = country
	}
	return r.store.CreateUser(ctx, userstore.NewUser{
		User: userstore.User{
			Email:     email,
			Username:  usernameFromEmail(email),
			FirstName: truncateRunes(deref(in.GivenName), maxFirstNameLen),
			LastName:  truncateRunes(deref(in.Surname), maxLastNameLen),
		},
		Profile: profile,
		Account: userstore.SocialAccount{Provider: userstore.ProviderAzure, UID: in.ID},
	})
}

// updateUser applies incoming values that differ from the stored record. It
// returns nil when nothing changed.
func (r *Reconciler) updateUser(ctx context.Context, rec userstore.UserRecord, in directory.User) (*UpdatedUser, userstore.UserRecord, error) {
	changes := map[string]Change{}
	apply := func(field string, current *string, incoming *string, limit int) {
		if incoming == nil {
			return
		}
		value := truncateRunes(*incoming, limit)
		if value == *current {
			return
		}
		changes[field] = Change{Previous: *current, Updated: value}
		*current = value
	}

	next := rec
	apply("first_name", &next.User.FirstName, in.GivenName, maxFirstNameLen)
	apply("last_name", &next.User.LastName, in.Surname, maxLastNameLen)

	var profile userstore.Profile
	if rec.Profile != nil {
		profile = *rec.Profile
	} else {
		profile = userstore.Profile{UserID: rec.User.ID}
		changes["profile"] = Change{Previous: "", Updated: "created"}
	}
	apply("name", &profile.Name, in.DisplayName, maxProfileTextLen)
	apply("job_title", &profile.JobTitle, in.JobTitle, maxProfileTextLen)
	apply("department", &profile.Department, in.Department, maxProfileTextLen)
	if profile.Country == "" {
		if country, ok := r.knownCountry(ctx, in.Country); ok {
			changes["country"] = Change{Previous: "", Updated: country}
			profile.Country = country
		}
	}
	next.Profile = &profile

	if len(changes) == 0 {
		return nil, rec, nil
	}
	if err := r.store.UpdateUser(ctx, next); err != nil {
		return nil, rec, err
	}
	r.logger.Debug("updated user", zap.Int64("user_id", next.User.ID), zap.String("email", next.User.Email), zap.Any("changes", changes))
	return &UpdatedUser{ID: next.User.ID, Email: next.User.Email, Changes: changes}, next, nil
}

// knownCountry resolves a directory country name against the stored
// countries. Unknown names are ignored.
func (r *Reconciler) knownCountry(ctx context.Context, name *string) (string, bool) {
	if name == nil || strings.TrimSpace(*name) == "" {
		return "", false
	}
	country, err := r.store.CountryByName(ctx, *name)
	if err != nil {
		if !errors.Is(err, userstore.ErrNotFound) {
			r.logger.Warn("country lookup failed", zap.String("country", *name), zap.Error(err))
		}
		return "", false
	}
	return country.Name, true
}
