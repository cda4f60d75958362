package aadsync

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicef/INVENT/internal/userstore"
)

func newTestReconciler(t *testing.T, store userstore.Store) *Reconciler {
	t.Helper()
	r, err := NewReconciler(store, ReconcilerOptions{})
	require.NoError(t, err)
	return r
}

func TestReconcilerSkipsRecordsItCannotSync(t *testing.T) {
	store := userstore.NewMemoryStore()
	r := newTestReconciler(t, store)

	records := rawRecords(t,
		map[string]any{"id": "1", "givenName": "No Mail"},
		map[string]any{"id": "2", "mail": "   "},
		map[string]any{"id": "3", "mail": "guest@partner.org"},
		map[string]any{"id": "4", "mail": "spoof@notunicef.org"},
		map[string]any{"id": "5", "mail": "gone@unicef.org", "@removed": map[string]any{"reason": "deleted"}},
		map[string]any{"mail": "noid@unicef.org"},
		map[string]any{"id": "7", "mail": 42},
	)
	result, err := r.SaveBatch(context.Background(), records)
	require.NoError(t, err)
	assert.Empty(t, result.Created)

	reasons := map[string]SkipReason{}
	for _, s := range result.Skipped {
		reasons[s.ID] = s.Reason
	}
	want := map[string]SkipReason{
		"1": SkipMissingMail,
		"2": SkipMissingMail,
		"3": SkipDomainNotAllowed,
		"4": SkipDomainNotAllowed,
		"5": SkipRemoved,
		"":  SkipInvalidRecord,
		"7": SkipInvalidRecord,
	}
	if diff := cmp.Diff(want, reasons); diff != "" {
		t.Fatalf("skip reasons mismatch (-want +got):\n%s", diff)
	}

	found, err := store.UsersByEmail(context.Background(), []string{"guest@partner.org", "gone@unicef.org"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestReconcilerCreatesUserWithProfileAndAccount(t *testing.T) {
	store := userstore.NewMemoryStore()
	require.NoError(t, store.UpsertCountry(context.Background(), userstore.Country{Name: "Kenya", Code: "KE"}))
	r := newTestReconciler(t, store)

	longFirst := strings.Repeat("é", 40)
	result, err := r.SaveBatch(context.Background(), rawRecords(t, map[string]any{
		"id":          "aad-1",
		"mail":        "Ana.Lopez@UNICEF.ORG",
		"givenName":   longFirst,
		"surname":     nil,
		"displayName": "Ana Lopez",
		"jobTitle":    strings.Repeat("j", 120),
		"country":     "Kenya",
	}))
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	assert.Equal(t, "ana.lopez@unicef.org", result.Created[0].Email)

	found, err := store.UsersByEmail(context.Background(), []string{"ana.lopez@unicef.org"})
	require.NoError(t, err)
	rec := found["ana.lopez@unicef.org"]
	assert.Equal(t, "ana.lopez", rec.User.Username)
	assert.Equal(t, strings.Repeat("é", 30), rec.User.FirstName)
	assert.Equal(t, "", rec.User.LastName)
	require.NotNil(t, rec.Profile)
	assert.Len(t, rec.Profile.JobTitle, 100)
	assert.Equal(t, "Kenya", rec.Profile.Country)

	// The directory id is linked, so a second record with the same id and a
	// different mail is an integrity conflict.
	again, err := r.SaveBatch(context.Background(), rawRecords(t, map[string]any{"id": "aad-1", "mail": "other@unicef.org"}))
	require.NoError(t, err)
	require.Len(t, again.Skipped, 1)
	assert.Equal(t, SkipDuplicateAccount, again.Skipped[0].Reason)
}

func TestReconcilerDetectsFieldChanges(t *testing.T) {
	store := userstore.NewMemoryStore()
	require.NoError(t, store.UpsertCountry(context.Background(), userstore.Country{Name: "Kenya"}))
	r := newTestReconciler(t, store)

	_, err := r.SaveBatch(context.Background(), rawRecords(t, directoryUser("1", "ana@unicef.org", "Ana", "Lopez")))
	require.NoError(t, err)

	result, err := r.SaveBatch(context.Background(), rawRecords(t, map[string]any{
		"id":         "1",
		"mail":       "ana@unicef.org",
		"givenName":  "Anna",
		"surname":    nil,
		"jobTitle":   "Chief",
		"department": "ICT",
		"country":    "Kenya",
	}))
	require.NoError(t, err)
	require.Len(t, result.Updated, 1)
	want := map[string]Change{
		"first_name": {Previous: "Ana", Updated: "Anna"},
		"job_title":  {Previous: "Officer", Updated: "Chief"},
		"country":    {Previous: "", Updated: "Kenya"},
	}
	if diff := cmp.Diff(want, result.Updated[0].Changes); diff != "" {
		t.Fatalf("changes mismatch (-want +got):\n%s", diff)
	}

	found, err := store.UsersByEmail(context.Background(), []string{"ana@unicef.org"})
	require.NoError(t, err)
	rec := found["ana@unicef.org"]
	assert.Equal(t, "Lopez", rec.User.LastName, "a null surname keeps the stored value")
	assert.Equal(t, "Ana Lopez", rec.Profile.Name)
	assert.Equal(t, "Kenya", rec.Profile.Country)

	// Country is only filled when unset.
	require.NoError(t, store.UpsertCountry(context.Background(), userstore.Country{Name: "Uganda"}))
	result, err = r.SaveBatch(context.Background(), rawRecords(t, map[string]any{"id": "1", "mail": "ana@unicef.org", "country": "Uganda"}))
	require.NoError(t, err)
	assert.Empty(t, result.Updated)
}

func TestReconcilerIgnoresUnknownCountry(t *testing.T) {
	store := userstore.NewMemoryStore()
	r := newTestReconciler(t, store)
	result, err := r.SaveBatch(context.Background(), rawRecords(t, map[string]any{"id": "1", "mail": "ana@unicef.org", "country": "Atlantis"}))
	require.NoError(t, err)
	require.Len(t, result.Created, 1)

	found, err := store.UsersByEmail(context.Background(), []string{"ana@unicef.org"})
	require.NoError(t, err)
	assert.Equal(t, "", found["ana@unicef.org"].Profile.Country)
}

func TestReconcilerCreatesMissingProfile(t *testing.T) {
	store := &profilelessStore{MemoryStore: userstore.NewMemoryStore()}
	r := newTestReconciler(t, store)
	_, err := store.MemoryStore.CreateUser(context.Background(), userstore.NewUser{
		User: userstore.User{Email: "ana@unicef.org", Username: "ana", FirstName: "Ana"},
	})
	require.NoError(t, err)

	result, err := r.SaveBatch(context.Background(), rawRecords(t, map[string]any{
		"id": "1", "mail": "ana@unicef.org", "givenName": "Ana", "department": "ICT",
	}))
	require.NoError(t, err)
	require.Len(t, result.Updated, 1)
	changes := result.Updated[0].Changes
	assert.Contains(t, changes, "profile")
	assert.Equal(t, Change{Previous: "", Updated: "ICT"}, changes["department"])
	assert.NotContains(t, changes, "first_name")
}

func TestReconcilerSkipsDuplicateUsername(t *testing.T) {
	store := userstore.NewMemoryStore()
	r := newTestReconciler(t, store)
	_, err := store.CreateUser(context.Background(), userstore.NewUser{
		User: userstore.User{Email: "ana@other.unicef.org", Username: "ana"},
	})
	require.NoError(t, err)

	r.SetAllowedDomains([]string{"unicef.org", "@other.unicef.org"})
	result, err := r.SaveBatch(context.Background(), rawRecords(t, directoryUser("9", "ana@unicef.org", "Ana", "Lopez")))
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, SkipDuplicateUsername, result.Skipped[0].Reason)
	assert.Empty(t, result.Created)
}

func TestReconcilerTreatsRepeatedEmailInBatchAsUpdate(t *testing.T) {
	store := userstore.NewMemoryStore()
	r := newTestReconciler(t, store)
	result, err := r.SaveBatch(context.Background(), rawRecords(t,
		directoryUser("1", "ana@unicef.org", "Ana", "Lopez"),
		directoryUser("1", "ANA@unicef.org", "Ana", "López"),
	))
	require.NoError(t, err)
	assert.Len(t, result.Created, 1)
	require.Len(t, result.Updated, 1)
	assert.Equal(t, Change{Previous: "Lopez", Updated: "López"}, result.Updated[0].Changes["last_name"])
}

func TestReconcilerCountsStoreFailuresWithoutAborting(t *testing.T) {
	store := &flakyStore{MemoryStore: userstore.NewMemoryStore(), failEmail: "bo@unicef.org"}
	r := newTestReconciler(t, store)
	result, err := r.SaveBatch(context.Background(), rawRecords(t,
		directoryUser("1", "ana@unicef.org", "Ana", "Lopez"),
		directoryUser("2", "bo@unicef.org", "Bo", "Chen"),
		directoryUser("3", "cy@unicef.org", "Cy", "Diaz"),
	))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Created, 2)
}

func TestReconcilerFailsBatchWhenLookupFails(t *testing.T) {
	store := &flakyStore{MemoryStore: userstore.NewMemoryStore(), failLookup: true}
	r := newTestReconciler(t, store)
	_, err := r.SaveBatch(context.Background(), rawRecords(t, directoryUser("1", "ana@unicef.org", "Ana", "Lopez")))
	require.Error(t, err)
}

func TestReconcilerDomainDefaults(t *testing.T) {
	r := newTestReconciler(t, userstore.NewMemoryStore())
	assert.Equal(t, []string{"unicef.org"}, r.AllowedDomains())
	r.SetAllowedDomains([]string{" @Example.ORG ", ""})
	assert.Equal(t, []string{"example.org"}, r.AllowedDomains())
	r.SetAllowedDomains(nil)
	assert.Equal(t, DefaultAllowedDomains, r.AllowedDomains())
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 5))
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "żó", truncateRunes("żółw", 2))
	assert.Equal(t, "", truncateRunes("abc", 0))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "ana@unicef.org", normalizeEmail("  ANA@Unicef.Org "))
	assert.True(t, domainAllowed("ana@unicef.org", []string{"unicef.org"}))
	assert.False(t, domainAllowed("ana@unicef.org.evil.com", []string{"unicef.org"}))
	assert.False(t, domainAllowed("ana@sub.unicef.org", []string{"unicef.org"}))
}

// profilelessStore hides profiles, as for users created outside the sync.
type profilelessStore struct {
	*userstore.MemoryStore
}

func (s *profilelessStore) UsersByEmail(ctx context.Context, emails []string) (map[string]userstore.UserRecord, error) {
	found, err := s.MemoryStore.UsersByEmail(ctx, emails)
	if err != nil {
		return nil, err
	}
	for email, rec := range found {
		rec.Profile = nil
		found[email] = rec
	}
	return found, nil
}

type flakyStore struct {
	*userstore.MemoryStore
	failEmail  string
	failLookup bool
}

func (s *flakyStore) UsersByEmail(ctx context.Context, emails []string) (map[string]userstore.UserRecord, error) {
	if s.failLookup {
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.UsersByEmail(ctx, emails)
}

func (s *flakyStore) CreateUser(ctx context.Context, in userstore.NewUser) (userstore.UserRecord, error) {
	if in.User.Email == s.failEmail {
		return userstore.UserRecord{}, errors.New("connection reset")
	}
	return s.MemoryStore.CreateUser(ctx, in)
}
