package aadsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicef/INVENT/internal/directory"
	"github.com/unicef/INVENT/internal/userstore"
)

const testInitialURL = "https://graph.test/v1.0/users/delta"

type fakeResponse struct {
	page directory.Page
	err  error
}

// fakeSource serves scripted responses per url. The last response for a
// url repeats once the script is used up.
type fakeSource struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	calls     []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{responses: map[string][]fakeResponse{}}
}

func (f *fakeSource) on(url string, responses ...fakeResponse) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = append(f.responses[url], responses...)
	return f
}

func (f *fakeSource) FetchPage(ctx context.Context, url string) (directory.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	script := f.responses[url]
	if len(script) == 0 {
		return directory.Page{}, &directory.HTTPError{StatusCode: http.StatusNotFound, Message: "no script for " + url}
	}
	resp := script[0]
	if len(script) > 1 {
		f.responses[url] = script[1:]
	}
	return resp.page, resp.err
}

func (f *fakeSource) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type failingTokens struct{}

func (failingTokens) Token(context.Context) (string, error) {
	return "", errors.New("invalid_client")
}

func rawRecords(t *testing.T, records ...map[string]any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		out = append(out, data)
	}
	return out
}

func directoryUser(id, mail, given, surname string) map[string]any {
	return map[string]any{
		"id":          id,
		"mail":        mail,
		"givenName":   given,
		"surname":     surname,
		"displayName": given + " " + surname,
		"jobTitle":    "Officer",
		"department":  "ICT",
	}
}

type waitRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waitRecorder) Wait(ctx context.Context, delay time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, delay)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waitRecorder) Delays() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}

func newTestSyncer(t *testing.T, source directory.PageSource, store userstore.Store, opts Options) (*Syncer, *waitRecorder) {
	t.Helper()
	waits := &waitRecorder{}
	if opts.InitialURL == "" {
		opts.InitialURL = testInitialURL
	}
	opts.Wait = waits.Wait
	syncer, err := NewSyncer(source, directory.StaticTokenProvider("tok"), store, opts)
	require.NoError(t, err)
	return syncer, waits
}

func TestSyncerCreatesUsersAndStoresDeltaLink(t *testing.T) {
	store := userstore.NewMemoryStore()
	source := newFakeSource().
		on(testInitialURL, fakeResponse{page: directory.Page{
			Value:    rawRecords(t, directoryUser("1", "Ana@UNICEF.org", "Ana", "Lopez"), directoryUser("2", "bo@unicef.org", "Bo", "Chen")),
			NextLink: testInitialURL + "?$skiptoken=p2",
		}}).
		on(testInitialURL+"?$skiptoken=p2", fakeResponse{page: directory.Page{
			Value:     rawRecords(t, directoryUser("3", "cy@unicef.org", "Cy", "Diaz")),
			DeltaLink: testInitialURL + "?$deltatoken=d1",
		}})
	syncer, waits := newTestSyncer(t, source, store, Options{})

	report, err := syncer.Run(context.Background(), RunRequest{Trigger: TriggerCLI})
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, report.StopReason)
	assert.Equal(t, 2, report.Pages)
	assert.Equal(t, 3, report.Processed)
	assert.Len(t, report.Result.Created, 3)
	assert.Empty(t, waits.Delays())
	assert.NotEmpty(t, report.RunID)

	found, err := store.UsersByEmail(context.Background(), []string{"ana@unicef.org"})
	require.NoError(t, err)
	rec, ok := found["ana@unicef.org"]
	require.True(t, ok, "email is stored lower-cased")
	assert.Equal(t, "ana", rec.User.Username)

	cursor, ok, err := store.LatestCursor(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, userstore.CursorKindDelta, cursor.Kind)
	assert.Equal(t, testInitialURL+"?$deltatoken=d1", cursor.URL)

	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].RunID)
	assert.Equal(t, 3, runs[0].Created)
	assert.Equal(t, "completed", runs[0].StopReason)
}

// cursorFailingStore fails the next failures cursor saves.
type cursorFailingStore struct {
	*userstore.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *cursorFailingStore) SaveCursor(ctx context.Context, kind, url string) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryStore.SaveCursor(ctx, kind, url)
}

func TestSyncerCountsUsersWrittenBeforeCursorSaveFailed(t *testing.T) {
	store := &cursorFailingStore{MemoryStore: userstore.NewMemoryStore(), failures: 1}
	source := newFakeSource().
		on(testInitialURL, fakeResponse{page: directory.Page{
			Value:     rawRecords(t, directoryUser("1", "ana@unicef.org", "Ana", "Lopez"), directoryUser("2", "bo@unicef.org", "Bo", "Chen")),
			DeltaLink: testInitialURL + "?$deltatoken=d1",
		}})
	syncer, waits := newTestSyncer(t, source, store, Options{})

	report, err := syncer.Run(context.Background(), RunRequest{Trigger: TriggerCLI})
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, report.StopReason)
	assert.Len(t, report.Result.Created, 2, "users created by the page whose cursor save failed are still reported")
	assert.Empty(t, report.Result.Updated)
	assert.Equal(t, 1, report.Pages)
	assert.Len(t, waits.Delays(), 1)

	runs, err := store.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Created)

	cursor, ok, err := store.LatestCursor(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testInitialURL+"?$deltatoken=d1", cursor.URL)
}

func TestSyncerRerunIsIdempotent(t *testing.T) {
	store := userstore.NewMemoryStore()
	records := rawRecords(t, directoryUser("1", "ana@unicef.org", "Ana", "Lopez"))
	deltaURL := testInitialURL + "?$deltatoken=d1"
	source := newFakeSource().
		on(testInitialURL, fakeResponse{page: directory.Page{Value: records, DeltaLink: deltaURL}}).
		on(deltaURL, fakeResponse{page: directory.Page{Value: records, DeltaLink: deltaURL}})
	syncer, _ := newTestSyncer(t, source, store, Options{})

	first, err := syncer.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Len(t, first.Result.Created, 1)

	second, err := syncer.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Empty(t, second.Result.Created)
	assert.Empty(t, second.Result.Updated)
	assert.Equal(t, []string{testInitialURL, deltaURL}, source.Calls())
}

func TestSyncerExpiredDeltaLinkTriggersFullResync(t *testing.T) {
	store := userstore.NewMemoryStore()
	staleURL := testInitialURL + "?$deltatoken=stale"
	require.NoError(t, store.SaveCursor(context.Background(), userstore.CursorKindDelta, staleURL))

	source := newFakeSource().
		on(staleURL, fakeResponse{err: &directory.HTTPError{StatusCode: http.StatusBadRequest, Code: "syncStateNotFound", Message: "expired"}}).
		on(testInitialURL, fakeResponse{page: directory.Page{
			Value:     rawRecords(t, directoryUser("1", "ana@unicef.org", "Ana", "Lopez")),
			DeltaLink: testInitialURL + "?$deltatoken=fresh",
		}})
	syncer, waits := newTestSyncer(t, source, store, Options{})

	report, err := syncer.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, report.StopReason)
	assert.Equal(t, []string{staleURL, testInitialURL}, source.Calls())
	assert.Equal(t, []time.Duration{4 * time.Second}, waits.Delays())

	cursor, ok, err := store.LatestCursor(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testInitialURL+"?$deltatoken=fresh", cursor.URL)
}

func TestSyncerBacksOffAndStopsAfterMaxRetries(t *testing.T) {
	store := userstore.NewMemoryStore()
	source := newFakeSource().
		on(testInitialURL, fakeResponse{err: &directory.HTTPError{StatusCode: http.StatusServiceUnavailable}})
	syncer, waits := newTestSyncer(t, source, store, Options{})

	report, err := syncer.Run(context.Background(), RunRequest{})
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, StopRetriesExhausted, report.StopReason)
	assert.Len(t, source.Calls(), DefaultMaxRetries)
	// No wait after the final failure.
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}, waits.Delays())
	assert.NotEmpty(t, report.Error)
}

func TestSyncerBackoffResetsAfterSuccess(t *testing.T) {
	store := userstore.NewMemoryStore()
	unavailable := fakeResponse{err: &directory.HTTPError{StatusCode: http.StatusServiceUnavailable}}
	source := newFakeSource().
		on(testInitialURL, unavailable, fakeResponse{page: directory.Page{
			Value:    rawRecords(t, directoryUser("1", "ana@unicef.org", "Ana", "Lopez")),
			NextLink: testInitialURL + "?$skiptoken=p2",
		}}).
		on(testInitialURL+"?$skiptoken=p2", unavailable, fakeResponse{page: directory.Page{
			DeltaLink: testInitialURL + "?$deltatoken=d1",
		}})
	syncer, waits := newTestSyncer(t, source, store, Options{})

	report, err := syncer.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, report.StopReason)
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, waits.Delays())
}

func TestSyncerHonoursRetryAfterWithinCap(t *testing.T) {
	store := userstore.NewMemoryStore()
	source := newFakeSource().
		on(testInitialURL,
			fakeResponse{err: &directory.HTTPError{StatusCode: http.StatusTooManyRequests, RetryAfter: 30 * time.Second}},
			fakeResponse{err: &directory.HTTPError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Hour}},
			fakeResponse{page: directory.Page{DeltaLink: testInitialURL + "?$deltatoken=d1"}},
		)
	syncer, waits := newTestSyncer(t, source, store, Options{MaxDelay: time.Minute})

	_, err := syncer.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute}, waits.Delays())
}

func TestSyncerMaxUsersStopsAndResumesFromNextLink(t *testing.T) {
	store := userstore.NewMemoryStore()
	p2 := testInitialURL + "?$skiptoken=p2"
	source := newFakeSource().
		on(testInitialURL, fakeResponse{page: directory.Page{
			Value:    rawRecords(t, directoryUser("1", "ana@unicef.org", "Ana", "Lopez"), directoryUser("2", "bo@unicef.org", "Bo", "Chen")),
			NextLink: p2,
		}}).
		on(p2, fakeResponse{page: directory.Page{
			Value:     rawRecords(t, directoryUser("3", "cy@unicef.org", "Cy", "Diaz")),
			DeltaLink: testInitialURL + "?$deltatoken=d1",
		}})
	syncer, _ := newTestSyncer(t, source, store, Options{})

	report, err := syncer.Run(context.Background(), RunRequest{MaxUsers: 1})
	require.NoError(t, err)
	assert.Equal(t, StopMaxUsers, report.StopReason)
	// The cap is checked between pages, so the first page is processed whole.
	assert.Equal(t, 2, report.Processed)

	cursor, ok, err := store.LatestCursor(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, userstore.CursorKindNext, cursor.Kind)
	assert.Equal(t, p2, cursor.URL)

	resumed, err := syncer.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, resumed.StopReason)
	assert.Len(t, resumed.Result.Created, 1)
	assert.Equal(t, []string{testInitialURL, p2}, source.Calls())
}

func TestSyncerUsesDefaultMaxUsers(t *testing.T) {
	store := userstore.NewMemoryStore()
	source := newFakeSource().
		on(testInitialURL, fakeResponse{page: directory.Page{
			Value:    rawRecords(t, directoryUser("1", "ana@unicef.org", "Ana", "Lopez")),
			NextLink: testInitialURL + "?$skiptoken=p2",
		}})
	syncer, _ := newTestSyncer(t, source, store, Options{DefaultMaxUsers: 1})

	report, err := syncer.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, StopMaxUsers, report.StopReason)

	syncer.SetDefaultMaxUsers(-3)
	assert.Equal(t, 0, syncer.DefaultMaxUsers())
}

func TestSyncerAbortsOnTokenFailure(t *testing.T) {
	store := userstore.NewMemoryStore()
	source := newFakeSource()
	syncer, err := NewSyncer(source, failingTokens{}, store, Options{InitialURL: testInitialURL})
	require.NoError(t, err)

	report, err := syncer.Run(context.Background(), RunRequest{})
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, StopTokenError, report.StopReason)
	assert.Empty(t, source.Calls())
}

func TestSyncerRefusesConcurrentRuns(t *testing.T) {
	store := userstore.NewMemoryStore()
	release, err := store.Lock(context.Background())
	require.NoError(t, err)
	defer release()

	syncer, _ := newTestSyncer(t, newFakeSource(), store, Options{})
	_, err = syncer.Run(context.Background(), RunRequest{})
	assert.ErrorIs(t, err, userstore.ErrLocked)
}

func TestSyncerStopsWhenCanceledDuringBackoff(t *testing.T) {
	store := userstore.NewMemoryStore()
	source := newFakeSource().
		on(testInitialURL, fakeResponse{err: &directory.HTTPError{StatusCode: http.StatusServiceUnavailable}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	syncer, err := NewSyncer(source, directory.StaticTokenProvider("tok"), store, Options{
		InitialURL: testInitialURL,
		Wait: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	report, err := syncer.Run(ctx, RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, StopCanceled, report.StopReason)
	assert.Len(t, source.Calls(), 1)

	runs, err := store.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "canceled", runs[0].StopReason)
}

func TestSyncerPublishesProgressAndMetrics(t *testing.T) {
	store := userstore.NewMemoryStore()
	source := newFakeSource().
		on(testInitialURL, fakeResponse{page: directory.Page{
			Value:     rawRecords(t, directoryUser("1", "ana@unicef.org", "Ana", "Lopez"), directoryUser("2", "x@example.com", "X", "Y")),
			DeltaLink: testInitialURL + "?$deltatoken=d1",
		}})
	broker := NewBroker()
	events, cancel := broker.Subscribe(8)
	defer cancel()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	syncer, _ := newTestSyncer(t, source, store, Options{Events: broker, Metrics: metrics})

	_, err := syncer.Run(context.Background(), RunRequest{})
	require.NoError(t, err)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{EventRunStarted, EventPageFetched, EventRunFinished}, types)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.pages))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.users.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.users.WithLabelValues("skipped")))
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		retries    int
		retryAfter time.Duration
		want       time.Duration
	}{
		{1, 0, 4 * time.Second},
		{2, 0, 8 * time.Second},
		{5, 0, 64 * time.Second},
		{12, 0, 5 * time.Minute},
		{1, 10 * time.Second, 10 * time.Second},
		{3, 10 * time.Second, 16 * time.Second},
	}
	for _, tc := range cases {
		got := retryDelay(DefaultBaseDelay, DefaultMaxDelay, tc.retries, tc.retryAfter)
		assert.Equal(t, tc.want, got, fmt.Sprintf("retries=%d retryAfter=%s", tc.retries, tc.retryAfter))
	}
}
