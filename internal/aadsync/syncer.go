package aadsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/unicef/INVENT/internal/directory"
	"github.com/unicef/INVENT/internal/userstore"
)

const (
	DefaultInitialURL = "https://graph.microsoft.com/v1.0/users/delta?$select=id,mail,givenName,surname,displayName,jobTitle,department,country,userPrincipalName"
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 5 * time.Minute

	TriggerManual   = "manual"
	TriggerSchedule = "scheduled"
	TriggerCLI      = "cli"
)

type StopReason string

const (
	StopCompleted        StopReason = "completed"
	StopMaxUsers         StopReason = "max_users"
	StopRetriesExhausted StopReason = "retries_exhausted"
	StopCanceled         StopReason = "canceled"
	StopTokenError       StopReason = "token_error"
)

// Failed reports whether a run that stopped for this reason should be retried.
func (r StopReason) Failed() bool {
	return r == StopRetriesExhausted || r == StopTokenError
}

var ErrRunFailed = errors.New("sync run failed")

type Options struct {
	InitialURL      string
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	AllowedDomains  []string
	DefaultMaxUsers int

	Logger  *zap.Logger
	Metrics *Metrics
	Events  *Broker

	// Wait sleeps between failed fetches. Tests replace it to observe delays.
	Wait func(ctx context.Context, delay time.Duration) error
	Now  func() time.Time
}

type RunRequest struct {
	// MaxUsers caps the records processed in this run. Zero uses the
	// configured default, a negative value means no cap.
	MaxUsers int
	Trigger  string
	RunID    string
}

type Report struct {
	RunID      string      `json:"runId"`
	Trigger    string      `json:"trigger,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	StopReason StopReason  `json:"stopReason"`
	Pages      int         `json:"pages"`
	Processed  int         `json:"processed"`
	Result     BatchResult `json:"result"`
	Error      string      `json:"error,omitempty"`
}

func (r Report) record() userstore.RunRecord {
	return userstore.RunRecord{
		RunID:      r.RunID,
		Trigger:    r.Trigger,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		StopReason: string(r.StopReason),
		Pages:      r.Pages,
		Processed:  r.Processed,
		Created:    len(r.Result.Created),
		Updated:    len(r.Result.Updated),
		Skipped:    len(r.Result.Skipped),
		Failed:     r.Result.Failed,
		Error:      r.Error,
	}
}

// Syncer pulls directory pages from the delta cursor and reconciles them
// into the user store.
type Syncer struct {
	source     directory.PageSource
	tokens     directory.TokenProvider
	store      userstore.Store
	reconciler *Reconciler

	initialURL string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxUsers   atomic.Int64

	logger  *zap.Logger
	metrics *Metrics
	events  *Broker
	wait    func(ctx context.Context, delay time.Duration) error
	now     func() time.Time
}

func NewSyncer(source directory.PageSource, tokens directory.TokenProvider, store userstore.Store, opts Options) (*Syncer, error) {
	if source == nil {
		return nil, fmt.Errorf("page source is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("user store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reconciler, err := NewReconciler(store, ReconcilerOptions{
		AllowedDomains: opts.AllowedDomains,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	initialURL := strings.TrimSpace(opts.InitialURL)
	if initialURL == "" {
		initialURL = DefaultInitialURL
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	wait := opts.Wait
	if wait == nil {
		wait = waitWithContext
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Syncer{
		source:     source,
		tokens:     tokens,
		store:      store,
		reconciler: reconciler,
		initialURL: initialURL,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger.Named("syncer"),
		metrics:    opts.Metrics,
		events:     opts.Events,
		wait:       wait,
		now:        now,
	}
	s.SetDefaultMaxUsers(opts.DefaultMaxUsers)
	return s, nil
}

// SetDefaultMaxUsers changes the cap used by runs that do not set one. Zero
// or less means no cap.
func (s *Syncer) SetDefaultMaxUsers(n int) {
	if n < 0 {
		n = 0
	}
	s.maxUsers.Store(int64(n))
}

func (s *Syncer) DefaultMaxUsers() int {
	return int(s.maxUsers.Load())
}

func (s *Syncer) SetAllowedDomains(domains []string) {
	s.reconciler.SetAllowedDomains(domains)
}

func (s *Syncer) Reconciler() *Reconciler {
	return s.reconciler
}

// Run performs one sync. It returns userstore.ErrLocked when another run
// holds the store lock, and an error wrapping ErrRunFailed when the run
// stopped on a token failure or exhausted its retries. The report is valid
// in both cases.
func (s *Syncer) Run(ctx context.Context, req RunRequest) (Report, error) {
	release, err := s.store.Lock(ctx)
	if err != nil {
		return Report{}, err
	}
	defer release()

	report := Report{
		RunID:     strings.TrimSpace(req.RunID),
		Trigger:   req.Trigger,
		StartedAt: s.now().UTC(),
	}
	if report.RunID == "" {
		report.RunID = ulid.Make().String()
	}
	maxUsers := req.MaxUsers
	if maxUsers == 0 {
		maxUsers = s.DefaultMaxUsers()
	}
	logger := s.logger.With(zap.String("run_id", report.RunID))
	logger.Info("sync run started", zap.String("trigger", req.Trigger), zap.Int("max_users", maxUsers))
	s.publish(Event{Type: EventRunStarted, RunID: report.RunID, Time: report.StartedAt})

	runErr := s.process(ctx, logger, maxUsers, &report)

	report.FinishedAt = s.now().UTC()
	if runErr != nil {
		report.Error = runErr.Error()
	}
	// Record the run even when the caller's context is already done.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.RecordRun(recordCtx, report.record()); err != nil {
		logger.Error("record sync run failed", zap.Error(err))
	}
	s.metrics.observeRun(report)
	s.publish(Event{
		Type:       EventRunFinished,
		RunID:      report.RunID,
		Time:       report.FinishedAt,
		Page:       report.Pages,
		Processed:  report.Processed,
		Created:    len(report.Result.Created),
		Updated:    len(report.Result.Updated),
		Skipped:    len(report.Result.Skipped),
		Failed:     report.Result.Failed,
		StopReason: report.StopReason,
		Error:      report.Error,
	})
	s.logSummary(logger, report)

	if report.StopReason.Failed() {
		return report, fmt.Errorf("%w: %s: %v", ErrRunFailed, report.StopReason, runErr)
	}
	return report, nil
}

func (s *Syncer) process(ctx context.Context, logger *zap.Logger, maxUsers int, report *Report) error {
	if _, err := s.tokens.Token(ctx); err != nil {
		report.StopReason = StopTokenError
		logger.Error("acquire directory token failed", zap.Error(err))
		return err
	}

	url := s.initialURL
	cursor, ok, err := s.store.LatestCursor(ctx)
	if err != nil {
		logger.Warn("load cursor failed, starting from the initial delta url", zap.Error(err))
	} else if ok {
		url = cursor.URL
		logger.Info("resuming from stored cursor", zap.String("kind", cursor.Kind), zap.Time("saved_at", cursor.CreatedAt))
	}

	retries := 0
	var lastErr error
	for url != "" && retries < s.maxRetries && (maxUsers <= 0 || report.Processed < maxUsers) {
		if err := ctx.Err(); err != nil {
			report.StopReason = StopCanceled
			return err
		}
		next, err := s.step(ctx, logger, url, report)
		if err == nil {
			url = next
			retries = 0
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			report.StopReason = StopCanceled
			return err
		}

		lastErr = err
		s.metrics.fetchFailed()
		logger.Error("directory page failed", zap.String("url", url), zap.Int("retry", retries+1), zap.Error(err))
		if errors.Is(err, directory.ErrSyncStateNotFound) {
			logger.Warn("delta link expired, starting a full synchronization")
			s.metrics.cursorReset()
			url = s.initialURL
			if err := s.store.DeleteCursors(ctx); err != nil {
				logger.Error("delete stored cursors failed", zap.Error(err))
			}
		}
		retries++
		if retries >= s.maxRetries {
			break
		}
		delay := retryDelay(s.baseDelay, s.maxDelay, retries, retryAfter(err))
		if err := s.wait(ctx, delay); err != nil {
			report.StopReason = StopCanceled
			return err
		}
	}

	switch {
	case retries >= s.maxRetries:
		report.StopReason = StopRetriesExhausted
		return lastErr
	case url != "":
		report.StopReason = StopMaxUsers
		// Resume from the pending page instead of restarting at the delta url.
		if err := s.store.SaveCursor(ctx, userstore.CursorKindNext, url); err != nil {
			logger.Error("save next cursor failed", zap.Error(err))
		}
		return nil
	default:
		report.StopReason = StopCompleted
		return nil
	}
}

// step fetches and reconciles one page and returns the next page url.
func (s *Syncer) step(ctx context.Context, logger *zap.Logger, url string, report *Report) (string, error) {
	page, err := s.source.FetchPage(ctx, url)
	if err != nil {
		return "", err
	}
	logger.Info("fetched directory page", zap.Int("page", report.Pages+1), zap.Int("records", len(page.Value)))

	result, err := s.reconciler.SaveBatch(ctx, page.Value)
	if err != nil {
		return "", err
	}
	// The writes are done even if the cursor save below fails, and a refetch
	// of this page would find those users unchanged.
	report.Result.merge(result)
	s.metrics.observeBatch(result)
	if page.DeltaLink != "" {
		if err := s.store.SaveCursor(ctx, userstore.CursorKindDelta, page.DeltaLink); err != nil {
			return "", fmt.Errorf("save delta link: %w", err)
		}
	}

	report.Processed += len(page.Value)
	report.Pages++
	s.metrics.pageFetched()
	s.publish(Event{
		Type:      EventPageFetched,
		RunID:     report.RunID,
		Time:      s.now().UTC(),
		Page:      report.Pages,
		Records:   len(page.Value),
		Processed: report.Processed,
		Created:   len(report.Result.Created),
		Updated:   len(report.Result.Updated),
		Skipped:   len(report.Result.Skipped),
		Failed:    report.Result.Failed,
	})
	return page.NextLink, nil
}

func (s *Syncer) publish(event Event) {
	if s.events != nil {
		s.events.Publish(event)
	}
}

func (s *Syncer) logSummary(logger *zap.Logger, report Report) {
	created := make([]string, 0, len(report.Result.Created))
	for _, u := range report.Result.Created {
		created = append(created, fmt.Sprintf("%d:%s", u.ID, u.Email))
	}
	logger.Info("sync run finished",
		zap.String("stop_reason", string(report.StopReason)),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
		zap.Int("pages", report.Pages),
		zap.Int("processed", report.Processed),
		zap.Int("created", len(report.Result.Created)),
		zap.Int("updated", len(report.Result.Updated)),
		zap.Int("skipped", len(report.Result.Skipped)),
		zap.Int("failed", report.Result.Failed),
		zap.Strings("created_users", created),
		zap.Any("updated_users", report.Result.Updated),
	)
}

func retryAfter(err error) time.Duration {
	var httpErr *directory.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}
