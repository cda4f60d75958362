package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/unicef/INVENT/internal/aadsync"
	"github.com/unicef/INVENT/internal/jobqueue"
	"github.com/unicef/INVENT/internal/userstore"
)

const (
	correlationHeader  = "X-Correlation-Id"
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
	defaultRunsLimit   = 20
)

type ServerConfig struct {
	JWTSecret string
	// RateLimit is the sustained requests per second allowed per token
	// subject. Zero disables limiting.
	RateLimit      float64
	RateLimitBurst int
	MaxBodyBytes   int64

	Events   *aadsync.Broker
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Now      func() time.Time
}

type Server struct {
	store       userstore.Store
	queue       jobqueue.Queue
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zap.Logger
	metrics     http.Handler

	closeOnce sync.Once
	closed    chan struct{}
}

type rateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewServer(store userstore.Store, queue jobqueue.Queue) *Server {
	return NewServerWithConfig(store, queue, ServerConfig{})
}

func NewServerWithConfig(store userstore.Store, queue jobqueue.Queue, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimit < 0 {
		cfg.RateLimit = 0
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimit > 0 {
		limiter = &rateLimiter{
			limit:    rate.Limit(cfg.RateLimit),
			burst:    cfg.RateLimitBurst,
			limiters: map[string]*rate.Limiter{},
		}
	}
	var metrics http.Handler
	if cfg.Gatherer != nil {
		metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	return &Server{
		store:       store,
		queue:       queue,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger.Named("httpapi"),
		metrics:     metrics,
		closed:      make(chan struct{}),
	}
}

// Close ends open event streams. The HTTP server does not track hijacked
// websocket connections, so call this before shutting it down.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics are disabled", correlationID)
			return
		}
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/dashboard":
		s.handleDashboard(w, r)
		return
	}

	var requiredScope string
	var route string
	switch {
	case r.URL.Path == "/v1/aad/users/sync" && r.Method == http.MethodPut:
		requiredScope = ScopeTrigger
		route = "sync_trigger"
	case r.URL.Path == "/v1/aad/sync/status" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "sync_status"
	case r.URL.Path == "/v1/aad/sync/runs" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "sync_runs"
	case r.URL.Path == "/v1/aad/sync/stream" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "sync_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(bearerHeader(r), s.cfg.JWTSecret, requiredScope, s.cfg.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "sync_trigger":
		s.handleSyncTrigger(w, r, claims, correlationID)
	case "sync_status":
		s.handleSyncStatus(w, r, correlationID)
	case "sync_runs":
		s.handleSyncRuns(w, r, correlationID)
	case "sync_stream":
		s.handleSyncStream(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type syncTriggerRequest struct {
	MaxUsers *int `json:"max_users"`
}

type syncTriggerResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req syncTriggerRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	maxUsers := 0
	if req.MaxUsers != nil {
		if *req.MaxUsers <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "max_users must be a positive integer", correlationID)
			return
		}
		maxUsers = *req.MaxUsers
	}

	job := jobqueue.NewJob(maxUsers, aadsync.TriggerManual)
	if !s.queue.TryEnqueue(job) {
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "queue_full", "sync queue is full", correlationID)
		return
	}
	s.logger.Info("sync job queued",
		zap.String("job_id", job.ID),
		zap.Int("max_users", maxUsers),
		zap.String("subject", claims.Subject),
		zap.String("correlation_id", correlationID),
	)
	writeJSON(w, http.StatusAccepted, syncTriggerResponse{
		Message: "Initiated AAD users sync job.",
		JobID:   job.ID,
	})
}

type cursorStatus struct {
	Kind       string    `json:"kind"`
	CreatedAt  time.Time `json:"createdAt"`
	AgeSeconds int64     `json:"ageSeconds"`
}

type queueStatus struct {
	Depth    int            `json:"depth"`
	Capacity int            `json:"capacity"`
	Pending  []jobqueue.Job `json:"pending"`
}

type syncStatusResponse struct {
	Cursor      *cursorStatus        `json:"cursor"`
	Queue       queueStatus          `json:"queue"`
	LastRun     *userstore.RunRecord `json:"lastRun"`
	Subscribers int                  `json:"streamSubscribers"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	resp := syncStatusResponse{
		Queue: queueStatus{
			Depth:    s.queue.Depth(),
			Capacity: s.queue.Capacity(),
			Pending:  s.queue.Snapshot(),
		},
		Subscribers: s.cfg.Events.Subscribers(),
	}
	cursor, found, err := s.store.LatestCursor(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if found {
		resp.Cursor = &cursorStatus{
			Kind:       cursor.Kind,
			CreatedAt:  cursor.CreatedAt,
			AgeSeconds: int64(s.cfg.Now().Sub(cursor.CreatedAt).Seconds()),
		}
	}
	runs, err := s.store.ListRuns(r.Context(), 1)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if len(runs) > 0 {
		resp.LastRun = &runs[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncRuns(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), defaultRunsLimit, 1, 200)
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if runs == nil {
		runs = []userstore.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleSyncStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.cfg.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream is disabled", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the handshake error.
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.cfg.Events.Subscribe(streamBuffer)
	defer unsubscribe()
	// The stream is write only; CloseRead handles control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	s.logger.Error("store request failed", zap.Error(err), zap.String("correlation_id", correlationID))
	if errors.Is(err, userstore.ErrNotImplemented) {
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", "store request failed", correlationID)
}

// getCorrelationID returns the caller's correlation id or a fresh one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

// bearerHeader falls back to the access_token query parameter because
// browsers cannot set headers on websocket handshakes.
func bearerHeader(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return "Bearer " + token
	}
	return ""
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
