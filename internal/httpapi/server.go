package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/platformbridge/internal/bridge"
	"github.com/agentworkforce/platformbridge/internal/metrics"
	"github.com/agentworkforce/platformbridge/internal/platform"
)

// TaskQueries is the read side of the request pipeline.
type TaskQueries interface {
	Task(ctx context.Context, id string) (bridge.Task, error)
	Tasks(ctx context.Context, filter bridge.TaskFilter) ([]bridge.Task, error)
	PendingTaskForDataset(ctx context.Context, ref string) (bridge.Task, bool, error)
	PendingFilesForDataset(ctx context.Context, ref string) ([]bridge.Task, error)
	PendingTaskForOrganization(ctx context.Context, ref string) (bridge.Task, bool, error)
	PendingTasksForMembership(ctx context.Context, organizationRef string) ([]bridge.Task, error)
	PendingUserTasks(ctx context.Context, userID string) ([]bridge.Task, error)
	ChangeRequest(ctx context.Context, requestID string) ([]map[string]any, error)
}

type TaskReconciler interface {
	Reconcile(ctx context.Context, taskID string) (bridge.Task, error)
}

type ChangelogSyncer interface {
	SyncOnce(ctx context.Context) (bridge.SyncReport, error)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

type Dependencies struct {
	Tasks      TaskQueries
	Reconciler TaskReconciler
	Changelog  ChangelogSyncer
	Events     *bridge.TaskEventHub
}

// Server exposes task state and the background jobs over HTTP.
type Server struct {
	deps        Dependencies
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		switch r.URL.Path {
		case "/health":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		case "/metrics":
			s.cfg.Metrics.Handler().ServeHTTP(w, r)
			return
		}
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	parts := pathParts(r.URL.EscapedPath())
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "tasks" && r.Method == http.MethodGet:
		requiredScope, route = ScopeTasksRead, "tasks"
	case len(parts) == 3 && parts[1] == "tasks" && parts[2] == "events" && r.Method == http.MethodGet:
		requiredScope, route = ScopeTasksRead, "task_events"
	case len(parts) == 3 && parts[1] == "tasks" && r.Method == http.MethodGet:
		requiredScope, route = ScopeTasksRead, "task"
	case len(parts) == 4 && parts[1] == "tasks" && parts[3] == "reconcile" && r.Method == http.MethodPost:
		requiredScope, route = ScopeTasksReconcile, "reconcile"
	case (len(parts) == 3 || len(parts) == 4) && parts[1] == "pending" && r.Method == http.MethodGet:
		requiredScope, route = ScopeTasksRead, "pending"
	case len(parts) == 3 && parts[1] == "change-requests" && r.Method == http.MethodGet:
		requiredScope, route = ScopeTasksRead, "change_request"
	case len(parts) == 3 && parts[1] == "changelog" && parts[2] == "sync" && r.Method == http.MethodPost:
		requiredScope, route = ScopeChangelogSync, "changelog_sync"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := s.authorize(r, route, requiredScope)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, s.now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "tasks":
		s.handleTasks(w, r, correlationID)
	case "task":
		s.handleTask(w, r, parts[2], correlationID)
	case "task_events":
		s.handleTaskEvents(w, r, correlationID)
	case "reconcile":
		s.handleReconcile(w, r, parts[2], correlationID)
	case "pending":
		ref := ""
		if len(parts) == 4 {
			ref = parts[3]
		}
		s.handlePending(w, r, parts[2], ref, correlationID)
	case "change_request":
		s.handleChangeRequest(w, r, parts[2], correlationID)
	case "changelog_sync":
		s.handleChangelogSync(w, r, correlationID)
	}
}

// authorize checks the bearer token. Browsers cannot set headers on a
// websocket handshake, so the event stream also accepts access_token.
func (s *Server) authorize(r *http.Request, route, requiredScope string) (*tokenClaims, *authError) {
	header := r.Header.Get("Authorization")
	if header == "" && route == "task_events" {
		if raw := strings.TrimSpace(r.URL.Query().Get("access_token")); raw != "" {
			return authorizeToken(raw, s.cfg.JWTSecret, requiredScope, s.now())
		}
	}
	return authorizeBearer(header, s.cfg.JWTSecret, requiredScope, s.now())
}

func pathParts(escaped string) []string {
	raw := strings.Split(strings.Trim(escaped, "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		decoded, err := url.PathUnescape(part)
		if err != nil {
			decoded = part
		}
		parts = append(parts, decoded)
	}
	return parts
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	filter := bridge.TaskFilter{
		Identifier:   strings.TrimSpace(query.Get("identifier")),
		EntityID:     strings.TrimSpace(query.Get("entityId")),
		IncludeError: parseBool(query.Get("includeError"), false),
		Limit:        parseBoundedInt(query.Get("limit"), 200, 1, 1000),
	}
	if raw := strings.TrimSpace(query.Get("entityType")); raw != "" {
		entityType, err := bridge.ParseEntityType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		filter.EntityType = entityType
	}
	for _, raw := range strings.Split(query.Get("kind"), ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		kind, err := bridge.ParseTaskKind(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	tasks, err := s.deps.Tasks.Tasks(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	task, err := s.deps.Tasks.Task(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if s.deps.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "reconciler not configured", correlationID)
		return
	}
	task, err := s.deps.Reconciler.Reconcile(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request, scope, ref, correlationID string) {
	switch scope {
	case "dataset", "organization", "files", "membership":
		if strings.TrimSpace(ref) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", scope+" reference is required", correlationID)
			return
		}
	}
	ctx := r.Context()
	var (
		result any
		err    error
	)
	single := func(task bridge.Task, found bool, err error) (any, error) {
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, bridge.ErrNotFound
		}
		return task, nil
	}
	switch scope {
	case "dataset":
		result, err = single(s.deps.Tasks.PendingTaskForDataset(ctx, ref))
	case "organization":
		result, err = single(s.deps.Tasks.PendingTaskForOrganization(ctx, ref))
	case "files":
		var tasks []bridge.Task
		tasks, err = s.deps.Tasks.PendingFilesForDataset(ctx, ref)
		result = map[string]any{"items": tasks}
	case "membership":
		var tasks []bridge.Task
		tasks, err = s.deps.Tasks.PendingTasksForMembership(ctx, ref)
		result = map[string]any{"items": tasks}
	case "users":
		var tasks []bridge.Task
		tasks, err = s.deps.Tasks.PendingUserTasks(ctx, ref)
		result = map[string]any{"items": tasks}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if err != nil {
		s.writeFailure(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChangeRequest(w http.ResponseWriter, r *http.Request, requestID, correlationID string) {
	ops, err := s.deps.Tasks.ChangeRequest(r.Context(), requestID)
	if err != nil {
		s.writeFailure(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requestId": requestID, "operations": ops})
}

func (s *Server) handleChangelogSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Changelog == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "changelog replication not configured", correlationID)
		return
	}
	report, err := s.deps.Changelog.SyncOnce(r.Context())
	if err != nil {
		s.logger.Warn("changelog sync request failed", "correlation_id", correlationID, "cursor", report.Cursor, "error", err)
		s.writeFailure(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeFailure classifies err into a status code and error body.
func (s *Server) writeFailure(w http.ResponseWriter, err error, correlationID string) {
	var verr *bridge.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":          "validation_failed",
			"message":       verr.Error(),
			"fields":        verr.Fields,
			"correlationId": correlationID,
		})
	case errors.Is(err, bridge.ErrValidation), errors.Is(err, bridge.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, bridge.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	case bridge.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, platform.ErrNotAuthorized):
		writeError(w, http.StatusBadGateway, "platform_not_authorized", err.Error(), correlationID)
	case errors.Is(err, platform.ErrPlatform):
		writeError(w, http.StatusBadGateway, "platform_error", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
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

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
