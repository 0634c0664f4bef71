// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/amurg-ai/conduit/hub/internal/auth"
	"github.com/amurg-ai/conduit/hub/internal/broadcast"
	"github.com/amurg-ai/conduit/hub/internal/config"
	"github.com/amurg-ai/conduit/hub/internal/observability"
	"github.com/amurg-ai/conduit/hub/internal/store"
	"github.com/amurg-ai/conduit/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	services     *auth.ServiceTokens
	broadcast    *broadcast.Manager
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	ipRL         *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server. ws serves the client WebSocket
// endpoint; metrics may be nil, which leaves /metrics unregistered.
func NewServer(s store.Store, ap auth.Provider, services *auth.ServiceTokens, bc *broadcast.Manager,
	ws http.Handler, metrics *observability.Metrics, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		authProvider: ap,
		services:     services,
		broadcast:    bc,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.RequestID)
	mux.Use(chimw.RealIP)
	mux.Use(requestLogMiddleware(srv.logger))
	mux.Use(chimw.Recoverer)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}

	// WebSocket route (auth handled inside)
	if ws != nil {
		mux.Get("/ws", ws.ServeHTTP)
	}

	srv.ipRL = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Client routes: a user only ever sees their own runs and audit trail.
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/runs", srv.handleListRuns)
		r.Get("/api/threads/{threadID}/runs/{runID}", srv.handleGetRun)
		r.Get("/api/threads/{threadID}/runs/{runID}/events", srv.handleListRunEvents)
		r.Get("/api/audit", srv.handleListAuditEvents)
	})

	// Service routes, only when service tokens are configured.
	if services != nil && !services.Empty() && bc != nil {
		mux.Group(func(r chi.Router) {
			r.Use(ipRateLimitMiddleware(srv.ipRL))
			r.Use(srv.serviceAuthMiddleware)
			r.Use(rateLimitMiddleware(srv.rl))

			r.Get("/api/groups", srv.handleListGroups)
			r.Post("/api/groups/{group}/publish", srv.handlePublish)
		})
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.ipRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Client handlers ---

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	perms := identity.Permissions
	if perms == nil {
		perms = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     identity.UserID,
		"permissions": perms,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	runs, err := s.store.ListRunsByUser(r.Context(), identity.UserID, since, queryLimit(r, 100, 500))
	if err != nil {
		s.logger.Warn("list runs failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	run, ok := s.ownedRun(w, r, identity)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	run, ok := s.ownedRun(w, r, identity)
	if !ok {
		return
	}

	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			afterSeq = n
		}
	}

	events, err := s.store.ListRunEvents(r.Context(), identity.UserID, run.ThreadID, run.RunID, afterSeq, queryLimit(r, 100, 500))
	if err != nil {
		s.logger.Warn("list run events failed", "user_id", identity.UserID, "run_id", run.RunID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list run events")
		return
	}
	if events == nil {
		events = []store.RunEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ownedRun loads the run named in the URL. Runs are keyed by user, so a
// run owned by someone else is indistinguishable from a missing one.
func (s *Server) ownedRun(w http.ResponseWriter, r *http.Request, identity *auth.Identity) (*store.Run, bool) {
	threadID := chi.URLParam(r, "threadID")
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(r.Context(), identity.UserID, threadID, runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Warn("get run failed", "user_id", identity.UserID, "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		Action: r.URL.Query().Get("action"),
		UserID: identity.UserID,
		Limit:  queryLimit(r, 50, 500),
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Service handlers ---

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	svc := getServiceFromContext(r.Context())
	groups := make([]map[string]any, 0)
	for _, g := range s.broadcast.Groups() {
		if !svc.Allows(g) {
			continue
		}
		groups = append(groups, map[string]any{"name": g, "members": len(s.broadcast.Members(g))})
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	svc := getServiceFromContext(r.Context())
	group := chi.URLParam(r, "group")

	if !s.broadcast.Accepts(group) {
		writeError(w, http.StatusNotFound, "unknown group")
		return
	}
	if !svc.Allows(group) {
		writeError(w, http.StatusForbidden, "service may not publish to this group")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	var msg protocol.Broadcast
	switch req.Type {
	case protocol.TypeQualityAlert:
		severity, _ := req.Payload["severity"].(string)
		msg = protocol.NewQualityAlert(severity, req.Payload)
	default:
		msg = protocol.Broadcast{Type: req.Type, Payload: req.Payload}
	}

	res := s.broadcast.Publish(r.Context(), group, msg)
	s.logger.Info("broadcast published", "service", svc.Name, "group", group, "type", req.Type,
		"delivered", res.Delivered, "failed", len(res.Failures))
	writeJSON(w, http.StatusOK, res)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func queryLimit(r *http.Request, def, maxLimit int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
