// Package gateway exposes the admin HTTP API: health probes, Prometheus
// metrics, and management of chat settings, conversations and roles.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
	"github.com/jholhewres/wachat/pkg/wachat/chat"
	"github.com/jholhewres/wachat/pkg/wachat/observability"
	"github.com/jholhewres/wachat/pkg/wachat/scheduler"
)

// HealthSource reports per-channel health (channels.Manager).
type HealthSource interface {
	Health() map[string]channels.HealthStatus
}

// JobLister reports scheduled jobs (scheduler.Scheduler).
type JobLister interface {
	List() []scheduler.JobInfo
}

// Server serves the admin API for one engine.
type Server struct {
	engine  *chat.Engine
	metrics *observability.Metrics
	health  HealthSource
	jobs    JobLister
	token   string
	logger  *slog.Logger
	started time.Time
}

// New creates a server. token, when non-empty, is required as a bearer
// token on /api routes. metrics may be nil.
func New(engine *chat.Engine, metrics *observability.Metrics, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  engine,
		metrics: metrics,
		token:   token,
		logger:  logger.With("component", "gateway"),
		started: time.Now(),
	}
}

// SetHealthSource wires channel health into /readyz and /api/v1/status.
func (s *Server) SetHealthSource(h HealthSource) { s.health = h }

// SetJobLister wires the scheduler into /api/v1/jobs.
func (s *Server) SetJobLister(j JobLister) { s.jobs = j }

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/status", s.handleStatus)
		r.Get("/jobs", s.handleJobs)

		r.Put("/settings/global", s.handleSetGlobal)
		r.Put("/settings/{scope}/{id}", s.handleSetOverride)

		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Delete("/conversations/{id}", s.handleDeleteConversation)
		r.Delete("/conversations", s.handleDeleteAllConversations)

		r.Get("/roles/default", s.handleGetDefaultRole)
		r.Put("/roles/default", s.handleSetDefaultRole)
		r.Put("/roles/{scope}/{id}", s.handleSetPersonalRole)
		r.Delete("/roles/{scope}/{id}", s.handleResetPersonalRole)
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin API listening", "addr", addr, "auth", s.token != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// handleReady reports ready once every registered channel is connected.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	channelsUp := map[string]bool{}
	ready := true
	if s.health != nil {
		for name, h := range s.health.Health() {
			channelsUp[name] = h.Connected
			ready = ready && h.Connected
		}
	}
	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{"status": status, "channels": channelsUp})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusNotFound, "metrics_disabled", "metrics are not enabled")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

type channelStatus struct {
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"last_message_at"`
	ErrorCount    int       `json:"error_count"`
}

type statusResponse struct {
	chat.Status
	Channels map[string]channelStatus `json:"channels,omitempty"`
	Uptime   string                   `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status: s.engine.Status(r.Context()),
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.health != nil {
		resp.Channels = map[string]channelStatus{}
		for name, h := range s.health.Health() {
			resp.Channels[name] = channelStatus{
				Connected:     h.Connected,
				LastMessageAt: h.LastMessageAt,
				ErrorCount:    h.ErrorCount,
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := []scheduler.JobInfo{}
	if s.jobs != nil {
		jobs = s.jobs.List()
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetGlobal(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	if err := s.engine.Settings().SetGlobal(r.Context(), *req.Enabled); err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Settings().Stats())
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	target, ok := targetFromPath(w, r)
	if !ok {
		return
	}
	var req enabledRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	if err := s.engine.Settings().SetOverride(r.Context(), target.Scope, target.ID, *req.Enabled); err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"scope":   target.Scope.String(),
		"id":      target.ID,
		"enabled": *req.Enabled,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns := s.engine.Conversations().History(r.Context(), id)
	if turns == nil {
		turns = []chat.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "turns": turns})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.engine.Conversations().Clear(r.Context(), id)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "removed": n})
}

func (s *Server) handleDeleteAllConversations(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Conversations().ClearAll(r.Context())
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"removed": n})
}

type roleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleGetDefaultRole(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, roleRequest{Role: s.engine.Roles().DefaultRole()})
}

func (s *Server) handleSetDefaultRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := s.engine.Roles().SetDefaultRole(r.Context(), req.Role); err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, roleRequest{Role: s.engine.Roles().DefaultRole()})
}

func (s *Server) handleSetPersonalRole(w http.ResponseWriter, r *http.Request) {
	target, ok := targetFromPath(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if err := s.engine.Roles().SetPersonalRole(r.Context(), target, req.Role); err != nil {
		s.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"target": target.TargetID(),
		"role":   strings.TrimSpace(req.Role),
	})
}

func (s *Server) handleResetPersonalRole(w http.ResponseWriter, r *http.Request) {
	target, ok := targetFromPath(w, r)
	if !ok {
		return
	}
	if err := s.engine.Roles().ResetPersonalRole(r.Context(), target); err != nil {
		s.respondChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// targetFromPath parses {scope}/{id}. Individual ids are normalized to
// digits; group ids are kept as given.
func targetFromPath(w http.ResponseWriter, r *http.Request) (chat.Sender, bool) {
	scope, ok := chat.ParseScope(chi.URLParam(r, "scope"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_scope", "scope must be user or group")
		return chat.Sender{}, false
	}
	target := chat.NewSender(scope, chi.URLParam(r, "id"))
	if !target.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_id", "id is empty after normalization")
		return chat.Sender{}, false
	}
	return target, true
}

func (s *Server) respondChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, chat.ErrPersistence):
		s.logger.Error("admin request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "persistence_failed", err.Error())
	default:
		s.logger.Error("admin request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decodeRequest decodes a required JSON body, answering 400 on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
