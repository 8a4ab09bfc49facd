// Package gateway serves the local admin API: health probes, Prometheus
// metrics, read-only task views and an approval endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/threadclaw/internal/approval"
	"github.com/basket/threadclaw/internal/audit"
	"github.com/basket/threadclaw/internal/dispatcher"
	tcotel "github.com/basket/threadclaw/internal/otel"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/policy"
	"github.com/basket/threadclaw/internal/shared"
)

// ApprovalHandler applies approve/reject signals. intake.Processor
// implements it.
type ApprovalHandler interface {
	HandleSignal(ctx context.Context, sig approval.Signal) (approval.Result, error)
}

type Config struct {
	Store     *persistence.Store
	Approvals ApprovalHandler
	// Status reports dispatcher state. Nil means no workers run in this
	// process and readyz reports not ready.
	Status  func() dispatcher.Status
	Metrics http.Handler
	Policy  policy.Checker

	AuthToken   string
	RateLimiter *RateLimiter

	ConfigFingerprint string
	Logger            *slog.Logger
	Tracer            trace.Tracer
}

type Server struct {
	cfg     Config
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.traceRequests)
	r.Use(BearerAuth(s.cfg.AuthToken))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/events", s.handleTaskEvents)
		r.Get("/locks", s.handleLocks)
		r.Get("/approvals", s.handleApprovals)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequestSize(64 << 10))
			r.Use(s.cfg.RateLimiter.Middleware)
			r.Post("/approvals/{id}/approve", s.handleDecision(persistence.ApprovalApproved))
			r.Post("/approvals/{id}/reject", s.handleDecision(persistence.ApprovalRejected))
		})
	})
	return r
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		ctx = shared.WithSource(ctx, "gateway")
		ctx, span := tcotel.StartServerSpan(ctx, s.cfg.Tracer, tcotel.SpanGateway,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ready", "db_ok": true}
	code := http.StatusOK
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		payload["db_ok"] = false
		payload["status"] = "not_ready"
		code = http.StatusServiceUnavailable
	}
	if s.cfg.Status == nil {
		payload["status"] = "not_ready"
		payload["dispatcher"] = "not running"
		code = http.StatusServiceUnavailable
	} else {
		payload["dispatcher"] = s.cfg.Status()
	}
	respondJSON(w, code, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.cfg.Store.StatusCounts(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	locks, err := s.cfg.Store.ListLocks(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	pending, err := s.cfg.Store.ListPendingApprovals(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	payload := map[string]any{
		"counts":             counts,
		"locks_held":         len(locks),
		"pending_approvals":  len(pending),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"policy_deny_total":  audit.DenyCount(),
		"audit_decisions":    audit.Counts(),
	}
	if s.cfg.Policy != nil {
		payload["policy_version"] = s.cfg.Policy.PolicyVersion()
	}
	if s.cfg.Status != nil {
		payload["dispatcher"] = s.cfg.Status()
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := persistence.TaskStatus(q.Get("status"))
	if status != "" && !validStatus(status) {
		respondError(w, http.StatusBadRequest, "invalid_request", "unknown status "+string(status))
		return
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	tasks, total, err := s.cfg.Store.ListTasks(r.Context(), status, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func validStatus(st persistence.TaskStatus) bool {
	for _, s := range persistence.AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, persistence.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetTask(r.Context(), id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if events == nil {
		events = []persistence.TaskEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.cfg.Store.ListLocks(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if locks == nil {
		locks = []persistence.Lock{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.cfg.Store.ListPendingApprovals(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if pending == nil {
		pending = []persistence.Approval{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

type decisionRequest struct {
	Actor string `json:"actor"`
}

type decisionResponse struct {
	Applied  bool                       `json:"applied"`
	TaskID   string                     `json:"task_id,omitempty"`
	Decision persistence.ApprovalStatus `json:"decision"`
	Task     *persistence.Task          `json:"task,omitempty"`
}

// handleDecision routes an API approval through the same signal path as
// chat reactions. Repeated calls answer 200 with applied=false.
func (s *Server) handleDecision(decision persistence.ApprovalStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Approvals == nil {
			respondError(w, http.StatusServiceUnavailable, "approvals_disabled", "approval handling is not configured")
			return
		}
		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		actor := req.Actor
		if actor == "" {
			actor = "api"
		}
		res, err := s.cfg.Approvals.HandleSignal(r.Context(), approval.Signal{
			Ref:      chi.URLParam(r, "id"),
			Decision: decision,
			Actor:    actor,
		})
		if err != nil {
			s.cfg.Logger.Error("api approval failed", "ref", chi.URLParam(r, "id"), "error", err)
			respondError(w, http.StatusInternalServerError, "approval_failed", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, decisionResponse{
			Applied:  res.Applied,
			TaskID:   res.TaskID,
			Decision: decision,
			Task:     res.Task,
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}
