// Package server is the thin HTTP transport over the review workflow. It only
// shapes requests and responses; all semantics live in the inner components.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recallguard/recallguard/internal/review"
	"github.com/recallguard/recallguard/pkg/errors"
)

// HealthCheck probes one dependency of the service.
type HealthCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check HealthCheck
}

// Server exposes the review workflow over JSON HTTP.
type Server struct {
	workflow *review.Workflow
	checks   []namedCheck
	log      *zap.Logger
}

// Option configures the transport server.
type Option func(*Server)

// WithHealthCheck registers a dependency probe reported by /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks = append(s.checks, namedCheck{name: name, check: check})
	}
}

// New creates the transport server.
func New(workflow *review.Workflow, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		workflow: workflow,
		log:      log.With(zap.String("module", "http")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/review/records", s.handleList)
	mux.HandleFunc("POST /api/review/actions", s.handleAction)
	mux.HandleFunc("GET /api/review/metrics", s.handleMetrics)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.withRequestID(mux)
}

// withRequestID tags every request with an id, carried through the context
// for error logging and echoed back to the caller.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), errors.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// NewHTTPServer wraps the handler in a server with sane timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recs, err := s.workflow.List(r.Context(), q.Get("status"), q.Get("q"), limit)
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}

type actionRequest struct {
	MemoryID string `json:"memory_id"`
	Action   string `json:"action"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var err error
	switch req.Action {
	case "approve":
		err = s.workflow.Approve(r.Context(), req.MemoryID)
	case "reject":
		err = s.workflow.Reject(r.Context(), req.MemoryID)
	default:
		s.writeError(w, http.StatusBadRequest, "action must be approve or reject")
		return
	}
	if err != nil {
		s.writeWorkflowError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"memory_id": req.MemoryID,
		"action":    req.Action,
		"result":    "ok",
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.workflow.Metrics(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			s.log.Warn("health check failed", zap.String("check", c.name), zap.Error(err))
			status[c.name] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[c.name] = "ok"
	}
	s.writeJSON(w, code, status)
}

func (s *Server) writeWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "record not found or not pending")
	case errors.IsValidation(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errors.ErrSplitState):
		// The transition committed but the source mutation failed; the caller
		// must know the stores are now inconsistent.
		_ = errors.LogWithError(r.Context(), s.log, "split state surfaced to caller", err)
		s.writeError(w, http.StatusConflict, "review recorded but source store mutation failed")
	default:
		_ = errors.LogWithError(r.Context(), s.log, "request failed", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
