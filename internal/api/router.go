package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/robotlink/internal/auth"
)

// buildRouter wires the middleware chain and the /api/v1 routes. Every
// route below the auth group also needs one permission.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(
		s.requestIDMiddleware,
		s.loggingMiddleware,
		s.recoveryMiddleware,
		s.corsMiddleware,
		s.bodySizeLimitMiddleware,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ws", s.handleWebSocket) // token in the query string

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermRobotRead))
				r.Get("/status", s.handleStatus)
				r.Get("/attributes/{name}/history", s.handleAttributeHistory)
			})
			r.With(s.requirePermission(auth.PermRobotOperate)).Post("/requests", s.handleRequest)
			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermSystemAdmin))
				r.Post("/auth/token", s.handleIssueToken)
				r.Get("/audit", s.handleAuditList)
			})
		})
	})
	return r
}

// handleHealth answers 503 with status "degraded" while the robot server's
// own health check fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.robot.HealthCheck(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
	})
}
