// Package api exposes the scheduling core over HTTP: task mutation and
// introspection, the combined scheduling tick, agent registration, and
// the resource lock surface.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swarmq/swarmq/internal/lock"
	"github.com/swarmq/swarmq/internal/queue"
	"github.com/swarmq/swarmq/internal/registry"
	"github.com/swarmq/swarmq/internal/scheduler"
	"github.com/swarmq/swarmq/internal/version"
)

// Server is the swarmq HTTP API server.
type Server struct {
	queue          *queue.Service
	scheduler      *scheduler.Service
	locks          *lock.Service
	registry       *registry.Service
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(q *queue.Service, s *scheduler.Service, l *lock.Service, r *registry.Service) *Server {
	return &Server{queue: q, scheduler: s, locks: l, registry: r}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version.Get()})
	})

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.handleEnqueueTask)
		r.Get("/ready", s.handleReadyTasks)
		r.Get("/dag", s.handleDAGStatus)
		r.Get("/{taskID}", s.handleGetTask)
		r.Post("/{taskID}/assign", s.handleAssignTask)
		r.Post("/{taskID}/status", s.handleUpdateTaskStatus)
		r.Post("/{taskID}/cancel", s.handleCancelTask)
	})
	r.Delete("/api/tickets/{ticketID}/tasks", s.handleDeleteTicketTasks)

	r.Post("/api/schedule", s.handleScheduleAndAssign)

	r.Route("/api/agents", func(r chi.Router) {
		r.Post("/", s.handleRegisterAgent)
		r.Get("/search", s.handleSearchAgents)
		r.Get("/{agentID}", s.handleGetAgent)
		r.Patch("/{agentID}", s.handleUpdateAgent)
		r.Post("/{agentID}/heartbeat", s.handleHeartbeat)
		r.Post("/{agentID}/toggle", s.handleToggleAgent)
		r.Delete("/{agentID}", s.handleTerminateAgent)
	})

	r.Route("/api/locks", func(r chi.Router) {
		r.Post("/acquire", s.handleAcquireLock)
		r.Post("/release", s.handleReleaseLock)
		r.Post("/extend", s.handleExtendLock)
		r.Get("/check", s.handleIsLocked)
		r.Get("/active", s.handleActiveLocks)
		r.Post("/cleanup", s.handleCleanupLocks)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}
