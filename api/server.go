// Package api exposes the HTTP control surface: engine status, queue
// stats, execution listing, and lifecycle operations on executions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/driptide/driptide/core"
	"github.com/driptide/driptide/engine"
	"github.com/driptide/driptide/queue"
	"github.com/driptide/driptide/scheduler"
)

// Server is the control-surface HTTP handler set.
type Server struct {
	executions core.ExecutionStore
	delays     core.DelayStore
	queue      core.Queue
	orch       *engine.Orchestrator
	recovery   *scheduler.Recovery
	clock      core.Clock
	logger     core.Logger
	started    time.Time
}

// NewServer creates the control server.
func NewServer(executions core.ExecutionStore, delays core.DelayStore, q core.Queue, orch *engine.Orchestrator, recovery *scheduler.Recovery, clock core.Clock, logger core.Logger) *Server {
	if clock == nil {
		clock = core.NewRealClock()
	}
	return &Server{
		executions: executions,
		delays:     delays,
		queue:      q,
		orch:       orch,
		recovery:   recovery,
		clock:      clock,
		logger:     core.ComponentLogger(logger, "api"),
		started:    clock.Now(),
	}
}

// Router builds the chi router for the control surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/queues/{name}/stats", s.handleQueueStats)
	r.Get("/executions", s.handleListExecutions)
	r.Post("/executions/{id}/start", s.handleStart)
	r.Post("/executions/{id}/stop", s.handleCancel)
	r.Post("/executions/{id}/pause", s.handlePause)
	r.Post("/executions/{id}/resume", s.handleResume)
	r.Post("/executions/{id}/cancel", s.handleCancel)
	r.Post("/cleanup", s.handleCleanup)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrStatusConflict):
		status = http.StatusConflict
	case errors.Is(err, core.ErrInvalidRule), errors.Is(err, core.ErrInvalidConfiguration):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.delays.PendingCount(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"time":           s.clock.Now().Format(time.RFC3339),
		"uptime":         s.clock.Since(s.started).String(),
		"pending_delays": pending,
		"metrics":        s.orch.Metrics().Snapshot(),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, err := s.queue.Stats(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.ExecutionFilter{
		WorkflowID:  q.Get("workflowId"),
		UserID:      q.Get("userId"),
		TriggerType: q.Get("triggerType"),
		Status:      core.ExecutionStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "offset must be a non-negative integer"})
			return
		}
		filter.Offset = n
	}

	executions, err := s.executions.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if executions == nil {
		executions = []*core.Execution{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
	})
}

// enqueueRun hands the execution's continuation to the worker pool.
func (s *Server) enqueueRun(ctx context.Context, executionID string) error {
	return s.queue.Enqueue(ctx, core.TopicWorkflowExecution, &core.Job{
		ID:          uuid.NewString(),
		Type:        core.JobTypeRunExecution,
		ExecutionID: executionID,
		Priority:    queue.PriorityNormal,
		MaxAttempts: 3,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	execution, err := s.orch.Start(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.enqueueRun(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	execution, err := s.orch.Pause(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	execution, err := s.orch.Resume(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// A resumed execution that is not waiting on a delay continues on the
	// worker pool; if it is, the run job is dropped there and the delay
	// promotion carries it.
	if err := s.enqueueRun(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	execution, err := s.orch.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := s.recovery.Run(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
