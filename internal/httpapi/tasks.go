package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fieldnote-ai/fieldnote/internal/registry"
	"github.com/fieldnote-ai/fieldnote/internal/taskmanager"
	"github.com/fieldnote-ai/fieldnote/internal/workflow"
)

// chatAsyncRequest is the task-creation body. Unknown fields are ignored on
// purpose; clients ship more than the worker consumes.
type chatAsyncRequest struct {
	ThreadID                      string              `json:"thread_id"`
	Messages                      []workflow.Message  `json:"messages"`
	Resources                     []workflow.Resource `json:"resources"`
	AutoAcceptedPlan              bool                `json:"auto_accepted_plan"`
	MaxPlanIterations             int                 `json:"max_plan_iterations"`
	MaxStepNum                    int                 `json:"max_step_num"`
	MaxSearchResults              int                 `json:"max_search_results"`
	EnableDeepThinking            bool                `json:"enable_deep_thinking"`
	EnableBackgroundInvestigation bool                `json:"enable_background_investigation"`
	ReportStyle                   string              `json:"report_style"`
	InterruptFeedback             string              `json:"interrupt_feedback"`
	MCPSettings                   map[string]any      `json:"mcp_settings"`
}

// handleCreateTask accepts a chat request and returns immediately with the
// pending task's identity. POST /chat/async
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req chatAsyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.sendError(w, http.StatusBadRequest, "messages are required")
		return
	}

	info, err := s.mgr.CreateTask(r.Context(), taskmanager.CreateRequest{
		ThreadID: req.ThreadID,
		Messages: req.Messages,
		Config: workflow.Config{
			Resources:                     req.Resources,
			AutoAcceptedPlan:              req.AutoAcceptedPlan,
			MaxPlanIterations:             req.MaxPlanIterations,
			MaxStepNum:                    req.MaxStepNum,
			MaxSearchResults:              req.MaxSearchResults,
			EnableDeepThinking:            req.EnableDeepThinking,
			EnableBackgroundInvestigation: req.EnableBackgroundInvestigation,
			ReportStyle:                   req.ReportStyle,
			InterruptFeedback:             req.InterruptFeedback,
			MCPSettings:                   req.MCPSettings,
		},
	})
	if err != nil {
		s.logger.Error("Failed to create task", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"task_id":    info.TaskID,
		"thread_id":  info.ThreadID,
		"status":     info.Status,
		"created_at": info.CreatedAt,
	})
}

// handleGetTask returns one TaskInfo. GET /tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	info, err := s.reg.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, registry.ErrTaskNotFound) {
			s.sendError(w, http.StatusNotFound, "task not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

// handleListTasks lists recent tasks. GET /tasks?thread_id=&status=&limit=
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{
		ThreadID: q.Get("thread_id"),
		Status:   registry.Status(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		s.sendError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	tasks, err := s.reg.List(r.Context(), f)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// handleCancelTask cancels a task; repeat calls succeed. POST /tasks/{id}/cancel
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := s.mgr.CancelTask(r.Context(), taskID); err != nil {
		if errors.Is(err, registry.ErrTaskNotFound) {
			s.sendError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("Failed to cancel task", zap.String("task_id", taskID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  "cancelling",
	})
}

// handleFeedback resumes a task suspended on an interrupt.
// POST /tasks/{id}/feedback
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	var body struct {
		Option string `json:"option"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Option == "" {
		s.sendError(w, http.StatusBadRequest, "option is required")
		return
	}

	err := s.mgr.SubmitFeedback(r.Context(), taskID, body.Option)
	switch {
	case err == nil:
		s.sendJSON(w, http.StatusOK, map[string]any{
			"task_id": taskID,
			"option":  body.Option,
		})
	case errors.Is(err, registry.ErrTaskNotFound):
		s.sendError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, taskmanager.ErrNotWaiting):
		s.sendError(w, http.StatusConflict, "task is not awaiting feedback")
	default:
		s.logger.Error("Failed to submit feedback", zap.String("task_id", taskID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to submit feedback")
	}
}
