// Package httpapi exposes the task and replay surface over HTTP: task
// creation and lifecycle, the SSE/WebSocket replay endpoints, thread queries,
// and the worker admin operations.
package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/fieldnote-ai/fieldnote/internal/eventlog"
	"github.com/fieldnote-ai/fieldnote/internal/registry"
	"github.com/fieldnote-ai/fieldnote/internal/replay"
	"github.com/fieldnote-ai/fieldnote/internal/taskmanager"
)

// Server bundles the HTTP handlers with their dependencies.
type Server struct {
	mgr      *taskmanager.Manager
	reg      *registry.Registry
	replayer *replay.Replayer
	log      eventlog.Log
	logger   *zap.Logger
}

// NewServer wires the handler set.
func NewServer(mgr *taskmanager.Manager, reg *registry.Registry, replayer *replay.Replayer, log eventlog.Log, logger *zap.Logger) *Server {
	return &Server{
		mgr:      mgr,
		reg:      reg,
		replayer: replayer,
		log:      log,
		logger:   logger,
	}
}

// RegisterRoutes registers every public route on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat/async", s.handleCreateTask)
	mux.HandleFunc("GET /chat/replay", s.handleReplaySSE)
	mux.HandleFunc("GET /chat/replay/ws", s.handleReplayWS)

	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /tasks/{id}/feedback", s.handleFeedback)

	mux.HandleFunc("GET /threads/{id}/running-task", s.handleRunningTask)
	mux.HandleFunc("GET /threads/{id}/research-status", s.handleResearchStatus)

	mux.HandleFunc("GET /worker/stats", s.handleWorkerStats)
	mux.HandleFunc("POST /worker/cleanup", s.handleWorkerCleanup)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
