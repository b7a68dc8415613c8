package httpapi

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// handleWorkerStats returns the task manager snapshot. GET /worker/stats
func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to collect worker stats", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleWorkerCleanup sweeps finalized tasks and their streams.
// POST /worker/cleanup?days=
func (s *Server) handleWorkerCleanup(w http.ResponseWriter, r *http.Request) {
	days := s.mgr.RetentionDays()
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	res, err := s.mgr.Cleanup(r.Context(), days)
	if err != nil {
		s.logger.Error("Cleanup failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"removed_tasks":   res.RemovedTasks,
		"removed_streams": res.RemovedStreams,
		"older_than_days": days,
	})
}
