package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/fieldnote-ai/fieldnote/internal/eventlog"
	"github.com/fieldnote-ai/fieldnote/internal/registry"
)

// handleRunningTask reports whether the thread has a task in flight.
// GET /threads/{id}/running-task
func (s *Server) handleRunningTask(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	info, err := s.runningTask(r.Context(), threadID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to check running task")
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

func (s *Server) runningTask(ctx context.Context, threadID string) (map[string]any, error) {
	task, err := s.reg.RunningByThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, registry.ErrTaskNotFound) {
			return map[string]any{
				"has_running_task": false,
				"task_id":          nil,
			}, nil
		}
		return nil, err
	}
	return map[string]any{
		"has_running_task": true,
		"task_id":          task.TaskID,
		"status":           task.Status,
		"progress":         task.Progress,
		"current_step":     task.CurrentStep,
		"started_at":       task.StartedAt,
	}, nil
}

// researchRecord tracks one research phase reconstructed from stream events.
type researchRecord struct {
	ResearchID string `json:"research_id"`
	Status     string `json:"status"`
	Topic      string `json:"topic"`
	QueryID    string `json:"query_id"`
	StreamKey  string `json:"stream_key"`
	StartTime  string `json:"start_time,omitempty"`
	EndTime    string `json:"end_time,omitempty"`
}

func (r *researchRecord) lastSeen() string {
	if r.EndTime != "" {
		return r.EndTime
	}
	return r.StartTime
}

// handleResearchStatus scans the thread's streams for research phase markers
// and summarizes ongoing and completed research.
// GET /threads/{id}/research-status
func (s *Server) handleResearchStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := r.PathValue("id")

	running, err := s.runningTask(ctx, threadID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to check running task")
		return
	}

	resp := map[string]any{
		"has_research_events": false,
		"ongoing_research":    nil,
		"completed_research":  []*researchRecord{},
		"latest_research_id":  nil,
		"running_task":        running,
	}

	keys, err := s.log.Keys(ctx, "chat:"+threadID+":*")
	if err != nil {
		s.logger.Warn("Failed to scan thread streams",
			zap.String("thread_id", threadID), zap.Error(err))
		s.sendJSON(w, http.StatusOK, resp)
		return
	}

	byID := make(map[string]*researchRecord)
	for _, key := range keys {
		// Cap the per-stream scan; research markers sit at the edges of
		// the stream anyway.
		events, err := s.log.Range(ctx, key, eventlog.ZeroID, eventlog.EndID, 200)
		if err != nil {
			s.logger.Warn("Failed to read stream",
				zap.String("stream", key), zap.Error(err))
			continue
		}
		for _, ev := range events {
			if ev.Kind != eventlog.KindResearchStart && ev.Kind != eventlog.KindResearchEnd {
				continue
			}
			id := stringField(ev.Data, "research_id")
			if id == "" {
				id = stringField(ev.Data, "id")
			}
			if id == "" {
				continue
			}
			rec, ok := byID[id]
			if !ok {
				rec = &researchRecord{
					ResearchID: id,
					Topic:      stringField(ev.Data, "topic"),
					QueryID:    stringField(ev.Data, "query_id"),
					StreamKey:  key,
				}
				byID[id] = rec
			}
			switch ev.Kind {
			case eventlog.KindResearchStart:
				rec.Status = "running"
				rec.StartTime = ev.ID
			case eventlog.KindResearchEnd:
				rec.Status = "completed"
				rec.EndTime = ev.ID
			}
		}
	}
	if len(byID) == 0 {
		s.sendJSON(w, http.StatusOK, resp)
		return
	}

	var ongoing *researchRecord
	completed := make([]*researchRecord, 0, len(byID))
	latestID := ""
	latestSeen := ""
	for id, rec := range byID {
		switch rec.Status {
		case "running":
			ongoing = rec
		case "completed":
			completed = append(completed, rec)
		}
		if latestID == "" || eventlog.CompareIDs(rec.lastSeen(), latestSeen) > 0 {
			latestID = id
			latestSeen = rec.lastSeen()
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return eventlog.CompareIDs(completed[i].lastSeen(), completed[j].lastSeen()) > 0
	})

	resp["has_research_events"] = true
	resp["ongoing_research"] = ongoing
	resp["completed_research"] = completed
	resp["latest_research_id"] = latestID
	s.sendJSON(w, http.StatusOK, resp)
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
