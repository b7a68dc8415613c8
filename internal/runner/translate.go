package runner

import (
	"github.com/fieldnote-ai/fieldnote/internal/eventlog"
	"github.com/fieldnote-ai/fieldnote/internal/workflow"
)

// translate maps one engine event onto the canonical wire vocabulary. It is
// total over the known kinds; anything else reports ok=false and is dropped
// by the caller. Ordering is the caller's responsibility: one engine event in,
// at most one canonical event out, no batching.
func translate(taskID string, ev workflow.Event) (kind string, data map[string]any, ok bool) {
	base := map[string]any{
		"query_id": taskID,
		"agent":    ev.Agent,
		"id":       ev.MessageID,
		"role":     ev.Role,
		"content":  ev.Content,
	}
	if ev.ReasoningContent != "" {
		base["reasoning_content"] = ev.ReasoningContent
	}
	if ev.FinishReason != "" {
		base["finish_reason"] = ev.FinishReason
	}

	switch ev.Kind {
	case workflow.KindMessageChunk:
		return eventlog.KindMessageChunk, base, true

	case workflow.KindToolCalls:
		base["tool_calls"] = ev.ToolCalls
		base["tool_call_chunks"] = ev.ToolCallChunks
		return eventlog.KindToolCalls, base, true

	case workflow.KindToolCallChunks:
		chunks := ev.ToolCallChunks[:0:0]
		for _, c := range ev.ToolCallChunks {
			// Chunks with no name and no argument text carry nothing a
			// client can render.
			if c.Name == "" && c.Args == "" {
				continue
			}
			chunks = append(chunks, c)
		}
		if len(chunks) == 0 {
			return "", nil, false
		}
		base["tool_call_chunks"] = chunks
		return eventlog.KindToolCallChunks, base, true

	case workflow.KindToolCallResult:
		base["tool_call_id"] = ev.ToolCallID
		return eventlog.KindToolCallResult, base, true

	case workflow.KindInterrupt:
		base["task_id"] = taskID
		base["finish_reason"] = "interrupt"
		base["options"] = ev.Options
		return eventlog.KindInterrupt, base, true

	case workflow.KindPhaseStart:
		base["task_id"] = taskID
		base["research_id"] = phaseID(taskID, ev)
		base["id"] = phaseID(taskID, ev)
		base["status"] = "running"
		base["topic"] = ev.Topic
		base["research_topic"] = ev.Topic
		return eventlog.KindResearchStart, base, true

	case workflow.KindPhaseEnd:
		base["task_id"] = taskID
		base["research_id"] = phaseID(taskID, ev)
		base["id"] = phaseID(taskID, ev)
		base["status"] = "completed"
		base["finish_reason"] = "completed"
		return eventlog.KindResearchEnd, base, true
	}
	return "", nil, false
}

// phaseID falls back to the task ID so research markers stay addressable
// even when the engine leaves the phase unnamed.
func phaseID(taskID string, ev workflow.Event) string {
	if ev.PhaseID != "" {
		return ev.PhaseID
	}
	return taskID
}
