package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Simulated is a self-contained stand-in for a real research engine. It
// produces a plausible plan / tool-use / report sequence so the service can
// run end-to-end without any model or search backend attached.
type Simulated struct {
	// StepDelay paces emission; zero means 25ms.
	StepDelay time.Duration
}

// NewSimulated returns a Simulated engine with default pacing.
func NewSimulated() *Simulated {
	return &Simulated{StepDelay: 25 * time.Millisecond}
}

func (s *Simulated) Start(ctx context.Context, in Input) (Handle, error) {
	h := newRunHandle()
	go s.run(ctx, in, h)
	return h, nil
}

func (s *Simulated) run(ctx context.Context, in Input, h *runHandle) {
	delay := s.StepDelay
	if delay <= 0 {
		delay = 25 * time.Millisecond
	}

	topic := "general research"
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == "user" && in.Messages[i].Content != "" {
			topic = in.Messages[i].Content
			break
		}
	}

	pace := func() bool {
		select {
		case <-time.After(delay):
			return true
		case <-ctx.Done():
			return false
		}
	}
	say := func(agent, msgID, text string) bool {
		for _, chunk := range chunked(text, 24) {
			if !pace() || !h.emit(ctx, Event{
				Kind:      KindMessageChunk,
				Agent:     agent,
				MessageID: msgID,
				Role:      "assistant",
				Content:   chunk,
			}) {
				return false
			}
		}
		return true
	}

	if !h.emit(ctx, Event{
		Kind:    KindPhaseStart,
		Agent:   "researcher",
		Role:    "assistant",
		PhaseID: in.TaskID,
		Topic:   topic,
		Content: "Starting research investigation",
	}) {
		h.finish(ctx.Err())
		return
	}

	planID := uuid.New().String()
	plan := fmt.Sprintf("Here is my plan for %q: survey existing sources, run targeted searches, then synthesize a report.", topic)
	if !say("planner", planID, plan) {
		h.finish(ctx.Err())
		return
	}

	if !in.Config.AutoAcceptedPlan && in.Config.InterruptFeedback == "" {
		fb, ok := h.interrupt(ctx, Event{
			Kind:      KindInterrupt,
			Agent:     "planner",
			MessageID: planID,
			Role:      "assistant",
			Content:   "Please review the plan.",
			Options: []InterruptOption{
				{Text: "Edit plan", Value: "edit_plan"},
				{Text: "Start research", Value: "accepted"},
			},
		})
		if !ok {
			h.finish(ctx.Err())
			return
		}
		if fb == "edit_plan" {
			if !say("planner", uuid.New().String(), "Revised the plan per your notes; proceeding with the updated steps.") {
				h.finish(ctx.Err())
				return
			}
		}
	}

	// One search round per step budget, at least one.
	steps := in.Config.MaxStepNum
	if steps <= 0 {
		steps = 1
	}
	for step := 0; step < steps; step++ {
		callID := uuid.New().String()
		msgID := uuid.New().String()
		query := fmt.Sprintf("%s (aspect %d)", topic, step+1)
		if !pace() || !h.emit(ctx, Event{
			Kind:      KindToolCalls,
			Agent:     "researcher",
			MessageID: msgID,
			Role:      "assistant",
			ToolCalls: []ToolCall{{ID: callID, Name: "web_search", Args: map[string]any{"query": query}}},
			ToolCallChunks: []ToolCallChunk{
				{Index: 0, ID: callID, Name: "web_search", Args: fmt.Sprintf(`{"query":%q}`, query)},
			},
		}) {
			h.finish(ctx.Err())
			return
		}
		if !pace() || !h.emit(ctx, Event{
			Kind:       KindToolCallResult,
			Agent:      "researcher",
			MessageID:  uuid.New().String(),
			Role:       "assistant",
			ToolCallID: callID,
			Content:    fmt.Sprintf("Found 3 relevant sources for %q.", query),
		}) {
			h.finish(ctx.Err())
			return
		}
	}

	report := fmt.Sprintf("## Findings on %s\n\nThe collected sources broadly agree; the synthesized report follows the requested %s style.", topic, styleOrDefault(in.Config.ReportStyle))
	if !say("reporter", uuid.New().String(), report) {
		h.finish(ctx.Err())
		return
	}

	if !h.emit(ctx, Event{
		Kind:         KindPhaseEnd,
		Agent:        "reporter",
		Role:         "assistant",
		PhaseID:      in.TaskID,
		Topic:        topic,
		FinishReason: "completed",
		Content:      "Research investigation completed",
	}) {
		h.finish(ctx.Err())
		return
	}
	h.finish(nil)
}

func styleOrDefault(s string) string {
	if s == "" {
		return "academic"
	}
	return s
}

func chunked(text string, size int) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if b.Len() >= size {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
