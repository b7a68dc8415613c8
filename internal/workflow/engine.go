// Package workflow defines the engine contract: an opaque producer of typed
// events for one research task. The service only ever consumes this
// interface; the bundled implementations are a simulation for local use and
// a scripted engine for tests.
package workflow

import (
	"context"
	"errors"
)

// ErrNotInterrupted is returned by Resume when the engine is not suspended
// on an interrupt.
var ErrNotInterrupted = errors.New("workflow is not awaiting feedback")

// EventKind discriminates the engine event union.
type EventKind int

const (
	// KindUnknown is the forward-compatibility variant: consumers log and
	// drop it.
	KindUnknown EventKind = iota
	// KindMessageChunk is a streamed text token from an agent.
	KindMessageChunk
	// KindToolCalls announces whole tool invocations.
	KindToolCalls
	// KindToolCallChunks streams partial tool-call arguments.
	KindToolCallChunks
	// KindToolCallResult carries a tool's return value.
	KindToolCallResult
	// KindInterrupt suspends the workflow pending a user choice.
	KindInterrupt
	// KindPhaseStart marks the beginning of a research phase.
	KindPhaseStart
	// KindPhaseEnd marks the end of a research phase.
	KindPhaseEnd
)

func (k EventKind) String() string {
	switch k {
	case KindMessageChunk:
		return "message_chunk"
	case KindToolCalls:
		return "tool_calls"
	case KindToolCallChunks:
		return "tool_call_chunks"
	case KindToolCallResult:
		return "tool_call_result"
	case KindInterrupt:
		return "interrupt"
	case KindPhaseStart:
		return "phase_start"
	case KindPhaseEnd:
		return "phase_end"
	default:
		return "unknown"
	}
}

// ToolCall is a complete tool invocation.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolCallChunk is a partial tool-call argument fragment.
type ToolCallChunk struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Args  string `json:"args"`
}

// InterruptOption is one choice offered to the user by an interrupt.
type InterruptOption struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

// Event is a tagged union over the engine's output vocabulary; Kind selects
// which fields are meaningful.
type Event struct {
	Kind EventKind

	// Agent/role/message identity, set on all message-bearing kinds.
	Agent     string
	MessageID string
	Role      string
	Content   string

	ReasoningContent string
	FinishReason     string

	ToolCalls      []ToolCall
	ToolCallChunks []ToolCallChunk
	ToolCallID     string

	// Interrupt fields.
	Options []InterruptOption

	// Phase fields.
	PhaseID string
	Topic   string
}

// Message is one turn of conversation input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Resource is a retrieval source made available to the workflow.
type Resource struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Config carries the workflow tuning knobs accepted at task creation.
// Unknown fields in the incoming request simply never land here.
type Config struct {
	Resources                     []Resource     `json:"resources,omitempty"`
	AutoAcceptedPlan              bool           `json:"auto_accepted_plan"`
	MaxPlanIterations             int            `json:"max_plan_iterations"`
	MaxStepNum                    int            `json:"max_step_num"`
	MaxSearchResults              int            `json:"max_search_results"`
	EnableDeepThinking            bool           `json:"enable_deep_thinking"`
	EnableBackgroundInvestigation bool           `json:"enable_background_investigation"`
	ReportStyle                   string         `json:"report_style,omitempty"`
	InterruptFeedback             string         `json:"interrupt_feedback,omitempty"`
	MCPSettings                   map[string]any `json:"mcp_settings,omitempty"`
}

// Input is everything an engine needs to run one task.
type Input struct {
	TaskID   string
	ThreadID string
	Messages []Message
	Config   Config
}

// Handle is one live workflow invocation. Events is closed when the
// workflow finishes; Err reports the terminal error afterwards, nil on
// clean completion. After emitting a KindInterrupt event the engine blocks
// until Resume or context cancellation.
type Handle interface {
	Events() <-chan Event
	Resume(ctx context.Context, feedback string) error
	Err() error
}

// Engine produces the event sequence for one task. Implementations must
// stop promptly when ctx is cancelled.
type Engine interface {
	Start(ctx context.Context, in Input) (Handle, error)
}
