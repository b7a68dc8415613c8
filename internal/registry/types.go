package registry

import (
	"errors"
	"time"
)

var (
	// ErrTaskNotFound is returned when no record exists for a task ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskFinalized is returned when a mutation targets a terminal task.
	ErrTaskFinalized = errors.New("task already finalized")
	// ErrBadTransition is returned for a status change the lifecycle graph
	// does not allow.
	ErrBadTransition = errors.New("invalid status transition")
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s -> next is a legal lifecycle edge.
// Pending tasks may start or be cancelled; running tasks may finish any
// way; terminal states have no outgoing edges.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

// TaskInfo is the persisted record for one task.
type TaskInfo struct {
	TaskID       string         `json:"task_id"`
	ThreadID     string         `json:"thread_id"`
	UserInput    string         `json:"user_input"`
	Status       Status         `json:"status"`
	Progress     float64        `json:"progress"`
	CurrentStep  string         `json:"current_step,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// Mutation is a partial update; nil fields are left untouched.
type Mutation struct {
	Status       *Status
	Progress     *float64
	CurrentStep  *string
	ErrorMessage *string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ThreadID string
	Status   Status
	Limit    int
}
