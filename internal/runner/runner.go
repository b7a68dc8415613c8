// Package runner drives a single workflow invocation: it starts the engine,
// translates engine events into the canonical stream vocabulary, appends them
// to the task's event stream, and finalizes the task record.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldnote-ai/fieldnote/internal/eventlog"
	"github.com/fieldnote-ai/fieldnote/internal/metrics"
	"github.com/fieldnote-ai/fieldnote/internal/registry"
	"github.com/fieldnote-ai/fieldnote/internal/workflow"
)

// ErrNotWaiting is returned by Feedback when the task has no interrupt
// pending. Two feedback submissions racing the same interrupt resolve
// first-wins; the loser gets this error.
var ErrNotWaiting = errors.New("task is not awaiting interrupt feedback")

const (
	// Progress is refreshed every progressEvery appends and capped below
	// 1.0 until the terminal transition.
	progressEvery = 10
	progressCap   = 0.9
)

// Runner owns one task's stream key for its entire lifetime. It is the sole
// appender; replayers only ever read.
type Runner struct {
	log    eventlog.Log
	reg    *registry.Registry
	engine workflow.Engine
	logger *zap.Logger

	in  workflow.Input
	key string

	mu     sync.Mutex
	handle workflow.Handle
}

// New builds a runner for one task. Run must be called exactly once.
func New(log eventlog.Log, reg *registry.Registry, engine workflow.Engine, logger *zap.Logger, in workflow.Input) *Runner {
	return &Runner{
		log:    log,
		reg:    reg,
		engine: engine,
		logger: logger,
		in:     in,
		key:    eventlog.StreamKey(in.ThreadID, in.TaskID),
	}
}

// Feedback resumes a workflow suspended on an interrupt. It fails with
// ErrNotWaiting when the workflow has not started or is not parked.
func (r *Runner) Feedback(ctx context.Context, option string) error {
	r.mu.Lock()
	h := r.handle
	r.mu.Unlock()
	if h == nil {
		return ErrNotWaiting
	}
	if err := h.Resume(ctx, option); err != nil {
		if errors.Is(err, workflow.ErrNotInterrupted) {
			metrics.InterruptFeedback.WithLabelValues("rejected").Inc()
			return ErrNotWaiting
		}
		return err
	}
	metrics.InterruptFeedback.WithLabelValues("accepted").Inc()
	return nil
}

// Run executes the workflow to a terminal state. Cancellation arrives as ctx
// cancellation; the terminal stream event and registry transition are written
// with a short grace context so they land even after cancel.
func (r *Runner) Run(ctx context.Context) {
	start := time.Now()

	if _, err := r.reg.Update(ctx, r.in.TaskID, registry.Mutation{
		Status:      statusPtr(registry.StatusRunning),
		CurrentStep: strPtr("initializing workflow"),
	}); err != nil {
		// A cancel can beat admission; anything else is a registry fault
		// and the task is unrunnable either way.
		r.logger.Warn("Task did not reach running state",
			zap.String("task_id", r.in.TaskID),
			zap.Error(err))
		r.finalize(registry.StatusCancelled, 0, "", start)
		return
	}
	metrics.TasksRunning.Inc()
	defer metrics.TasksRunning.Dec()

	h, err := r.engine.Start(ctx, r.in)
	if err != nil {
		r.appendErrorEvent(err.Error())
		r.finalize(registry.StatusFailed, 0, err.Error(), start)
		return
	}
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()

	appended := 0
	for ev := range h.Events() {
		kind, data, ok := translate(r.in.TaskID, ev)
		if !ok {
			r.logger.Warn("Dropping unknown engine event",
				zap.String("task_id", r.in.TaskID),
				zap.Int("kind", int(ev.Kind)))
			continue
		}
		if kind == eventlog.KindInterrupt {
			metrics.InterruptsRaised.Inc()
			r.updateProgress(appended, "awaiting interrupt feedback")
		}
		if _, err := r.log.Append(ctx, r.key, kind, r.in.ThreadID, data); err != nil {
			r.logger.Error("Append failed",
				zap.String("stream", r.key),
				zap.String("kind", kind),
				zap.Error(err))
			continue
		}
		appended++
		if appended%progressEvery == 0 {
			r.updateProgress(appended, fmt.Sprintf("streaming events (%d appended)", appended))
		}
	}

	werr := h.Err()
	switch {
	case ctx.Err() != nil:
		r.appendErrorEvent("cancelled")
		r.finalize(registry.StatusCancelled, appended, "", start)
	case werr != nil:
		r.appendErrorEvent(werr.Error())
		r.finalize(registry.StatusFailed, appended, werr.Error(), start)
	default:
		r.appendReplayEnd(appended)
		r.finalize(registry.StatusCompleted, appended, "", start)
	}
}

// updateProgress advances progress monotonically, never past the cap. The
// registry clamps regressions, so a stale write here is harmless.
func (r *Runner) updateProgress(appended int, step string) {
	p := float64(appended) / 100.0
	if p > progressCap {
		p = progressCap
	}
	if _, err := r.reg.Update(context.Background(), r.in.TaskID, registry.Mutation{
		Progress:    &p,
		CurrentStep: &step,
	}); err != nil {
		r.logger.Debug("Progress update skipped",
			zap.String("task_id", r.in.TaskID),
			zap.Error(err))
	}
}

// finalize writes the terminal registry state. It uses a fresh context so the
// transition survives the cancellation that caused it.
func (r *Runner) finalize(status registry.Status, appended int, errMsg string, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mut := registry.Mutation{Status: &status}
	if status == registry.StatusCompleted {
		one := 1.0
		step := fmt.Sprintf("completed (%d events)", appended)
		mut.Progress = &one
		mut.CurrentStep = &step
	}
	if errMsg != "" {
		mut.ErrorMessage = &errMsg
	}
	if _, err := r.reg.Update(ctx, r.in.TaskID, mut); err != nil {
		r.logger.Error("Failed to finalize task",
			zap.String("task_id", r.in.TaskID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	metrics.TasksFinalized.WithLabelValues(string(status)).Inc()
	metrics.TaskDuration.Observe(time.Since(start).Seconds())
	r.logger.Info("Task finalized",
		zap.String("task_id", r.in.TaskID),
		zap.String("thread_id", r.in.ThreadID),
		zap.String("status", string(status)),
		zap.Int("events", appended),
		zap.Duration("duration", time.Since(start)))
}

// Terminal events are written with a background context: they must land even
// when the run context is already cancelled, or live replayers never close.

func (r *Runner) appendErrorEvent(message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := map[string]any{
		"task_id":       r.in.TaskID,
		"query_id":      r.in.TaskID,
		"id":            "error_" + r.in.TaskID,
		"agent":         "system",
		"role":          "assistant",
		"content":       message,
		"message":       message,
		"finish_reason": "error",
	}
	if _, err := r.log.Append(ctx, r.key, eventlog.KindError, r.in.ThreadID, data); err != nil {
		r.logger.Error("Failed to append error event",
			zap.String("stream", r.key),
			zap.Error(err))
	}
}

func (r *Runner) appendReplayEnd(total int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := map[string]any{
		"task_id":       r.in.TaskID,
		"query_id":      r.in.TaskID,
		"id":            "end_" + r.in.TaskID,
		"agent":         "system",
		"role":          "assistant",
		"finish_reason": "stop",
		"total_events":  total,
	}
	if _, err := r.log.Append(ctx, r.key, eventlog.KindReplayEnd, r.in.ThreadID, data); err != nil {
		r.logger.Error("Failed to append replay_end event",
			zap.String("stream", r.key),
			zap.Error(err))
	}
}

func statusPtr(s registry.Status) *registry.Status { return &s }
func strPtr(s string) *string                      { return &s }
