// Package taskmanager creates tasks and owns their runners: admission against
// the concurrency ceiling, cancellation, interrupt feedback routing, stats,
// and retention sweeps.
package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fieldnote-ai/fieldnote/internal/eventlog"
	"github.com/fieldnote-ai/fieldnote/internal/metrics"
	"github.com/fieldnote-ai/fieldnote/internal/registry"
	"github.com/fieldnote-ai/fieldnote/internal/runner"
	"github.com/fieldnote-ai/fieldnote/internal/workflow"
)

// ErrNotWaiting mirrors the runner sentinel so HTTP handlers have a single
// error to map to 409.
var ErrNotWaiting = runner.ErrNotWaiting

const (
	defaultMaxConcurrent = 10
	defaultRetentionDays = 7
)

// CreateRequest is everything needed to admit one new task.
type CreateRequest struct {
	ThreadID string
	Messages []workflow.Message
	Config   workflow.Config
}

// Stats is the worker snapshot returned by GET /worker/stats.
type Stats struct {
	TotalTasks    int            `json:"total_tasks"`
	ByStatus      map[string]int `json:"by_status"`
	RunningTasks  int            `json:"running_tasks"`
	PendingTasks  int            `json:"pending_tasks"`
	MaxConcurrent int            `json:"max_concurrent_tasks"`
	UptimeSeconds float64        `json:"uptime_seconds"`
}

// CleanupResult summarizes one retention sweep.
type CleanupResult struct {
	RemovedTasks   int `json:"removed_tasks"`
	RemovedStreams int `json:"removed_streams"`
}

type taskEntry struct {
	runner *runner.Runner
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the process-wide task owner. All runner lifecycles flow through
// it; registry writes for running tasks happen inside the runners it spawns.
type Manager struct {
	log    eventlog.Log
	reg    *registry.Registry
	engine workflow.Engine
	logger *zap.Logger

	maxConcurrent int
	retentionDays int
	sem           *semaphore.Weighted
	startedAt     time.Time

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*taskEntry
}

// New creates a manager. maxConcurrent <= 0 selects the default ceiling.
func New(log eventlog.Log, reg *registry.Registry, engine workflow.Engine, logger *zap.Logger, maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:           log,
		reg:           reg,
		engine:        engine,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		retentionDays: defaultRetentionDays,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		startedAt:     time.Now(),
		rootCtx:       ctx,
		rootCancel:    cancel,
		entries:       make(map[string]*taskEntry),
	}
}

// SetRetention overrides the default cleanup window. days <= 0 is ignored.
func (m *Manager) SetRetention(days int) {
	if days > 0 {
		m.retentionDays = days
	}
}

// RetentionDays reports the cleanup window applied when a sweep does not
// name its own.
func (m *Manager) RetentionDays() int { return m.retentionDays }

// CreateTask persists a pending task and hands it to the admission queue.
// It returns as soon as the record exists; execution is asynchronous.
func (m *Manager) CreateTask(ctx context.Context, req CreateRequest) (*registry.TaskInfo, error) {
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	taskID := uuid.NewString()

	info := &registry.TaskInfo{
		TaskID:    taskID,
		ThreadID:  req.ThreadID,
		UserInput: lastUserMessage(req.Messages),
		Config:    configMap(req.Config),
	}
	if err := m.reg.Create(ctx, info); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.TasksCreated.Inc()
	metrics.TasksPending.Inc()

	in := workflow.Input{
		TaskID:   taskID,
		ThreadID: req.ThreadID,
		Messages: req.Messages,
		Config:   req.Config,
	}
	taskCtx, cancel := context.WithCancel(m.rootCtx)
	entry := &taskEntry{
		runner: runner.New(m.log, m.reg, m.engine, m.logger, in),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.entries[taskID] = entry
	m.mu.Unlock()

	go m.execute(taskCtx, taskID, entry)

	m.logger.Info("Task admitted",
		zap.String("task_id", taskID),
		zap.String("thread_id", req.ThreadID))
	return info, nil
}

// execute waits for an admission slot, runs the task, and releases the slot.
// Semaphore waiters are served in FIFO order, which is exactly the pending
// queue discipline.
func (m *Manager) execute(ctx context.Context, taskID string, entry *taskEntry) {
	defer func() {
		m.mu.Lock()
		delete(m.entries, taskID)
		m.mu.Unlock()
		close(entry.done)
	}()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		// Cancelled while pending: the runner never started, so the
		// terminal event and transition are written here.
		metrics.TasksPending.Dec()
		m.finalizePending(taskID)
		return
	}
	metrics.TasksPending.Dec()
	defer m.sem.Release(1)

	entry.runner.Run(ctx)
}

// finalizePending marks a never-admitted task cancelled and appends the
// terminal event so any replayer waiting on the stream closes.
func (m *Manager) finalizePending(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := m.reg.Update(ctx, taskID, registry.Mutation{Status: statusPtr(registry.StatusCancelled)})
	if err != nil {
		m.logger.Warn("Failed to cancel pending task",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	metrics.TasksFinalized.WithLabelValues(string(registry.StatusCancelled)).Inc()

	key := eventlog.StreamKey(info.ThreadID, taskID)
	data := map[string]any{
		"task_id":       taskID,
		"query_id":      taskID,
		"id":            "error_" + taskID,
		"agent":         "system",
		"role":          "assistant",
		"content":       "cancelled",
		"message":       "cancelled",
		"finish_reason": "error",
	}
	if _, err := m.log.Append(ctx, key, eventlog.KindError, info.ThreadID, data); err != nil {
		m.logger.Warn("Failed to append cancel event for pending task",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// CancelTask stops a task. Cancelling a terminal task is a success no-op; the
// call is idempotent.
func (m *Manager) CancelTask(ctx context.Context, taskID string) error {
	info, err := m.reg.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if info.Status.Terminal() {
		return nil
	}

	m.mu.Lock()
	entry, ok := m.entries[taskID]
	m.mu.Unlock()
	if ok {
		entry.cancel()
		return nil
	}

	// No live runner (for example a record surviving a restart); finalize
	// the registry side directly.
	if _, err := m.reg.Update(ctx, taskID, registry.Mutation{Status: statusPtr(registry.StatusCancelled)}); err != nil {
		if errors.Is(err, registry.ErrTaskFinalized) {
			return nil
		}
		return err
	}
	metrics.TasksFinalized.WithLabelValues(string(registry.StatusCancelled)).Inc()
	return nil
}

// SubmitFeedback delivers one interrupt response to a suspended runner.
func (m *Manager) SubmitFeedback(ctx context.Context, taskID, option string) error {
	m.mu.Lock()
	entry, ok := m.entries[taskID]
	m.mu.Unlock()
	if !ok {
		if _, err := m.reg.Get(ctx, taskID); err != nil {
			return err
		}
		return ErrNotWaiting
	}
	return entry.runner.Feedback(ctx, option)
}

// Stats snapshots recent task counts and worker configuration.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	tasks, err := m.reg.List(ctx, registry.Filter{Limit: 100})
	if err != nil {
		return nil, err
	}
	s := &Stats{
		TotalTasks:    len(tasks),
		ByStatus:      make(map[string]int),
		MaxConcurrent: m.maxConcurrent,
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
	}
	for _, t := range tasks {
		s.ByStatus[string(t.Status)]++
	}
	s.RunningTasks = s.ByStatus[string(registry.StatusRunning)]
	s.PendingTasks = s.ByStatus[string(registry.StatusPending)]
	return s, nil
}

// Cleanup deletes finalized tasks older than the cutoff along with their
// streams. Pending tasks past the cutoff are swept too; running tasks are
// never touched. Deletion unlinks tasks from the recent index, so sweeping
// in list-sized rounds eventually drains all candidates.
func (m *Manager) Cleanup(ctx context.Context, olderThanDays int) (*CleanupResult, error) {
	if olderThanDays <= 0 {
		olderThanDays = m.retentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	res := &CleanupResult{}

	for round := 0; round < 50; round++ {
		tasks, err := m.reg.List(ctx, registry.Filter{Limit: 100})
		if err != nil {
			return res, err
		}
		removed := 0
		for _, t := range tasks {
			if !cleanupEligible(t, cutoff) {
				continue
			}
			key := eventlog.StreamKey(t.ThreadID, t.TaskID)
			if err := m.log.Delete(ctx, key); err != nil {
				m.logger.Warn("Failed to delete stream during cleanup",
					zap.String("stream", key), zap.Error(err))
			} else {
				res.RemovedStreams++
			}
			if err := m.reg.Delete(ctx, t.TaskID); err != nil {
				m.logger.Warn("Failed to delete task during cleanup",
					zap.String("task_id", t.TaskID), zap.Error(err))
				continue
			}
			res.RemovedTasks++
			removed++
		}
		if removed == 0 {
			break
		}
	}
	m.logger.Info("Cleanup finished",
		zap.Int("removed_tasks", res.RemovedTasks),
		zap.Int("removed_streams", res.RemovedStreams),
		zap.Int("older_than_days", olderThanDays))
	return res, nil
}

func cleanupEligible(t *registry.TaskInfo, cutoff time.Time) bool {
	switch {
	case t.Status.Terminal():
		basis := t.CreatedAt
		if t.CompletedAt != nil {
			basis = *t.CompletedAt
		}
		return basis.Before(cutoff)
	case t.Status == registry.StatusPending:
		return t.CreatedAt.Before(cutoff)
	}
	return false
}

// Shutdown cancels every live task and waits for the runners to finalize or
// the context to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.rootCancel()

	m.mu.Lock()
	waiting := make([]chan struct{}, 0, len(m.entries))
	for _, e := range m.entries {
		waiting = append(waiting, e.done)
	}
	m.mu.Unlock()

	for _, done := range waiting {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.logger.Info("Task manager stopped", zap.Int("tasks_cancelled", len(waiting)))
	return nil
}

// Healthy reports whether the manager can still accept work.
func (m *Manager) Healthy() bool {
	return m.rootCtx.Err() == nil
}

func lastUserMessage(messages []workflow.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

// configMap flattens the typed config for storage on the task record.
func configMap(cfg workflow.Config) map[string]any {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func statusPtr(s registry.Status) *registry.Status { return &s }
