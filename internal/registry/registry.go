// Package registry stores TaskInfo records in Redis with a bounded local
// cache, keyed by task ID and indexed per thread.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	taskKeyPrefix     = "task:"
	threadTasksPrefix = "thread_tasks:"
	recentTasksKey    = "tasks:recent"

	// Task records outlive their stream retention window.
	taskTTL        = 7 * 24 * time.Hour
	threadIndexTTL = 30 * 24 * time.Hour

	// The recent-tasks list is capped so stats and cleanup sweeps stay cheap.
	recentTasksCap = 999

	maxCachedTasks = 10000
)

// Registry is the single owner of TaskInfo records. All mutation goes
// through Update so lifecycle invariants hold everywhere.
type Registry struct {
	client redis.UniversalClient
	logger *zap.Logger

	mu          sync.RWMutex
	cache       map[string]*TaskInfo
	cacheAccess map[string]time.Time
}

// New creates a registry over the given Redis client.
func New(client redis.UniversalClient, logger *zap.Logger) *Registry {
	return &Registry{
		client:      client,
		logger:      logger,
		cache:       make(map[string]*TaskInfo),
		cacheAccess: make(map[string]time.Time),
	}
}

// Create persists a new pending task and links it to its thread.
func (r *Registry) Create(ctx context.Context, info *TaskInfo) error {
	if info.TaskID == "" || info.ThreadID == "" {
		return fmt.Errorf("task and thread IDs are required")
	}
	if info.Status == "" {
		info.Status = StatusPending
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}

	if err := r.save(ctx, info); err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	threadKey := threadTasksPrefix + info.ThreadID
	pipe.ZAdd(ctx, threadKey, redis.Z{
		Score:  float64(info.CreatedAt.UnixNano()),
		Member: info.TaskID,
	})
	pipe.Expire(ctx, threadKey, threadIndexTTL)
	pipe.LPush(ctx, recentTasksKey, info.TaskID)
	pipe.LTrim(ctx, recentTasksKey, 0, recentTasksCap)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index task %s: %w", info.TaskID, err)
	}

	r.cachePut(info)
	r.logger.Info("Created task",
		zap.String("task_id", info.TaskID),
		zap.String("thread_id", info.ThreadID))
	return nil
}

// Get fetches a task, preferring the local cache.
func (r *Registry) Get(ctx context.Context, taskID string) (*TaskInfo, error) {
	r.mu.RLock()
	if cached, ok := r.cache[taskID]; ok {
		cp := *cached
		r.mu.RUnlock()
		return &cp, nil
	}
	r.mu.RUnlock()

	info, err := r.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	r.cachePut(info)
	cp := *info
	return &cp, nil
}

// Update applies a partial mutation under the lifecycle rules: terminal
// states are frozen, transitions must follow the graph, progress never
// decreases. Timestamps are maintained here, not by callers.
func (r *Registry) Update(ctx context.Context, taskID string, mut Mutation) (*TaskInfo, error) {
	// Serialize read-modify-write; there is one writer per task by policy
	// but cancel and runner updates can race.
	r.mu.Lock()
	defer r.mu.Unlock()

	var info *TaskInfo
	if cached, ok := r.cache[taskID]; ok {
		cp := *cached
		info = &cp
	} else {
		loaded, err := r.load(ctx, taskID)
		if err != nil {
			return nil, err
		}
		info = loaded
	}

	if mut.Status != nil && *mut.Status != info.Status {
		if info.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTaskFinalized, taskID, info.Status)
		}
		if !info.Status.CanTransition(*mut.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrBadTransition, info.Status, *mut.Status)
		}
		info.Status = *mut.Status
		now := time.Now()
		if info.Status == StatusRunning && info.StartedAt == nil {
			info.StartedAt = &now
		}
		if info.Status.Terminal() {
			info.CompletedAt = &now
		}
	}
	if mut.Progress != nil {
		p := *mut.Progress
		if p > 1.0 {
			p = 1.0
		}
		if p > info.Progress {
			info.Progress = p
		}
	}
	if mut.CurrentStep != nil {
		info.CurrentStep = *mut.CurrentStep
	}
	if mut.ErrorMessage != nil {
		info.ErrorMessage = *mut.ErrorMessage
	}

	if err := r.save(ctx, info); err != nil {
		return nil, err
	}
	r.cachePutLocked(info)
	cp := *info
	return &cp, nil
}

// List returns tasks matching the filter, newest first. Limit defaults to
// 20 and is capped at 100.
func (r *Registry) List(ctx context.Context, f Filter) ([]*TaskInfo, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var (
		tasks []*TaskInfo
		err   error
	)
	if f.ThreadID != "" {
		tasks, err = r.TasksByThread(ctx, f.ThreadID)
	} else {
		tasks, err = r.recentTasks(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*TaskInfo, 0, limit)
	for _, t := range tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// TasksByThread returns all of a thread's tasks, newest first.
func (r *Registry) TasksByThread(ctx context.Context, threadID string) ([]*TaskInfo, error) {
	ids, err := r.client.ZRevRange(ctx, threadTasksPrefix+threadID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("thread index %s: %w", threadID, err)
	}
	return r.fetchAll(ctx, ids), nil
}

// LatestByThread returns the most recently created task on the thread whose
// status is not cancelled. This resolves the "default"/"latest" query alias.
func (r *Registry) LatestByThread(ctx context.Context, threadID string) (*TaskInfo, error) {
	tasks, err := r.TasksByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status != StatusCancelled {
			return t, nil
		}
	}
	return nil, ErrTaskNotFound
}

// RunningByThread returns the thread's currently running task, if any.
func (r *Registry) RunningByThread(ctx context.Context, threadID string) (*TaskInfo, error) {
	tasks, err := r.TasksByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == StatusRunning {
			return t, nil
		}
	}
	return nil, ErrTaskNotFound
}

// Delete removes a task record and its index entries.
func (r *Registry) Delete(ctx context.Context, taskID string) error {
	info, err := r.Get(ctx, taskID)
	if err != nil && !errors.Is(err, ErrTaskNotFound) {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, taskKeyPrefix+taskID)
	if info != nil {
		pipe.ZRem(ctx, threadTasksPrefix+info.ThreadID, taskID)
	}
	pipe.LRem(ctx, recentTasksKey, 1, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}

	r.mu.Lock()
	delete(r.cache, taskID)
	delete(r.cacheAccess, taskID)
	r.mu.Unlock()
	return nil
}

func (r *Registry) recentTasks(ctx context.Context) ([]*TaskInfo, error) {
	ids, err := r.client.LRange(ctx, recentTasksKey, 0, recentTasksCap).Result()
	if err != nil {
		return nil, fmt.Errorf("recent tasks: %w", err)
	}
	return r.fetchAll(ctx, ids), nil
}

func (r *Registry) fetchAll(ctx context.Context, ids []string) []*TaskInfo {
	tasks := make([]*TaskInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.Get(ctx, id)
		if err != nil {
			// Expired records linger in indexes until cleanup; skip them.
			continue
		}
		tasks = append(tasks, info)
	}
	return tasks
}

func (r *Registry) load(ctx context.Context, taskID string) (*TaskInfo, error) {
	raw, err := r.client.Get(ctx, taskKeyPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	var info TaskInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &info, nil
}

func (r *Registry) save(ctx context.Context, info *TaskInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", info.TaskID, err)
	}
	if err := r.client.Set(ctx, taskKeyPrefix+info.TaskID, data, taskTTL).Err(); err != nil {
		return fmt.Errorf("save task %s: %w", info.TaskID, err)
	}
	return nil
}

func (r *Registry) cachePut(info *TaskInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cachePutLocked(info)
}

func (r *Registry) cachePutLocked(info *TaskInfo) {
	cp := *info
	r.cache[info.TaskID] = &cp
	r.cacheAccess[info.TaskID] = time.Now()
	if len(r.cache) > maxCachedTasks {
		r.evictOldestLocked()
	}
}

func (r *Registry) evictOldestLocked() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, at := range r.cacheAccess {
		if oldestID == "" || at.Before(oldestAt) {
			oldestID = id
			oldestAt = at
		}
	}
	if oldestID != "" {
		delete(r.cache, oldestID)
		delete(r.cacheAccess, oldestID)
	}
}
