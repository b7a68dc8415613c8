package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChecker probes the backing store. It is deliberately non-critical:
// the event log degrades to its in-memory fallback during outages, so a dead
// Redis means degraded service, not an unready one.
type RedisChecker struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	timeout time.Duration
}

func NewRedisChecker(client redis.UniversalClient, logger *zap.Logger) *RedisChecker {
	return &RedisChecker{client: client, logger: logger, timeout: 3 * time.Second}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return false }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{
		Component: "redis",
		Timestamp: start,
		Critical:  false,
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Message = "event log running on in-memory fallback"
	} else {
		res.Status = StatusHealthy
	}
	res.Duration = time.Since(start)
	return res
}

// WorkerChecker reports whether the task manager still accepts work.
type WorkerChecker struct {
	healthy func() bool
	timeout time.Duration
}

func NewWorkerChecker(healthy func() bool) *WorkerChecker {
	return &WorkerChecker{healthy: healthy, timeout: time.Second}
}

func (w *WorkerChecker) Name() string           { return "task_manager" }
func (w *WorkerChecker) IsCritical() bool       { return true }
func (w *WorkerChecker) Timeout() time.Duration { return w.timeout }

func (w *WorkerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{
		Component: "task_manager",
		Timestamp: start,
		Critical:  true,
	}
	if w.healthy() {
		res.Status = StatusHealthy
	} else {
		res.Status = StatusUnhealthy
		res.Error = "task manager is shut down"
	}
	res.Duration = time.Since(start)
	return res
}
