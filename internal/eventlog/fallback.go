package eventlog

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldnote-ai/fieldnote/internal/metrics"
)

// FallbackLog serves from a primary Redis-backed log and trips to an
// in-memory log when the backing store becomes unreachable. Callers never
// see transport errors; the cost is that history written during an outage
// does not survive a restart and is invisible once the primary returns.
type FallbackLog struct {
	primary    *RedisLog
	fallback   Log
	logger     *zap.Logger
	probeEvery time.Duration

	degraded  atomic.Bool
	lastProbe atomic.Int64 // unix nano of the last primary probe
}

// NewFallbackLog wraps primary with an in-memory fallback. probeEvery bounds
// how often a degraded log re-checks the primary; zero means 15s.
func NewFallbackLog(primary *RedisLog, logger *zap.Logger, probeEvery time.Duration) *FallbackLog {
	if probeEvery <= 0 {
		probeEvery = 15 * time.Second
	}
	return &FallbackLog{
		primary:    primary,
		fallback:   NewMemoryLog(),
		logger:     logger,
		probeEvery: probeEvery,
	}
}

// Degraded reports whether the in-memory fallback is currently serving.
func (f *FallbackLog) Degraded() bool { return f.degraded.Load() }

func (f *FallbackLog) trip(op string, err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("Event log backing store unreachable, serving from memory",
			zap.String("op", op),
			zap.Error(err))
		metrics.LogFallbackActivations.Inc()
		metrics.LogFallbackActive.Set(1)
	}
}

// pick returns the log to use for this call, probing the primary when the
// degradation window has elapsed.
func (f *FallbackLog) pick(ctx context.Context) Log {
	if !f.degraded.Load() {
		return f.primary
	}
	now := time.Now().UnixNano()
	last := f.lastProbe.Load()
	if now-last < f.probeEvery.Nanoseconds() || !f.lastProbe.CompareAndSwap(last, now) {
		return f.fallback
	}
	if err := f.primary.Ping(ctx); err != nil {
		return f.fallback
	}
	f.degraded.Store(false)
	metrics.LogFallbackActive.Set(0)
	f.logger.Info("Event log backing store recovered, resuming Redis streams")
	return f.primary
}

// transient reports whether err indicates the backing store itself failed
// rather than a caller mistake. redis.Nil and context errors stay with the
// caller.
func transient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (f *FallbackLog) Append(ctx context.Context, key, kind, threadID string, data map[string]any) (string, error) {
	if l := f.pick(ctx); l == f.primary {
		id, err := f.primary.Append(ctx, key, kind, threadID, data)
		if !transient(err) {
			return id, err
		}
		f.trip("append", err)
	}
	return f.fallback.Append(ctx, key, kind, threadID, data)
}

func (f *FallbackLog) Range(ctx context.Context, key, from, to string, limit int64) ([]Event, error) {
	if l := f.pick(ctx); l == f.primary {
		events, err := f.primary.Range(ctx, key, from, to, limit)
		if !transient(err) {
			return events, err
		}
		f.trip("range", err)
	}
	return f.fallback.Range(ctx, key, from, to, limit)
}

func (f *FallbackLog) Tail(ctx context.Context, key, from string, block time.Duration) ([]Event, error) {
	if l := f.pick(ctx); l == f.primary {
		events, err := f.primary.Tail(ctx, key, from, block)
		if !transient(err) {
			return events, err
		}
		f.trip("tail", err)
	}
	return f.fallback.Tail(ctx, key, from, block)
}

func (f *FallbackLog) Len(ctx context.Context, key string) (int64, error) {
	if l := f.pick(ctx); l == f.primary {
		n, err := f.primary.Len(ctx, key)
		if !transient(err) {
			return n, err
		}
		f.trip("len", err)
	}
	return f.fallback.Len(ctx, key)
}

func (f *FallbackLog) Keys(ctx context.Context, pattern string) ([]string, error) {
	if l := f.pick(ctx); l == f.primary {
		keys, err := f.primary.Keys(ctx, pattern)
		if !transient(err) {
			return keys, err
		}
		f.trip("keys", err)
	}
	return f.fallback.Keys(ctx, pattern)
}

func (f *FallbackLog) Delete(ctx context.Context, key string) error {
	if l := f.pick(ctx); l == f.primary {
		err := f.primary.Delete(ctx, key)
		if !transient(err) {
			return err
		}
		f.trip("delete", err)
	}
	return f.fallback.Delete(ctx, key)
}
