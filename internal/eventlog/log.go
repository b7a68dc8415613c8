package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldnote-ai/fieldnote/internal/metrics"
)

// Canonical event kinds written to task streams.
const (
	KindMessageChunk   = "message_chunk"
	KindToolCalls      = "tool_calls"
	KindToolCallChunks = "tool_call_chunks"
	KindToolCallResult = "tool_call_result"
	KindInterrupt      = "interrupt"
	KindResearchStart  = "research_start"
	KindResearchEnd    = "research_end"
	KindError          = "error"
	KindReplayEnd      = "replay_end"
)

// IsTerminal reports whether kind ends its stream. Once a terminal event is
// appended no further appends happen on that key.
func IsTerminal(kind string) bool {
	return kind == KindReplayEnd || kind == KindError
}

// Event is one immutable entry in a task stream.
type Event struct {
	ID       string         `json:"id"`
	Kind     string         `json:"event"`
	ThreadID string         `json:"thread_id"`
	Data     map[string]any `json:"data"`
}

// StreamKey builds the addressing token for one task's event log.
func StreamKey(threadID, taskID string) string {
	return fmt.Sprintf("chat:%s:%s", threadID, taskID)
}

// Log is an append-only event log with monotone per-key IDs. One writer per
// key by convention (the stream runner); any number of concurrent readers,
// each with its own cursor.
type Log interface {
	// Append atomically appends an event and returns its assigned ID,
	// strictly greater than every prior ID on the same key.
	Append(ctx context.Context, key, kind, threadID string, data map[string]any) (string, error)

	// Range returns up to limit events with ID >= from and <= to, in order.
	// from = "0" reads from the start, to = "+" is unbounded. Callers resume
	// with NextID of the last event they consumed.
	Range(ctx context.Context, key, from, to string, limit int64) ([]Event, error)

	// Tail blocks up to block for events with ID >= from, returning as soon
	// as at least one is available, or an empty slice on timeout. Concurrent
	// tailers each see every event (fan-out, not queue semantics).
	Tail(ctx context.Context, key, from string, block time.Duration) ([]Event, error)

	// Len returns the number of entries on key.
	Len(ctx context.Context, key string) (int64, error)

	// Keys lists stream keys matching a glob pattern. Administrative use.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Delete removes an entire stream. Used by retention sweeps.
	Delete(ctx context.Context, key string) error
}

// Stream entry field names. data is stored as one JSON blob so payload
// values keep their types across the round trip.
const (
	fieldEvent    = "event"
	fieldThreadID = "thread_id"
	fieldData     = "data_json"
)

// RedisLog implements Log on Redis Streams.
type RedisLog struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisLog creates a Redis Streams backed log.
func NewRedisLog(client redis.UniversalClient, logger *zap.Logger) *RedisLog {
	return &RedisLog{client: client, logger: logger}
}

func (l *RedisLog) Append(ctx context.Context, key, kind, threadID string, data map[string]any) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal event data: %w", err)
	}
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{
			fieldEvent:    kind,
			fieldThreadID: threadID,
			fieldData:     string(payload),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", key, err)
	}
	metrics.EventsAppended.WithLabelValues(kind).Inc()
	return id, nil
}

func (l *RedisLog) Range(ctx context.Context, key, from, to string, limit int64) ([]Event, error) {
	start := from
	if start == ZeroID {
		start = "-"
	}
	end := to
	if end == "" {
		end = EndID
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = l.client.XRangeN(ctx, key, start, end, limit).Result()
	} else {
		msgs, err = l.client.XRange(ctx, key, start, end).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", key, err)
	}
	return decodeMessages(key, msgs, l.logger), nil
}

func (l *RedisLog) Tail(ctx context.Context, key, from string, block time.Duration) ([]Event, error) {
	// XREAD is exclusive of the given ID while our cursors are inclusive,
	// so step the cursor back by one.
	res, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, prevID(from)},
		Count:   100,
		Block:   block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // timeout, no new entries
		}
		return nil, fmt.Errorf("xread %s: %w", key, err)
	}
	var events []Event
	for _, stream := range res {
		events = append(events, decodeMessages(key, stream.Messages, l.logger)...)
	}
	return events, nil
}

func (l *RedisLog) Len(ctx context.Context, key string) (int64, error) {
	n, err := l.client.XLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", key, err)
	}
	return n, nil
}

func (l *RedisLog) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := l.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (l *RedisLog) Delete(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Ping probes the backing store. Used by the fallback wrapper and health
// checks.
func (l *RedisLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func decodeMessages(key string, msgs []redis.XMessage, logger *zap.Logger) []Event {
	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		ev := Event{ID: msg.ID}
		if v, ok := msg.Values[fieldEvent].(string); ok {
			ev.Kind = v
		}
		if v, ok := msg.Values[fieldThreadID].(string); ok {
			ev.ThreadID = v
		}
		if v, ok := msg.Values[fieldData].(string); ok {
			if err := json.Unmarshal([]byte(v), &ev.Data); err != nil {
				logger.Warn("Undecodable event payload, passing through raw",
					zap.String("stream", key),
					zap.String("id", msg.ID),
					zap.Error(err))
				ev.Data = map[string]any{"raw": v}
			}
		}
		if ev.Data == nil {
			ev.Data = map[string]any{}
		}
		events = append(events, ev)
	}
	return events
}
