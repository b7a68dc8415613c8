package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisLog(t *testing.T) (*RedisLog, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisLog(client, zap.NewNop()), mr
}

func TestRedisLogAppendAndRange(t *testing.T) {
	log, _ := newTestRedisLog(t)
	ctx := context.Background()
	key := StreamKey("thread-1", "task-1")

	id1, err := log.Append(ctx, key, KindMessageChunk, "thread-1", map[string]any{"content": "hello"})
	require.NoError(t, err)
	id2, err := log.Append(ctx, key, KindMessageChunk, "thread-1", map[string]any{"content": "world"})
	require.NoError(t, err)
	assert.Equal(t, -1, CompareIDs(id1, id2), "IDs must be strictly increasing")

	events, err := log.Range(ctx, key, ZeroID, EndID, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, id1, events[0].ID)
	assert.Equal(t, "hello", events[0].Data["content"])
	assert.Equal(t, "thread-1", events[0].ThreadID)
	assert.Equal(t, KindMessageChunk, events[0].Kind)
	assert.Equal(t, "world", events[1].Data["content"])
}

func TestRedisLogMonotoneIDs(t *testing.T) {
	log, _ := newTestRedisLog(t)
	ctx := context.Background()
	key := StreamKey("thread-mono", "task-1")

	for i := 0; i < 50; i++ {
		_, err := log.Append(ctx, key, KindMessageChunk, "thread-mono", map[string]any{"i": i})
		require.NoError(t, err)
	}

	events, err := log.Range(ctx, key, ZeroID, EndID, 0)
	require.NoError(t, err)
	require.Len(t, events, 50)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, -1, CompareIDs(events[i-1].ID, events[i].ID),
			"event %d (%s) not strictly before event %d (%s)", i-1, events[i-1].ID, i, events[i].ID)
	}
}

// Resuming from NextID of the last consumed event must never redeliver it.
func TestRedisLogNoRedeliveryAcrossCursor(t *testing.T) {
	log, _ := newTestRedisLog(t)
	ctx := context.Background()
	key := StreamKey("thread-cursor", "task-1")

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := log.Append(ctx, key, KindMessageChunk, "thread-cursor", map[string]any{"i": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Consume in batches of 3 the way the replayer does.
	cursor := ZeroID
	var seen []string
	for {
		events, err := log.Range(ctx, key, cursor, EndID, 3)
		require.NoError(t, err)
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			seen = append(seen, ev.ID)
			cursor = NextID(ev.ID)
		}
	}
	assert.Equal(t, ids, seen)
}

func TestRedisLogRangeBounds(t *testing.T) {
	log, _ := newTestRedisLog(t)
	ctx := context.Background()
	key := StreamKey("thread-bounds", "task-1")

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := log.Append(ctx, key, KindMessageChunk, "thread-bounds", map[string]any{"i": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Inclusive from, inclusive to.
	events, err := log.Range(ctx, key, ids[1], ids[3], 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ids[1], events[0].ID)
	assert.Equal(t, ids[3], events[2].ID)

	// Limit caps the batch.
	events, err = log.Range(ctx, key, ZeroID, EndID, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// A range past the end is empty, not an error.
	events, err = log.Range(ctx, key, NextID(ids[4]), EndID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRedisLogTailReturnsExisting(t *testing.T) {
	log, _ := newTestRedisLog(t)
	ctx := context.Background()
	key := StreamKey("thread-tail", "task-1")

	id, err := log.Append(ctx, key, KindMessageChunk, "thread-tail", map[string]any{"content": "already here"})
	require.NoError(t, err)

	events, err := log.Tail(ctx, key, id, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
}

func TestRedisLogTailTimeout(t *testing.T) {
	log, _ := newTestRedisLog(t)
	ctx := context.Background()
	key := StreamKey("thread-tail-empty", "task-1")

	id, err := log.Append(ctx, key, KindMessageChunk, "thread-tail-empty", map[string]any{"content": "x"})
	require.NoError(t, err)

	events, err := log.Tail(ctx, key, NextID(id), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRedisLogLenKeysDelete(t *testing.T) {
	log, _ := newTestRedisLog(t)
	ctx := context.Background()

	k1 := StreamKey("thread-a", "task-1")
	k2 := StreamKey("thread-a", "task-2")
	k3 := StreamKey("thread-b", "task-3")
	for _, k := range []string{k1, k1, k2, k3} {
		_, err := log.Append(ctx, k, KindMessageChunk, "t", map[string]any{})
		require.NoError(t, err)
	}

	n, err := log.Len(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	keys, err := log.Keys(ctx, "chat:thread-a:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{k1, k2}, keys)

	require.NoError(t, log.Delete(ctx, k1))
	n, err = log.Len(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
