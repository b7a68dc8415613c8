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

func TestFallbackLogServesThroughOutage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	log := NewFallbackLog(NewRedisLog(client, zap.NewNop()), zap.NewNop(), time.Hour)
	ctx := context.Background()
	key := StreamKey("thread-out", "task-1")

	// Healthy path goes to Redis.
	id1, err := log.Append(ctx, key, KindMessageChunk, "thread-out", map[string]any{"content": "before"})
	require.NoError(t, err)
	assert.False(t, log.Degraded())

	// Kill the backing store: appends keep succeeding, no error surfaces.
	mr.Close()
	id2, err := log.Append(ctx, key, KindMessageChunk, "thread-out", map[string]any{"content": "during"})
	require.NoError(t, err)
	assert.True(t, log.Degraded())
	assert.NotEmpty(t, id2)

	// Reads now come from the fallback: pre-outage history is gone, the
	// outage-era event is present.
	events, err := log.Range(ctx, key, ZeroID, EndID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "during", events[0].Data["content"])
	assert.NotEqual(t, id1, events[0].ID)
}

func TestFallbackLogTailDuringOutage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	log := NewFallbackLog(NewRedisLog(client, zap.NewNop()), zap.NewNop(), time.Hour)
	ctx := context.Background()
	key := StreamKey("thread-out2", "task-1")

	mr.Close()

	// Writer and tailer both land on the fallback, so live follow keeps
	// working through the outage.
	done := make(chan []Event, 1)
	go func() {
		evs, _ := log.Tail(ctx, key, ZeroID, 2*time.Second)
		done <- evs
	}()
	time.Sleep(50 * time.Millisecond)
	_, err = log.Append(ctx, key, KindMessageChunk, "thread-out2", map[string]any{"content": "live"})
	require.NoError(t, err)

	select {
	case evs := <-done:
		require.Len(t, evs, 1)
		assert.Equal(t, "live", evs[0].Data["content"])
	case <-time.After(3 * time.Second):
		t.Fatal("tailer did not observe the fallback append")
	}
}
