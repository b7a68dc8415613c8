package eventlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLogContract(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	key := StreamKey("thread-m", "task-1")

	var ids []string
	for i := 0; i < 20; i++ {
		id, err := log.Append(ctx, key, KindMessageChunk, "thread-m", map[string]any{"i": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Strictly increasing even within one millisecond.
	for i := 1; i < len(ids); i++ {
		assert.Equal(t, -1, CompareIDs(ids[i-1], ids[i]))
	}

	events, err := log.Range(ctx, key, ZeroID, EndID, 0)
	require.NoError(t, err)
	require.Len(t, events, 20)

	// Cursor resume.
	events, err = log.Range(ctx, key, NextID(ids[9]), EndID, 0)
	require.NoError(t, err)
	require.Len(t, events, 10)
	assert.Equal(t, ids[10], events[0].ID)

	n, err := log.Len(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	keys, err := log.Keys(ctx, "chat:thread-m:*")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)

	require.NoError(t, log.Delete(ctx, key))
	n, err = log.Len(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryLogTailBlocksUntilAppend(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	key := StreamKey("thread-block", "task-1")

	var wg sync.WaitGroup
	wg.Add(1)
	var got []Event
	var tailErr error
	go func() {
		defer wg.Done()
		got, tailErr = log.Tail(ctx, key, ZeroID, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := log.Append(ctx, key, KindMessageChunk, "thread-block", map[string]any{"content": "wake"})
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, tailErr)
	require.Len(t, got, 1)
	assert.Equal(t, "wake", got[0].Data["content"])
}

func TestMemoryLogTailTimeout(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	start := time.Now()
	events, err := log.Tail(ctx, StreamKey("thread-idle", "task-1"), ZeroID, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

// A tailer that gives up must unregister its wake channel; an idle stream
// polled in a loop would otherwise accumulate one stale waiter per round.
func TestMemoryLogTailTimeoutReleasesWaiter(t *testing.T) {
	log := NewMemoryLog()
	ml := log.(*memoryLog)
	ctx := context.Background()
	key := StreamKey("thread-idle", "task-2")

	for i := 0; i < 5; i++ {
		events, err := log.Tail(ctx, key, ZeroID, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, events)
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	_, err := log.Tail(cctx, key, ZeroID, time.Minute)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ml.mu.Lock()
	waiting := len(ml.streams[key].waiters)
	ml.mu.Unlock()
	assert.Zero(t, waiting)
}

// Multiple tailers on one key each observe every event independently.
func TestMemoryLogTailFanOut(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	key := StreamKey("thread-fan", "task-1")

	const tailers = 4
	results := make([][]Event, tailers)
	var wg sync.WaitGroup
	for i := 0; i < tailers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			evs, err := log.Tail(ctx, key, ZeroID, 2*time.Second)
			require.NoError(t, err)
			results[i] = evs
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	id, err := log.Append(ctx, key, KindMessageChunk, "thread-fan", map[string]any{"content": "broadcast"})
	require.NoError(t, err)

	wg.Wait()
	for i, evs := range results {
		require.Len(t, evs, 1, "tailer %d", i)
		assert.Equal(t, id, evs[0].ID)
	}
}
