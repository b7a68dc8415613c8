package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldnote-ai/fieldnote/internal/eventlog"
	"github.com/fieldnote-ai/fieldnote/internal/registry"
	"github.com/fieldnote-ai/fieldnote/internal/workflow"
)

func newTestRunner(t *testing.T, engine workflow.Engine, in workflow.Input) (*Runner, eventlog.Log, *registry.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := eventlog.NewRedisLog(client, zap.NewNop())
	reg := registry.New(client, zap.NewNop())
	require.NoError(t, reg.Create(context.Background(), &registry.TaskInfo{
		TaskID:   in.TaskID,
		ThreadID: in.ThreadID,
	}))
	return New(log, reg, engine, zap.NewNop(), in), log, reg
}

func kinds(events []eventlog.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestRunTranslatesAndTerminates(t *testing.T) {
	in := workflow.Input{TaskID: "t1", ThreadID: "th1"}
	eng := &workflow.Scripted{Script: []workflow.Event{
		{Kind: workflow.KindPhaseStart, PhaseID: "t1", Topic: "quantum batteries"},
		{Kind: workflow.KindMessageChunk, Agent: "planner", Role: "assistant", MessageID: "m1", Content: "Plan: "},
		{Kind: workflow.KindToolCalls, Agent: "researcher", ToolCalls: []workflow.ToolCall{{ID: "c1", Name: "web_search"}}},
		{Kind: workflow.KindToolCallResult, Agent: "researcher", ToolCallID: "c1", Content: "results"},
		{Kind: workflow.KindPhaseEnd, PhaseID: "t1"},
	}}
	r, log, reg := newTestRunner(t, eng, in)
	ctx := context.Background()

	r.Run(ctx)

	events, err := log.Range(ctx, eventlog.StreamKey("th1", "t1"), eventlog.ZeroID, eventlog.EndID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		eventlog.KindResearchStart,
		eventlog.KindMessageChunk,
		eventlog.KindToolCalls,
		eventlog.KindToolCallResult,
		eventlog.KindResearchEnd,
		eventlog.KindReplayEnd,
	}, kinds(events))

	// Payload passthrough on the message chunk.
	chunk := events[1]
	assert.Equal(t, "th1", chunk.ThreadID)
	assert.Equal(t, "planner", chunk.Data["agent"])
	assert.Equal(t, "Plan: ", chunk.Data["content"])
	assert.Equal(t, "m1", chunk.Data["id"])

	info, err := reg.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, info.Status)
	assert.Equal(t, 1.0, info.Progress)
	require.NotNil(t, info.StartedAt)
	require.NotNil(t, info.CompletedAt)
}

func TestRunFailureAppendsErrorEvent(t *testing.T) {
	in := workflow.Input{TaskID: "t2", ThreadID: "th2"}
	boom := errors.New("model backend unavailable")
	eng := &workflow.Scripted{
		Script:    []workflow.Event{{Kind: workflow.KindMessageChunk, Content: "a"}, {Kind: workflow.KindMessageChunk, Content: "b"}},
		FailWith:  boom,
		FailAfter: 1,
	}
	r, log, reg := newTestRunner(t, eng, in)
	ctx := context.Background()

	r.Run(ctx)

	events, err := log.Range(ctx, eventlog.StreamKey("th2", "t2"), eventlog.ZeroID, eventlog.EndID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, eventlog.KindError, last.Kind)
	assert.Equal(t, "model backend unavailable", last.Data["message"])

	info, err := reg.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, info.Status)
	assert.Equal(t, "model backend unavailable", info.ErrorMessage)
}

func TestRunCancellation(t *testing.T) {
	in := workflow.Input{TaskID: "t3", ThreadID: "th3"}
	script := make([]workflow.Event, 100)
	for i := range script {
		script[i] = workflow.Event{Kind: workflow.KindMessageChunk, Content: "x"}
	}
	eng := &workflow.Scripted{Script: script, Delay: 50 * time.Millisecond}
	r, log, reg := newTestRunner(t, eng, in)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not finalize within 1s of cancellation")
	}

	events, err := log.Range(context.Background(), eventlog.StreamKey("th3", "t3"), eventlog.ZeroID, eventlog.EndID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, eventlog.KindError, last.Kind)
	assert.Equal(t, "cancelled", last.Data["message"])

	info, err := reg.Get(context.Background(), "t3")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCancelled, info.Status)
}

func TestInterruptSuspendAndFeedback(t *testing.T) {
	in := workflow.Input{TaskID: "t4", ThreadID: "th4"}
	eng := &workflow.Scripted{Script: []workflow.Event{
		{Kind: workflow.KindMessageChunk, Agent: "planner", Content: "plan draft"},
		{Kind: workflow.KindInterrupt, Agent: "planner", Options: []workflow.InterruptOption{
			{Text: "Edit plan", Value: "edit_plan"},
			{Text: "Start research", Value: "accepted"},
		}},
		{Kind: workflow.KindMessageChunk, Agent: "researcher", Content: "resumed"},
	}}
	r, log, reg := newTestRunner(t, eng, in)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	key := eventlog.StreamKey("th4", "t4")
	// Wait for the interrupt event to land; the workflow is parked after it.
	require.Eventually(t, func() bool {
		events, err := log.Range(ctx, key, eventlog.ZeroID, eventlog.EndID, 0)
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev.Kind == eventlog.KindInterrupt {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	info, err := reg.Get(ctx, "t4")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, info.Status)

	require.NoError(t, r.Feedback(ctx, "accepted"))
	// First feedback won the slot; a second is a conflict.
	assert.ErrorIs(t, r.Feedback(ctx, "accepted"), ErrNotWaiting)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not resume after feedback")
	}

	events, err := log.Range(ctx, key, eventlog.ZeroID, eventlog.EndID, 0)
	require.NoError(t, err)
	assert.Equal(t, eventlog.KindReplayEnd, events[len(events)-1].Kind)
}

func TestFeedbackBeforeStart(t *testing.T) {
	in := workflow.Input{TaskID: "t5", ThreadID: "th5"}
	r, _, _ := newTestRunner(t, &workflow.Scripted{}, in)
	assert.ErrorIs(t, r.Feedback(context.Background(), "accepted"), ErrNotWaiting)
}

func TestUnknownEngineEventsDropped(t *testing.T) {
	in := workflow.Input{TaskID: "t6", ThreadID: "th6"}
	eng := &workflow.Scripted{Script: []workflow.Event{
		{Kind: workflow.KindMessageChunk, Content: "keep"},
		{Kind: workflow.KindUnknown},
		{Kind: workflow.KindMessageChunk, Content: "keep too"},
	}}
	r, log, _ := newTestRunner(t, eng, in)
	ctx := context.Background()

	r.Run(ctx)

	events, err := log.Range(ctx, eventlog.StreamKey("th6", "t6"), eventlog.ZeroID, eventlog.EndID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		eventlog.KindMessageChunk,
		eventlog.KindMessageChunk,
		eventlog.KindReplayEnd,
	}, kinds(events))
}
