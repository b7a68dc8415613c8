// Package replay serves one client's view of a task's event stream: the
// historical backlog first, then optionally the live tail. Replayers never
// share cursors; every client sees every event.
package replay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fieldnote-ai/fieldnote/internal/eventlog"
	"github.com/fieldnote-ai/fieldnote/internal/metrics"
	"github.com/fieldnote-ai/fieldnote/internal/registry"
)

const (
	defaultBatchSize = 100
	defaultTailBlock = time.Second
	heartbeatEvery   = 15 * time.Second
)

// Aliases for QueryID that resolve to the thread's newest non-cancelled task.
func isAlias(queryID string) bool {
	return queryID == "" || queryID == "default" || queryID == "latest"
}

// Options selects what one replay session serves.
type Options struct {
	ThreadID   string
	QueryID    string // task ID, or "default"/"latest"/empty for the newest task
	Offset     string // inclusive resume cursor, "0" for the whole stream
	Continuous bool
}

// Sink receives the session's output frames. Send errors abort the session;
// Comment is keep-alive traffic and best-effort.
type Sink interface {
	Send(ev eventlog.Event) error
	Comment(text string) error
}

// Replayer reads streams for any number of concurrent sessions.
type Replayer struct {
	log    eventlog.Log
	reg    *registry.Registry
	logger *zap.Logger

	batchSize int64
	tailBlock time.Duration
}

// New creates a replayer with the standard batch and tail-block tuning.
func New(log eventlog.Log, reg *registry.Registry, logger *zap.Logger) *Replayer {
	return &Replayer{
		log:       log,
		reg:       reg,
		logger:    logger,
		batchSize: defaultBatchSize,
		tailBlock: defaultTailBlock,
	}
}

// Tune overrides the batch size and tail block. Zero values keep the
// current setting. Call before serving sessions.
func (r *Replayer) Tune(batchSize int64, tailBlock time.Duration) {
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if tailBlock > 0 {
		r.tailBlock = tailBlock
	}
}

// Replay runs one session to completion. A nil return means the session
// closed normally, including client disconnects.
func (r *Replayer) Replay(ctx context.Context, opts Options, sink Sink) error {
	metrics.ReplaysActive.Inc()
	defer metrics.ReplaysActive.Dec()

	taskID, ok, err := r.resolve(ctx, opts)
	if err != nil {
		return err
	}
	if !ok {
		// No task on this thread at all; an empty result is not an error.
		return r.sendStaticEnd(opts.ThreadID, "", sink, 0)
	}

	key := eventlog.StreamKey(opts.ThreadID, taskID)
	cursor := opts.Offset
	if cursor == "" {
		cursor = eventlog.ZeroID
	}

	sent, sawTerminal, err := r.historical(ctx, key, &cursor, sink)
	if err != nil {
		return clientErr(ctx, err)
	}

	if !opts.Continuous {
		return r.sendStaticEnd(opts.ThreadID, taskID, sink, sent)
	}
	if sawTerminal {
		return nil
	}
	return r.live(ctx, key, taskID, cursor, sink)
}

// resolve maps the query alias onto a concrete task ID. ok=false means the
// thread has no serviceable task.
func (r *Replayer) resolve(ctx context.Context, opts Options) (string, bool, error) {
	if !isAlias(opts.QueryID) {
		return opts.QueryID, true, nil
	}
	info, err := r.reg.LatestByThread(ctx, opts.ThreadID)
	if err != nil {
		if errors.Is(err, registry.ErrTaskNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return info.TaskID, true, nil
}

// historical drains the backlog in batches, advancing the cursor with NextID
// after every delivered event. Reusing a delivered ID as the next cursor
// would redeliver it forever; the cursor only ever moves past.
func (r *Replayer) historical(ctx context.Context, key string, cursor *string, sink Sink) (int, bool, error) {
	sent := 0
	sawTerminal := false
	for {
		if ctx.Err() != nil {
			return sent, sawTerminal, ctx.Err()
		}
		events, err := r.log.Range(ctx, key, *cursor, eventlog.EndID, r.batchSize)
		if err != nil {
			return sent, sawTerminal, err
		}
		if len(events) == 0 {
			return sent, sawTerminal, nil
		}
		for _, ev := range events {
			if err := sink.Send(ev); err != nil {
				return sent, sawTerminal, err
			}
			metrics.ReplayEventsSent.WithLabelValues("historical").Inc()
			sent++
			*cursor = eventlog.NextID(ev.ID)
			if eventlog.IsTerminal(ev.Kind) {
				sawTerminal = true
			}
		}
	}
}

// live tails the stream until a terminal event is forwarded, the task is
// terminal with nothing left to read, or the client goes away.
func (r *Replayer) live(ctx context.Context, key, taskID, cursor string, sink Sink) error {
	lastTraffic := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		events, err := r.log.Tail(ctx, key, cursor, r.tailBlock)
		if err != nil {
			return clientErr(ctx, err)
		}

		if len(events) == 0 {
			info, gerr := r.reg.Get(ctx, taskID)
			if errors.Is(gerr, registry.ErrTaskNotFound) {
				// No record and nothing left to read: the task expired
				// or never existed, so no further events can arrive.
				return nil
			}
			if gerr == nil && info.Status.Terminal() {
				// Terminal state plus an empty tail means no trailing
				// events can still arrive.
				return nil
			}
			if time.Since(lastTraffic) >= heartbeatEvery {
				if err := sink.Comment("ping"); err != nil {
					return nil
				}
				lastTraffic = time.Now()
			}
			continue
		}

		for _, ev := range events {
			if err := sink.Send(ev); err != nil {
				return clientErr(ctx, err)
			}
			metrics.ReplayEventsSent.WithLabelValues("live").Inc()
			cursor = eventlog.NextID(ev.ID)
			if eventlog.IsTerminal(ev.Kind) {
				return nil
			}
		}
		lastTraffic = time.Now()
	}
}

// sendStaticEnd emits the synthetic end-of-replay marker for static sessions.
func (r *Replayer) sendStaticEnd(threadID, taskID string, sink Sink, total int) error {
	ev := eventlog.Event{
		Kind:     eventlog.KindReplayEnd,
		ThreadID: threadID,
		Data: map[string]any{
			"mode":         "static",
			"total_events": total,
		},
	}
	if taskID != "" {
		ev.Data["task_id"] = taskID
	}
	if err := sink.Send(ev); err != nil {
		return err
	}
	metrics.ReplayEventsSent.WithLabelValues("synthetic").Inc()
	return nil
}

// clientErr folds disconnect-driven errors into a clean close.
func clientErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
