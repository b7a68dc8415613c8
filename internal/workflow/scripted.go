package workflow

import (
	"context"
	"time"
)

// Scripted replays a fixed event sequence. It exists for tests: interrupts
// in the script genuinely suspend, failures surface through Err, and the
// pace is controllable.
type Scripted struct {
	// Script is emitted in order. A KindInterrupt entry suspends until
	// Resume is called.
	Script []Event

	// FailWith, when non-nil, becomes the terminal error after the script
	// (or after FailAfter events).
	FailWith error

	// FailAfter cuts the script short when > 0.
	FailAfter int

	// Delay paces event emission; zero emits as fast as the consumer reads.
	Delay time.Duration
}

func (s *Scripted) Start(ctx context.Context, in Input) (Handle, error) {
	h := newRunHandle()
	go func() {
		for i, ev := range s.Script {
			if s.FailAfter > 0 && i >= s.FailAfter {
				break
			}
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					h.finish(ctx.Err())
					return
				}
			}
			if ev.Kind == KindInterrupt {
				if _, ok := h.interrupt(ctx, ev); !ok {
					h.finish(ctx.Err())
					return
				}
				continue
			}
			if !h.emit(ctx, ev) {
				h.finish(ctx.Err())
				return
			}
		}
		h.finish(s.FailWith)
	}()
	return h, nil
}
