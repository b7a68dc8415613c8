package workflow

import (
	"context"
	"sync"
)

// runHandle is the Handle implementation shared by the bundled engines. The
// producing goroutine emits through emit and parks in interrupt on
// human review points; Resume is the single-slot rendezvous on the other side.
type runHandle struct {
	events chan Event

	mu      sync.Mutex
	waiting bool
	resume  chan string

	errMu sync.Mutex
	err   error
}

func newRunHandle() *runHandle {
	return &runHandle{
		events: make(chan Event),
		resume: make(chan string, 1),
	}
}

func (h *runHandle) Events() <-chan Event { return h.events }

func (h *runHandle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *runHandle) Resume(ctx context.Context, feedback string) error {
	h.mu.Lock()
	if !h.waiting {
		h.mu.Unlock()
		return ErrNotInterrupted
	}
	// First caller wins; flip before sending so a second Resume conflicts
	// instead of queueing.
	h.waiting = false
	h.mu.Unlock()

	select {
	case h.resume <- feedback:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit delivers ev to the consumer, honoring cancellation.
func (h *runHandle) emit(ctx context.Context, ev Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// interrupt emits ev and parks until feedback arrives or ctx is cancelled.
// The waiting flag is raised before the event is visible to the consumer so
// a Resume racing the emit cannot be rejected.
func (h *runHandle) interrupt(ctx context.Context, ev Event) (string, bool) {
	h.mu.Lock()
	h.waiting = true
	h.mu.Unlock()

	clear := func() {
		h.mu.Lock()
		h.waiting = false
		h.mu.Unlock()
	}

	if !h.emit(ctx, ev) {
		clear()
		return "", false
	}
	select {
	case fb := <-h.resume:
		return fb, true
	case <-ctx.Done():
		clear()
		return "", false
	}
}

// finish records the terminal error and closes the event channel.
func (h *runHandle) finish(err error) {
	h.errMu.Lock()
	h.err = err
	h.errMu.Unlock()
	close(h.events)
}
