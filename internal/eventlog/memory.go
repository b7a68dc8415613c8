package eventlog

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/fieldnote-ai/fieldnote/internal/metrics"
)

// memoryLog is a process-local Log with the same contract as RedisLog. It
// backs the outage fallback: liveness is preserved, durability is not, and
// everything is forgotten on restart.
type memoryLog struct {
	mu      sync.Mutex
	streams map[string]*memoryStream
}

type memoryStream struct {
	events  []Event
	lastID  StreamID
	waiters []chan struct{}
}

// NewMemoryLog creates an in-memory log. Exported for tests and for the
// fallback wrapper; production writes normally land in Redis.
func NewMemoryLog() Log {
	return &memoryLog{streams: make(map[string]*memoryStream)}
}

func (l *memoryLog) Append(ctx context.Context, key, kind, threadID string, data map[string]any) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streams[key]
	if s == nil {
		s = &memoryStream{}
		l.streams[key] = s
	}

	id := StreamID{Ms: time.Now().UnixMilli()}
	if !s.lastID.Less(id) {
		// Same millisecond (or a clock step backwards): bump the sequence so
		// IDs stay strictly increasing.
		id = s.lastID.Next()
	}
	s.lastID = id

	cloned := make(map[string]any, len(data))
	for k, v := range data {
		cloned[k] = v
	}
	s.events = append(s.events, Event{
		ID:       id.String(),
		Kind:     kind,
		ThreadID: threadID,
		Data:     cloned,
	})

	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
	metrics.EventsAppended.WithLabelValues(kind).Inc()
	return id.String(), nil
}

func (l *memoryLog) Range(ctx context.Context, key, from, to string, limit int64) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rangeLocked(key, from, to, limit), nil
}

func (l *memoryLog) rangeLocked(key, from, to string, limit int64) []Event {
	s := l.streams[key]
	if s == nil {
		return nil
	}
	var out []Event
	for _, ev := range s.events {
		if from != ZeroID && CompareIDs(ev.ID, from) < 0 {
			continue
		}
		if to != "" && to != EndID && CompareIDs(ev.ID, to) > 0 {
			break
		}
		out = append(out, ev)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out
}

func (l *memoryLog) Tail(ctx context.Context, key, from string, block time.Duration) ([]Event, error) {
	deadline := time.NewTimer(block)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		if events := l.rangeLocked(key, from, EndID, 100); len(events) > 0 {
			l.mu.Unlock()
			return events, nil
		}
		s := l.streams[key]
		if s == nil {
			s = &memoryStream{}
			l.streams[key] = s
		}
		wake := make(chan struct{})
		s.waiters = append(s.waiters, wake)
		l.mu.Unlock()

		select {
		case <-wake:
			// New append; re-check against the cursor.
		case <-deadline.C:
			l.dropWaiter(key, wake)
			return nil, nil
		case <-ctx.Done():
			l.dropWaiter(key, wake)
			return nil, ctx.Err()
		}
	}
}

// dropWaiter unregisters a wake channel whose Tail gave up. Without this an
// idle live session leaks one stale channel per block interval.
func (l *memoryLog) dropWaiter(key string, wake chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.streams[key]
	if s == nil {
		return
	}
	for i, w := range s.waiters {
		if w == wake {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (l *memoryLog) Len(ctx context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.streams[key]
	if s == nil {
		return 0, nil
	}
	return int64(len(s.events)), nil
}

func (l *memoryLog) Keys(ctx context.Context, pattern string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []string
	for k := range l.streams {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (l *memoryLog) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.streams[key]; s != nil {
		for _, w := range s.waiters {
			close(w)
		}
	}
	delete(l.streams, key)
	return nil
}
