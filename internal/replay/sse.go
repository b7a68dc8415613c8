package replay

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fieldnote-ai/fieldnote/internal/eventlog"
)

// SSESink writes replay frames as Server-Sent Events. The stream ID rides on
// the id: line so clients can resume via Last-Event-ID; the data JSON always
// carries thread_id.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSESink prepares the response for event streaming.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Access-Control-Allow-Origin", "*")
	return &SSESink{w: w, flusher: flusher}, nil
}

func (s *SSESink) Send(ev eventlog.Event) error {
	payload, err := json.Marshal(framePayload(ev))
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if ev.ID != "" {
		fmt.Fprintf(s.w, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(s.w, "event: %s\n", ev.Kind)
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment emits keep-alive traffic so proxies do not cut idle sessions.
func (s *SSESink) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// framePayload clones the event data with the envelope folded in. The
// payload's own message id is preserved when present.
func framePayload(ev eventlog.Event) map[string]any {
	out := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		out[k] = v
	}
	if _, ok := out["id"]; !ok && ev.ID != "" {
		out["id"] = ev.ID
	}
	out["thread_id"] = ev.ThreadID
	return out
}
