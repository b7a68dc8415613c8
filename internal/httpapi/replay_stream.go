package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldnote-ai/fieldnote/internal/eventlog"
	"github.com/fieldnote-ai/fieldnote/internal/replay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secure via proxy in prod
}

// replayOptions parses the shared replay query parameters. A Last-Event-ID
// header from a reconnecting SSE client overrides an absent offset; the
// cursor advances past it so the frame is not redelivered.
func replayOptions(r *http.Request) (replay.Options, bool) {
	q := r.URL.Query()
	opts := replay.Options{
		ThreadID:   q.Get("thread_id"),
		QueryID:    q.Get("query_id"),
		Offset:     q.Get("offset"),
		Continuous: q.Get("continuous") == "true",
	}
	if opts.ThreadID == "" {
		return opts, false
	}
	if opts.Offset == "" {
		if lei := r.Header.Get("Last-Event-ID"); lei != "" {
			opts.Offset = eventlog.NextID(lei)
		}
	}
	if opts.Offset == "" {
		opts.Offset = eventlog.ZeroID
	}
	return opts, true
}

// handleReplaySSE streams one task's events as Server-Sent Events.
// GET /chat/replay?thread_id=&query_id=&offset=&continuous=
func (s *Server) handleReplaySSE(w http.ResponseWriter, r *http.Request) {
	opts, ok := replayOptions(r)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	sink, err := replay.NewSSESink(w)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	_ = sink.Comment("connected to thread " + opts.ThreadID)

	if err := s.replayer.Replay(r.Context(), opts, sink); err != nil {
		// Too late for a status code; the stream just ends.
		s.logger.Warn("Replay session failed",
			zap.String("thread_id", opts.ThreadID),
			zap.String("query_id", opts.QueryID),
			zap.Error(err))
		return
	}
	s.logger.Debug("Replay session closed",
		zap.String("thread_id", opts.ThreadID),
		zap.String("query_id", opts.QueryID))
}

// wsSink adapts a websocket connection to the replay sink. Frames are JSON
// objects {"event": kind, "data": payload}; keep-alive comments map to ping
// control messages.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ev eventlog.Event) error {
	data := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		data[k] = v
	}
	if _, ok := data["id"]; !ok && ev.ID != "" {
		data["id"] = ev.ID
	}
	data["thread_id"] = ev.ThreadID
	return s.conn.WriteJSON(map[string]any{
		"event": ev.Kind,
		"data":  data,
	})
}

func (s *wsSink) Comment(string) error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// handleReplayWS mirrors the SSE replay over a websocket.
// GET /chat/replay/ws?thread_id=&query_id=&offset=&continuous=
func (s *Server) handleReplayWS(w http.ResponseWriter, r *http.Request) {
	opts, ok := replayOptions(r)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "thread_id is required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Reader pump: discard client messages, keep pong handling alive.
	conn.SetReadLimit(512)
	conn.SetPongHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.replayer.Replay(r.Context(), opts, &wsSink{conn: conn}); err != nil {
		s.logger.Warn("WebSocket replay session failed",
			zap.String("thread_id", opts.ThreadID),
			zap.Error(err))
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
