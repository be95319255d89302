package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mothlane/relayq/internal/eventlog"
	"github.com/mothlane/relayq/internal/persistence"
)

// keepaliveInterval paces SSE comment lines so idle connections are not
// reaped by proxies.
const keepaliveInterval = 15 * time.Second

// wireEvent flattens a stored event into the stream shape: the payload's own
// fields plus type and seq.
func wireEvent(ev persistence.TaskEvent) ([]byte, error) {
	body := map[string]any{}
	if ev.Payload != "" {
		if err := json.Unmarshal([]byte(ev.Payload), &body); err != nil {
			body = map[string]any{"payload": ev.Payload}
		}
	}
	body["type"] = ev.Kind
	body["seq"] = ev.Seq
	return json.Marshal(body)
}

// noTaskEvent is the sentinel sent on a chat stream when the chat has no
// task to follow yet.
func noTaskEvent(chatID string) []byte {
	data, _ := json.Marshal(map[string]any{"type": "no_task", "chat_id": chatID})
	return data
}

// afterSeqFrom reads the replay cursor: ?last_seen=N or the SSE
// Last-Event-ID header set by reconnecting clients.
func afterSeqFrom(r *http.Request) int64 {
	if v := r.URL.Query().Get("last_seen"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) event(id int64, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "id: %d\ndata: %s\n\n", id, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) sentinel(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) keepalive() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleTaskEvents streams one task's event log: replay from the cursor,
// then live until the terminal event, the idle timeout, or disconnect.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeStoreError(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	defer s.trackStream(r.Context())()

	afterSeq, err := s.streamTask(r.Context(), sse, taskID, afterSeqFrom(r))
	if err != nil && r.Context().Err() == nil && !errors.Is(err, eventlog.ErrClosed) {
		s.logger.Debug("task stream ended", "task_id", taskID, "after_seq", afterSeq, "err", err)
	}
}

// streamTask replays then follows a single task's log. It returns the last
// delivered seq; the error is nil on a clean terminal-event finish.
func (s *Server) streamTask(ctx context.Context, sse *sseWriter, taskID string, afterSeq int64) (int64, error) {
	events, err := s.cfg.Log.ReadFrom(ctx, taskID, afterSeq)
	if err != nil {
		return afterSeq, err
	}
	for _, ev := range events {
		data, err := wireEvent(ev)
		if err != nil {
			continue
		}
		if err := sse.event(ev.Seq, data); err != nil {
			return afterSeq, err
		}
		afterSeq = ev.Seq
		if persistence.IsTerminalEventKind(ev.Kind) {
			return afterSeq, nil
		}
	}

	idleSince := time.Now()
	for {
		ev, err := s.cfg.Log.WaitForNext(ctx, taskID, afterSeq, keepaliveInterval)
		if err != nil {
			if errors.Is(err, eventlog.ErrClosed) {
				return afterSeq, nil
			}
			return afterSeq, err
		}
		if ev == nil {
			if time.Since(idleSince) >= s.cfg.StreamTimeout {
				return afterSeq, nil
			}
			if err := sse.keepalive(); err != nil {
				return afterSeq, err
			}
			continue
		}
		idleSince = time.Now()
		data, werr := wireEvent(*ev)
		if werr != nil {
			continue
		}
		if err := sse.event(ev.Seq, data); err != nil {
			return afterSeq, err
		}
		afterSeq = ev.Seq
		if persistence.IsTerminalEventKind(ev.Kind) {
			return afterSeq, nil
		}
	}
}

// handleChatEvents streams the chat's active task. A chat with nothing in
// flight gets the no_task sentinel and the stream ends; otherwise the active
// task is replayed from the cursor and followed until its terminal event
// closes the stream. The client reconnects per turn.
func (s *Server) handleChatEvents(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if _, err := s.cfg.Store.GetChat(r.Context(), chatID); err != nil {
		writeStoreError(w, err)
		return
	}
	task, err := s.cfg.Store.ActiveTaskForChat(r.Context(), chatID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	defer s.trackStream(r.Context())()

	if task == nil {
		_ = sse.sentinel(noTaskEvent(chatID))
		return
	}

	afterSeq, err := s.streamTask(r.Context(), sse, task.ID, afterSeqFrom(r))
	if err != nil && r.Context().Err() == nil && !errors.Is(err, eventlog.ErrClosed) {
		s.logger.Debug("chat stream ended", "chat_id", chatID, "task_id", task.ID, "after_seq", afterSeq, "err", err)
	}
}
