package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mothlane/relayq/internal/eventlog"
	"github.com/mothlane/relayq/internal/persistence"
)

// handleTaskWS streams a task's event log over a WebSocket: replay from
// ?last_seen, then live events as JSON messages, closing after the terminal
// event.
func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		writeStoreError(w, err)
		return
	}
	afterSeq := afterSeqFrom(r)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")
	defer s.trackStream(r.Context())()

	// The client only reads; CloseRead surfaces disconnects as ctx cancel.
	ctx := conn.CloseRead(r.Context())

	events, err := s.cfg.Log.ReadFrom(ctx, taskID, afterSeq)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "replay failed")
		return
	}
	for _, ev := range events {
		if err := writeWSEvent(ctx, conn, ev); err != nil {
			return
		}
		afterSeq = ev.Seq
		if persistence.IsTerminalEventKind(ev.Kind) {
			conn.Close(websocket.StatusNormalClosure, "done")
			return
		}
	}

	idleSince := time.Now()
	for {
		ev, err := s.cfg.Log.WaitForNext(ctx, taskID, afterSeq, keepaliveInterval)
		if err != nil {
			if errors.Is(err, eventlog.ErrClosed) {
				conn.Close(websocket.StatusNormalClosure, "done")
			}
			return
		}
		if ev == nil {
			if time.Since(idleSince) >= s.cfg.StreamTimeout {
				conn.Close(websocket.StatusNormalClosure, "idle timeout")
				return
			}
			if err := conn.Ping(ctx); err != nil {
				return
			}
			continue
		}
		idleSince = time.Now()
		if err := writeWSEvent(ctx, conn, *ev); err != nil {
			return
		}
		afterSeq = ev.Seq
		if persistence.IsTerminalEventKind(ev.Kind) {
			conn.Close(websocket.StatusNormalClosure, "done")
			return
		}
	}
}

func writeWSEvent(ctx context.Context, conn *websocket.Conn, ev persistence.TaskEvent) error {
	data, err := wireEvent(ev)
	if err != nil {
		return nil
	}
	return wsjson.Write(ctx, conn, json.RawMessage(data))
}
