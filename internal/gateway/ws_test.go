package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestTaskWS_ReplayAndClose(t *testing.T) {
	srv, store, log := newTestServer(t)
	task := seedTaskWithEvents(t, store, log, "", "start", "text", "complete")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/ws/tasks/" + task.ID
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testAPIKey}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var kinds []string
	for {
		var ev map[string]any
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			// The server closes normally after the terminal event.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			t.Fatalf("read: %v", err)
		}
		kind, _ := ev["type"].(string)
		kinds = append(kinds, kind)
	}

	want := []string{"start", "text", "complete"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}

func TestTaskWS_ResumeFromCursor(t *testing.T) {
	srv, store, log := newTestServer(t)
	task := seedTaskWithEvents(t, store, log, "", "start", "text", "complete")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/ws/tasks/" + task.ID + "?last_seen=2"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testAPIKey}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ev map[string]any
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev["type"] != "complete" || ev["seq"] != float64(3) {
		t.Fatalf("event = %v, want the terminal event at seq 3", ev)
	}
}

func TestTaskWS_UnknownTask(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv.Handler(), http.MethodGet, "/ws/tasks/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
