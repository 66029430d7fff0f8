package httpapi

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-ai/kestrel/pkg/models"
)

func dialStream(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamWebSocket(t *testing.T) {
	runner := &fakeRunner{events: completedRun("run-ws", "streamed answer")}
	ts := newTestServer(t, runner)

	conn := dialStream(t, ts.URL)
	if err := conn.WriteJSON(map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var got []models.ProgressEvent
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev models.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("read: %v", err)
		}
		got = append(got, ev)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	last := got[len(got)-1]
	if last.Type != models.EventAgentComplete {
		t.Errorf("last event type = %q", last.Type)
	}
	if last.Done == nil || last.Done.Content != "streamed answer" {
		t.Errorf("done payload = %+v", last.Done)
	}
	if last.RunID != "run-ws" {
		t.Errorf("run_id = %q", last.RunID)
	}
}

func TestStreamRejectsInvalidFrame(t *testing.T) {
	ts := newTestServer(t, &fakeRunner{})

	conn := dialStream(t, ts.URL)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev models.ProgressEvent
	err := conn.ReadJSON(&ev)
	if err == nil {
		t.Fatal("expected a close error, got an event")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close code: %v", err)
	}
}
