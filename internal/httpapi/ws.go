package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsReadWait        = 60 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleStream runs one agent request over a WebSocket. The client
// sends a single chat request frame; the server streams one text frame
// per progress event and closes after the terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))

	var req chatRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.wsClose(conn, websocket.ClosePolicyViolation, "invalid request frame")
		return
	}

	events, err := s.engine.Run(ctx, &req.Request)
	if err != nil {
		s.wsClose(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	// Drain further client frames so a close from the other side
	// cancels the run instead of stalling it.
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.wsClose(conn, websocket.CloseNormalClosure, "run complete")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}
