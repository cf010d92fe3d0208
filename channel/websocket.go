package channel

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crafthaven/weave/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ClientFrame is an inbound websocket message from the browser. Only the
// type is interpreted; the channel is server-push first.
type ClientFrame struct {
	Type string         `json:"type"` // connect, message, typing
	Data map[string]any `json:"data,omitempty"`
}

// ServeConn runs the websocket transport for one connection: a write pump
// draining the session's subscriber and a read loop that keeps the session's
// idle clock fresh. Closing the connection does not cancel in-flight tasks;
// clients must issue an explicit cancel.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn, sessionID string, logger logging.Logger) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	sub := h.Subscribe(sessionID)
	defer sub.Close()
	defer conn.Close()

	done := make(chan struct{})

	// Write pump: envelopes plus keepalive pings.
	go func() {
		defer close(done)
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-sub.Events():
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(env); err != nil {
					logger.Debug("websocket write failed session=%s: %v", sessionID, err)
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Read loop: inbound frames only refresh liveness.
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var frame ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.Touch(sessionID)
		logger.Debug("websocket frame type=%s session=%s", frame.Type, sessionID)
	}

	// Unblock the write pump before waiting for it to exit.
	sub.Close()
	<-done
}
