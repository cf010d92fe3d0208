package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/crafthaven/weave/core"
)

// handleWebsocketGet upgrades to the persistent transport when the request
// asks for it, and otherwise returns connection metadata for clients probing
// transport availability.
func (g *Gateway) handleWebsocketGet(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusOK, gin.H{
			"transport":    "websocket",
			"pollEndpoint": "/api/events",
			"sessions":     g.hub.SessionCount(),
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	sessionID := sessionFromRequest(c)
	if sessionID == "" {
		sessionID = core.NewID()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, http.Header{
		"X-Session-ID": []string{sessionID},
	})
	if err != nil {
		// Upgrade already wrote the handshake error.
		g.opts.Logger.Debug("websocket upgrade failed: %v", err)
		return
	}

	if g.opts.Metrics != nil {
		g.opts.Metrics.ChannelSessions.Inc()
		defer g.opts.Metrics.ChannelSessions.Dec()
	}
	g.hub.ServeConn(c.Request.Context(), conn, sessionID, g.opts.Logger)
}

// handleWebsocketPost is the request/response simulation of the channel for
// clients that cannot hold a persistent connection. It echoes a typed
// envelope and refreshes the session's liveness.
func (g *Gateway) handleWebsocketPost(c *gin.Context) {
	var frame struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&frame); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}
	switch frame.Type {
	case "connect", "message", "typing":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown frame type"})
		return
	}

	sessionID := sessionFromRequest(c)
	if sid, _ := frame.Data["sessionId"].(string); sid != "" {
		sessionID = sid
	}
	if sessionID == "" {
		sessionID = core.NewID()
	}
	g.hub.Touch(sessionID)

	c.JSON(http.StatusOK, gin.H{
		"type":      frame.Type,
		"sessionId": sessionID,
		"data":      frame.Data,
		"ts":        time.Now().UTC().Format(time.RFC3339),
	})
}

// checkOrigin enforces the configured allow-list on websocket handshakes.
// Requests without an Origin header (non-browser clients) are allowed.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
