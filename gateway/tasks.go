package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/dispatch"
)

// handleSubmitTask admits a dashboard task for an archetype. The response is
// always 202 on admission; results arrive over the realtime channel.
func (g *Gateway) handleSubmitTask(c *gin.Context) {
	archetypeName := c.Param("archetype")
	if _, ok := g.agents.KnownArchetype(archetypeName); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown archetype"})
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}
	action, _ := body["action"].(string)
	if action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Action is required"})
		return
	}
	delete(body, "action")

	if sanitizePayload(body) && g.opts.SecurityLogging {
		g.opts.Logger.Warn("sanitization altered task payload request=%s", requestID(c))
	}

	sessionID := sessionFromRequest(c)
	if sid, _ := body["sessionId"].(string); sid != "" {
		sessionID = sid
		delete(body, "sessionId")
	}
	if sessionID == "" {
		sessionID = core.NewID()
	}
	reqID := requestID(c)
	if rid, _ := body["requestId"].(string); rid != "" {
		reqID = rid
		delete(body, "requestId")
	}

	snap, err := g.tasks.Submit(dispatch.SubmitRequest{
		Archetype: archetypeName,
		Action:    action,
		Payload:   body,
		SessionID: sessionID,
		RequestID: reqID,
	})
	if err != nil {
		g.writeTaskError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"taskId":    snap.ID,
		"sessionId": sessionID,
		"state":     string(snap.State),
	})
}

// handleGetTask returns a snapshot for an in-flight or recently finished task.
func (g *Gateway) handleGetTask(c *gin.Context) {
	snap, ok := g.tasks.GetTask(c.Param("taskId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown task"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleCancelTask requests cancellation on behalf of the owning session.
// Cancelling an already-terminal task succeeds as a no-op.
func (g *Gateway) handleCancelTask(c *gin.Context) {
	sessionID := sessionFromRequest(c)
	if sessionID == "" {
		var body struct {
			SessionID string `json:"sessionId"`
		}
		_ = c.ShouldBindJSON(&body)
		sessionID = body.SessionID
	}
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session id is required"})
		return
	}

	if err := g.tasks.Cancel(c.Param("taskId"), sessionID); err != nil {
		g.writeTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleEvents is the degraded polling transport: the same envelopes the
// websocket pushes, addressed by (sessionId, sinceCursor).
func (g *Gateway) handleEvents(c *gin.Context) {
	sessionID := sessionFromRequest(c)
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session id is required"})
		return
	}
	since, err := strconv.ParseUint(c.DefaultQuery("sinceCursor", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sinceCursor"})
		return
	}

	events, next := g.hub.Poll(sessionID, since)
	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"nextCursor": next,
	})
}

// writeTaskError maps a task error kind onto its HTTP status.
func (g *Gateway) writeTaskError(c *gin.Context, err error) {
	te := core.AsTaskError(err)
	if te == nil {
		msg := "Internal error"
		if !g.opts.Production {
			msg = err.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
		return
	}
	status := http.StatusBadRequest
	switch te.Kind {
	case core.ErrKindUnauthorized:
		status = http.StatusUnauthorized
	case core.ErrKindRateLimited:
		status = http.StatusTooManyRequests
	case core.ErrKindAgentUnavailable:
		status = http.StatusServiceUnavailable
	case core.ErrKindInternal:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": te.Message, "kind": string(te.Kind)})
}
