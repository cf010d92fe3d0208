package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crafthaven/weave/agent"
	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/dispatch"
	"github.com/crafthaven/weave/model"
)

// chatRequest is the inbound shape of POST /api/chat.
type chatRequest struct {
	Message   string `json:"message"`
	AgentType string `json:"agentType"`
	UserID    string `json:"userId"`
}

// handleChat runs the synchronous chat surface: admit a chat task, wait for
// its terminal event on the session's channel, and answer 200. The chat
// surface never shows a raw error; a failed or timed-out task yields the
// archetype's canonical fallback reply, still with status 200.
func (g *Gateway) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}

	message, altered := sanitizeText(req.Message)
	if altered && g.opts.SecurityLogging {
		g.opts.Logger.Warn("sanitization altered chat message request=%s", requestID(c))
	}
	if strings.TrimSpace(message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is required"})
		return
	}

	archetypeName := req.AgentType
	if archetypeName == "" {
		archetypeName = g.opts.DefaultChatArchetype
	}
	arch, ok := g.agents.KnownArchetype(archetypeName)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown agent type"})
		return
	}

	sessionID := sessionFromRequest(c)
	if sessionID == "" {
		if req.UserID != "" {
			sessionID = "user-" + req.UserID
		} else {
			sessionID = core.NewID()
		}
	}

	// Subscribe before submitting so the terminal event cannot be missed.
	sub := g.hub.Subscribe(sessionID)
	defer sub.Close()

	snap, err := g.tasks.Submit(dispatch.SubmitRequest{
		Archetype: archetypeName,
		Action:    agent.ActionChat,
		Payload:   map[string]any{"message": message},
		SessionID: sessionID,
		RequestID: requestID(c),
	})
	if err != nil {
		g.writeChatFallback(c, arch, req.UserID, sessionID)
		return
	}
	if snap.State.Terminal() {
		// Duplicate of an already finished task; its terminal event is long
		// gone, so answer from the retained snapshot.
		if snap.State == core.TaskCompleted {
			g.writeChatResult(c, archetypeName, req.UserID, snap.Result)
		} else {
			g.writeChatFallback(c, arch, req.UserID, sessionID)
		}
		return
	}

	timer := time.NewTimer(g.opts.ChatTimeout)
	defer timer.Stop()
	for {
		select {
		case env, open := <-sub.Events():
			if !open {
				g.writeChatFallback(c, arch, req.UserID, sessionID)
				return
			}
			if env.TaskID != snap.ID {
				continue
			}
			switch env.Type {
			case core.EventTaskCompleted:
				result, _ := env.Payload["result"].(map[string]any)
				g.writeChatResult(c, archetypeName, req.UserID, result)
				return
			case core.EventTaskFailed:
				g.writeChatFallback(c, arch, req.UserID, sessionID)
				return
			}
		case <-timer.C:
			g.writeChatFallback(c, arch, req.UserID, sessionID)
			return
		}
	}
}

// writeChatResult shapes the completed chat task into the chat response.
func (g *Gateway) writeChatResult(c *gin.Context, archetypeName, userID string, result map[string]any) {
	if result == nil {
		result = map[string]any{}
	}
	metadata, _ := result["metadata"].(map[string]any)
	if metadata == nil {
		metadata = map[string]any{"model": model.FallbackModelName, "agent": archetypeName}
	}
	c.JSON(http.StatusOK, gin.H{
		"response":       result["text"],
		"agentType":      archetypeName,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"userId":         userID,
		"conversationId": result["conversationId"],
		"suggestions":    result["suggestions"],
		"metadata":       metadata,
	})
}

// writeChatFallback answers 200 with the archetype's canonical degraded
// reply when no live reply arrived.
func (g *Gateway) writeChatFallback(c *gin.Context, arch core.Archetype, userID, sessionID string) {
	c.JSON(http.StatusOK, gin.H{
		"response":       model.FallbackText(arch),
		"agentType":      arch.Name,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"userId":         userID,
		"conversationId": nil,
		"suggestions":    arch.DefaultSuggestions,
		"metadata": gin.H{
			"model":      model.FallbackModelName,
			"agent":      arch.Name,
			"agentLabel": arch.HumanLabel,
			"degraded":   true,
			"sessionId":  sessionID,
		},
	})
}
