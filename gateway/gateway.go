// Package gateway terminates HTTP at the orchestration boundary. It applies,
// in order, origin checks, request identifier injection, rate limiting, body
// size limits and input sanitization before handing validated work to the
// dispatcher, and it emits one structured access record per request.
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crafthaven/weave/agent"
	"github.com/crafthaven/weave/channel"
	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/dispatch"
	"github.com/crafthaven/weave/logging"
	"github.com/crafthaven/weave/metrics"
)

// TaskService is the gateway's view of the dispatcher.
type TaskService interface {
	Submit(req dispatch.SubmitRequest) (core.TaskSnapshot, error)
	Cancel(taskID, sessionID string) error
	GetTask(taskID string) (core.TaskSnapshot, bool)
}

// AgentView is the gateway's read-only view of the registry.
type AgentView interface {
	KnownArchetype(name string) (core.Archetype, bool)
	SnapshotAll() map[string]agent.Status
}

// Options configures a Gateway.
type Options struct {
	// Service and Version label health responses and access records.
	Service string
	Version string
	// AllowedOrigins is the CORS allow-list. "*" allows all origins.
	AllowedOrigins []string
	// RateLimitWindow and RateLimitMax shape the per-client limiter:
	// RateLimitMax requests per window, with bursts up to the ceiling.
	RateLimitWindow time.Duration
	RateLimitMax    int
	// MaxBodyBytes caps request bodies before JSON decoding.
	MaxBodyBytes int64
	// ChatTimeout bounds how long the chat endpoint waits for the task's
	// terminal event before returning the fallback reply.
	ChatTimeout time.Duration
	// DefaultChatArchetype handles chat requests that omit agentType.
	DefaultChatArchetype string
	// Production switches gin to release mode and redacts internal errors.
	Production bool
	// PerformanceLogging enables per-request access records.
	PerformanceLogging bool
	// SecurityLogging records when sanitization altered inbound text.
	SecurityLogging bool
	// Logger defaults to a NoOp-backed WeaveLogger.
	Logger *logging.WeaveLogger
	// Metrics is optional.
	Metrics *metrics.Metrics
	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

// Gateway is the HTTP surface over the dispatcher, registry and channel hub.
type Gateway struct {
	tasks  TaskService
	agents AgentView
	hub    *channel.Hub
	opts   Options
	router *gin.Engine

	limiters *clientLimiters
}

// New wires the gateway's router. The returned Gateway serves through
// Router(); it owns no listener.
func New(tasks TaskService, agents AgentView, hub *channel.Hub, optFns ...func(o *Options)) *Gateway {
	opts := Options{
		Service:              "weave",
		Version:              "dev",
		AllowedOrigins:       []string{"*"},
		RateLimitWindow:      time.Minute,
		RateLimitMax:         60,
		MaxBodyBytes:         1 << 20,
		ChatTimeout:          25 * time.Second,
		DefaultChatArchetype: "artisanAssistant",
		PerformanceLogging:   true,
		SecurityLogging:      true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(&logging.LoggerConfig{
			Level:     logging.LogLevelError,
			Component: "gateway",
		})
	}

	if opts.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	g := &Gateway{
		tasks:    tasks,
		agents:   agents,
		hub:      hub,
		opts:     opts,
		limiters: newClientLimiters(opts.RateLimitWindow, opts.RateLimitMax),
	}
	g.router = g.buildRouter()
	return g
}

// Router returns the configured gin engine.
func (g *Gateway) Router() *gin.Engine { return g.router }

// ServeHTTP makes the Gateway an http.Handler for httptest and embedding.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) buildRouter() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(g.corsMiddleware())
	r.Use(g.requestIDMiddleware())
	r.Use(g.rateLimitMiddleware())
	r.Use(g.bodyLimitMiddleware())
	r.Use(g.accessLogMiddleware())

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	api := r.Group("/api")
	api.POST("/chat", g.handleChat)
	api.POST("/agents/:archetype/task", g.handleSubmitTask)
	api.GET("/tasks/:taskId", g.handleGetTask)
	api.POST("/tasks/:taskId/cancel", g.handleCancelTask)
	api.GET("/health", g.handleHealth)
	api.GET("/websocket", g.handleWebsocketGet)
	api.POST("/websocket", g.handleWebsocketPost)
	api.GET("/events", g.handleEvents)

	if g.opts.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(g.opts.MetricsHandler))
	} else if g.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return r
}

func (g *Gateway) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", "X-Session-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	allowAll := false
	for _, o := range g.opts.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = g.opts.AllowedOrigins
	}
	return cors.New(cfg)
}

// handleHealth serves the deployment probe. Read-only and idempotent.
func (g *Gateway) handleHealth(c *gin.Context) {
	agents := gin.H{}
	for name, st := range g.agents.SnapshotAll() {
		agents[name] = string(st.State)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   g.opts.Service,
		"version":   g.opts.Version,
		"features": gin.H{
			"chat":      true,
			"tasks":     true,
			"websocket": true,
			"polling":   true,
			"metrics":   g.opts.Metrics != nil || g.opts.MetricsHandler != nil,
		},
		"endpoints": gin.H{
			"chat":      "/api/chat",
			"task":      "/api/agents/{archetype}/task",
			"websocket": "/api/websocket",
			"events":    "/api/events",
			"health":    "/api/health",
		},
		"agents": agents,
	})
}
