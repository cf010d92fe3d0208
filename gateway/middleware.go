package gateway

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/crafthaven/weave/core"
)

const requestIDKey = "weave.requestID"
const bodyExcerptKey = "weave.bodyExcerpt"

// requestIDMiddleware honors an inbound X-Request-ID or mints one, and
// reflects it on the response so clients can correlate access records.
func (g *Gateway) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = core.NewID()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// clientLimiters keeps one token bucket per client, pruned lazily.
type clientLimiters struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	limit   rate.Limit
	burst   int
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(window time.Duration, max int) *clientLimiters {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 60
	}
	return &clientLimiters{
		buckets: make(map[string]*clientBucket),
		limit:   rate.Limit(float64(max) / window.Seconds()),
		burst:   max,
	}
}

// allow consumes one token for the client, creating its bucket on first
// contact and reaping buckets idle for over an hour.
func (cl *clientLimiters) allow(client string, now time.Time) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	b, ok := cl.buckets[client]
	if !ok {
		if len(cl.buckets) > 1024 {
			for key, old := range cl.buckets {
				if now.Sub(old.lastSeen) > time.Hour {
					delete(cl.buckets, key)
				}
			}
		}
		b = &clientBucket{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.buckets[client] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.limiters.allow(c.ClientIP(), time.Now()) {
			if g.opts.Metrics != nil {
				g.opts.Metrics.RateLimitRejects.Inc()
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}

// bodyLimitMiddleware caps the request body and captures a redacted excerpt
// for the access record before handlers decode it.
func (g *Gateway) bodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}
		limited := http.MaxBytesReader(c.Writer, c.Request.Body, g.opts.MaxBodyBytes)
		body, err := io.ReadAll(limited)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Set(bodyExcerptKey, redactExcerpt(body, 200))
		c.Next()
	}
}

// accessLogMiddleware emits one structured record per request with latency,
// status, response size and the redacted body excerpt.
func (g *Gateway) accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if !g.opts.PerformanceLogging {
			return
		}
		excerpt := ""
		if v, ok := c.Get(bodyExcerptKey); ok {
			excerpt, _ = v.(string)
		}
		g.opts.Logger.LogAccess(
			c.Request.Method,
			c.FullPath(),
			requestID(c),
			c.Writer.Status(),
			c.Writer.Size(),
			time.Since(start),
			excerpt,
		)
		if g.opts.Metrics != nil {
			g.opts.Metrics.RequestDuration.
				WithLabelValues(c.FullPath(), strconv.Itoa(c.Writer.Status())).
				Observe(time.Since(start).Seconds())
		}
	}
}

// sessionFromRequest resolves the client session: X-Session-ID header first,
// then a sessionId query parameter. Empty means the caller must assign one.
func sessionFromRequest(c *gin.Context) string {
	if sid := c.GetHeader("X-Session-ID"); sid != "" {
		return sid
	}
	return c.Query("sessionId")
}
