package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signal-engine/pkg/logger"
)

const requestIDKey = "RequestID"

// RequestID tags every request, honouring an upstream X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// RequestLogger logs one line per request with timing and status.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.Info("request",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}

// ipLimiters shares one token bucket per client IP. The map resets
// wholesale on a slow ticker instead of tracking per-entry age.
type ipLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   float64
	burst    int
	lastWipe time.Time
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastWipe) > 5*time.Minute {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastWipe = time.Now()
	}
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.perSec), l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

// RateLimit rejects clients that exceed perSec sustained requests.
func RateLimit(perSec float64, burst int) gin.HandlerFunc {
	pool := &ipLimiters{
		limiters: make(map[string]*rate.Limiter),
		perSec:   perSec,
		burst:    burst,
		lastWipe: time.Now(),
	}
	return func(c *gin.Context) {
		if !pool.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "rate_limited",
				"error": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

// Timeout bounds each request's context. Handlers that respect the
// context return before the deadline; the websocket route is exempt by
// living outside the middleware's path check.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/ws" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CORS opens the API to browser clients; the deployment proxy narrows
// it in production.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
