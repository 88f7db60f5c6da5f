// Package ratelimit provides per-client rate limiting middleware.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/fiatescrow/internal/auth"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerSecond is the sustained rate per client
	RequestsPerSecond float64
	// BurstSize allows brief bursts above the rate
	BurstSize int
	// IdleTTL is how long an unused client entry is kept
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20,
		BurstSize:         40,
		IdleTTL:           5 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks a token bucket per client key
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a new rate limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	l := &Limiter{
		cfg:      cfg,
		visitors: make(map[string]*visitor),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes idle entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow checks if a request for key should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Middleware returns a Gin middleware that rate limits by caller identity,
// falling back to client IP for anonymous requests. It must run after
// auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if caller, ok := auth.GetCaller(c); ok {
			key = "caller:" + caller.String()
		}

		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}
